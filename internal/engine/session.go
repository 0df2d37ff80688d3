// Package engine owns transfer sessions: their table, their progress pipeline and
// the orchestration of protocol engines under retry.
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/ByteRelay/internal/transfer"
	"github.com/jaywantadh/ByteRelay/pkg/logging"
)

// SessionManager is the single authority over session identity and lifecycle.
// Readers get snapshots; the cancel token inside a snapshot is shared.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*transfer.Session
	log      *logrus.Entry
	now      func() time.Time
}

func NewSessionManager() *SessionManager {
	return &SessionManager{
		sessions: make(map[string]*transfer.Session),
		log:      logging.Component("sessions"),
		now:      time.Now,
	}
}

func snapshot(s *transfer.Session) transfer.Session {
	cp := *s
	if s.Result != nil {
		res := *s.Result
		cp.Result = &res
	}
	return cp
}

func (m *SessionManager) setStatus(s *transfer.Session, status transfer.Status) {
	s.Status = status
	s.Progress.Status = status
	if status.IsTerminal() {
		s.EndTime = m.now()
	}
}

// Create validates cfg and registers a new Idle session. Its cancel token derives
// from ctx.
func (m *SessionManager) Create(ctx context.Context, cfg transfer.Config) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	id := uuid.NewString()
	s := &transfer.Session{
		ID:            id,
		Config:        cfg,
		TargetAddress: cfg.TargetIP,
		Status:        transfer.StatusIdle,
		Progress:      transfer.Progress{TransferID: id, Status: transfer.StatusIdle},
		Cancel:        transfer.NewCancelToken(ctx),
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{"transfer_id": id, "mode": cfg.Mode, "protocol": cfg.Protocol}).Debug("session created")
	return id, nil
}

// Get returns a snapshot of the session.
func (m *SessionManager) Get(id string) (transfer.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return transfer.Session{}, transfer.NewNotFound(id)
	}
	return snapshot(s), nil
}

// update applies fn to the live session under the write lock.
func (m *SessionManager) update(id string, fn func(*transfer.Session) error) (transfer.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return transfer.Session{}, transfer.NewNotFound(id)
	}
	if err := fn(s); err != nil {
		return snapshot(s), err
	}
	return snapshot(s), nil
}

// MarkConnecting moves an Idle session to Connecting and records its endpoints.
func (m *SessionManager) MarkConnecting(id, source, target, local string) (transfer.Session, error) {
	return m.update(id, func(s *transfer.Session) error {
		if s.Status != transfer.StatusIdle {
			return transfer.NewInvalidState(fmt.Sprintf("session %s is %s, not idle", id, s.Status))
		}
		s.SourcePath = source
		if target != "" {
			s.TargetAddress = target
		}
		s.LocalAddress = local
		s.StartTime = m.now()
		m.setStatus(s, transfer.StatusConnecting)
		return nil
	})
}

// SetOutputDir records where a receiving session writes.
func (m *SessionManager) SetOutputDir(id, dir string) error {
	_, err := m.update(id, func(s *transfer.Session) error {
		s.OutputDir = dir
		return nil
	})
	return err
}

// UpdateProgress applies an engine progress report. The first nonzero byte count
// moves a Connecting session to Transferring. Terminal sessions are left alone and
// reported as InvalidState.
func (m *SessionManager) UpdateProgress(u transfer.ProgressUpdate) (transfer.Session, error) {
	return m.update(u.TransferID, func(s *transfer.Session) error {
		if s.Status.IsTerminal() {
			return transfer.NewInvalidState(fmt.Sprintf("session %s already %s", s.ID, s.Status))
		}
		s.BytesTransferred = u.BytesTransferred
		s.TotalBytes = u.TotalBytes
		s.Progress.Speed = u.Speed
		s.Progress.ETA = u.ETA
		if u.TotalBytes > 0 {
			s.Progress.Fraction = float64(u.BytesTransferred) / float64(u.TotalBytes)
		} else {
			s.Progress.Fraction = 0
		}
		if s.Status == transfer.StatusConnecting && u.BytesTransferred > 0 {
			m.setStatus(s, transfer.StatusTransferring)
		}
		return nil
	})
}

// Complete records a successful result.
func (m *SessionManager) Complete(id string, res *transfer.Result) (transfer.Session, error) {
	return m.update(id, func(s *transfer.Session) error {
		if s.Status.IsTerminal() {
			return transfer.NewInvalidState(fmt.Sprintf("session %s already %s", s.ID, s.Status))
		}
		r := *res
		s.Result = &r
		s.Checksum = res.Checksum
		s.BytesTransferred = res.BytesTransferred
		if s.TotalBytes < res.BytesTransferred {
			s.TotalBytes = res.BytesTransferred
		}
		if res.Path != "" && s.SourcePath == "" {
			s.SourcePath = res.Path
		}
		s.Progress.Fraction = 1
		s.Progress.ETA = 0
		m.setStatus(s, transfer.StatusCompleted)
		return nil
	})
}

// Fail records a terminal error.
func (m *SessionManager) Fail(id string, cause error) (transfer.Session, error) {
	return m.update(id, func(s *transfer.Session) error {
		if s.Status.IsTerminal() {
			return transfer.NewInvalidState(fmt.Sprintf("session %s already %s", s.ID, s.Status))
		}
		s.Err = cause
		s.Progress.Error = cause.Error()
		m.setStatus(s, transfer.StatusError)
		return nil
	})
}

// Cancel raises the session's cancel flag and forces it to Cancelled. It reports
// false without changing anything when the session is already terminal.
func (m *SessionManager) Cancel(id, reason string) (transfer.Session, bool, error) {
	changed := false
	s, err := m.update(id, func(s *transfer.Session) error {
		if s.Status.IsTerminal() {
			return nil
		}
		s.Cancel.Cancel(reason)
		s.Progress.Error = reason
		m.setStatus(s, transfer.StatusCancelled)
		changed = true
		return nil
	})
	return s, changed, err
}

func (m *SessionManager) collect(keep func(*transfer.Session) bool) []transfer.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]transfer.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if keep(s) {
			out = append(out, snapshot(s))
		}
	}
	return out
}

// Active returns Connecting and Transferring sessions, oldest first.
func (m *SessionManager) Active() []transfer.Session {
	out := m.collect(func(s *transfer.Session) bool { return s.Status.IsActive() })
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

// History returns terminal sessions, most recently finished first.
func (m *SessionManager) History() []transfer.Session {
	out := m.collect(func(s *transfer.Session) bool { return s.Status.IsTerminal() })
	sort.Slice(out, func(i, j int) bool { return out[i].EndTime.After(out[j].EndTime) })
	return out
}

// All returns every session.
func (m *SessionManager) All() []transfer.Session {
	return m.collect(func(*transfer.Session) bool { return true })
}

// Cleanup removes terminal sessions that finished more than olderThan ago and
// returns their ids. Zero removes every terminal session.
func (m *SessionManager) Cleanup(olderThan time.Duration) []string {
	cutoff := m.now().Add(-olderThan)
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed []string
	for id, s := range m.sessions {
		if !s.Status.IsTerminal() {
			continue
		}
		if olderThan > 0 && s.EndTime.After(cutoff) {
			continue
		}
		s.Cancel.Release()
		delete(m.sessions, id)
		removed = append(removed, id)
	}
	if len(removed) > 0 {
		m.log.WithField("count", len(removed)).Debug("evicted finished sessions")
	}
	return removed
}

// RunCleanup evicts terminal sessions older than retention every interval until
// ctx ends. onEvict, when set, sees every evicted id.
func (m *SessionManager) RunCleanup(ctx context.Context, interval, retention time.Duration, onEvict func(ids []string)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ids := m.Cleanup(retention); len(ids) > 0 && onEvict != nil {
				onEvict(ids)
			}
		}
	}
}
