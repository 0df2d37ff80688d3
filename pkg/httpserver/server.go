// Package httpserver exposes the orchestrator over a small JSON status API and a
// server-sent event stream.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/ByteRelay/internal/events"
	"github.com/jaywantadh/ByteRelay/internal/transfer"
	"github.com/jaywantadh/ByteRelay/pkg/logging"
)

// Engine is the part of the orchestrator the status API needs.
type Engine interface {
	GetSession(id string) (transfer.Session, error)
	GetActiveTransfers() []transfer.Session
	GetTransferHistory() []transfer.Session
	CancelTransfer(id, reason string) error
	Subscribe() (<-chan events.Event, func())
	RecentEvents() []events.Event
}

// SessionView is the JSON form of a session.
type SessionView struct {
	ID       string            `json:"id"`
	Mode     transfer.Mode     `json:"mode"`
	Protocol transfer.Protocol `json:"protocol"`
	Status   transfer.Status   `json:"status"`
	Source   string            `json:"source,omitempty"`
	Target   string            `json:"target,omitempty"`
	Local    string            `json:"local,omitempty"`
	Progress transfer.Progress `json:"progress"`
	Bytes    uint64            `json:"bytes_transferred"`
	Total    uint64            `json:"total_bytes"`
	Checksum string            `json:"checksum,omitempty"`
	Error    string            `json:"error,omitempty"`
	Started  *time.Time        `json:"started_at,omitempty"`
	Ended    *time.Time        `json:"ended_at,omitempty"`
}

// NewSessionView converts a session snapshot.
func NewSessionView(s transfer.Session) SessionView {
	v := SessionView{
		ID:       s.ID,
		Mode:     s.Config.Mode,
		Protocol: s.Config.Protocol,
		Status:   s.Status,
		Source:   s.SourcePath,
		Target:   s.TargetAddress,
		Local:    s.LocalAddress,
		Progress: s.Progress,
		Bytes:    s.BytesTransferred,
		Total:    s.TotalBytes,
		Checksum: s.Checksum,
	}
	if s.Err != nil {
		v.Error = s.Err.Error()
	}
	if !s.StartTime.IsZero() {
		t := s.StartTime
		v.Started = &t
	}
	if !s.EndTime.IsZero() {
		t := s.EndTime
		v.Ended = &t
	}
	return v
}

func views(sessions []transfer.Session) []SessionView {
	out := make([]SessionView, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, NewSessionView(s))
	}
	return out
}

type envelope struct {
	Kind  events.Kind  `json:"kind"`
	Event events.Event `json:"event"`
}

// Server serves the status API for one Engine.
type Server struct {
	engine Engine
	log    *logrus.Entry
	srv    *http.Server
}

// New builds a server for engine. Call Start to listen.
func New(engine Engine) *Server {
	s := &Server{engine: engine, log: logging.Component("httpserver")}
	s.srv = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	return s
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /transfers", s.handleActive)
	mux.HandleFunc("GET /transfers/history", s.handleHistory)
	mux.HandleFunc("GET /transfers/{id}", s.handleSession)
	mux.HandleFunc("POST /transfers/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /events/recent", s.handleRecent)
	return mux
}

// Start listens on addr and serves in the background. It returns the bound
// address.
func (s *Server) Start(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("status server: %w", err)
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("status server stopped")
		}
	}()
	s.log.WithField("address", ln.Addr().String()).Info("status server listening")
	return ln.Addr().String(), nil
}

// Shutdown stops the server, waiting for in-flight requests until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, views(s.engine.GetActiveTransfers()))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, views(s.engine.GetTransferHistory()))
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.engine.GetSession(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, NewSessionView(sess))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	reason := r.URL.Query().Get("reason")
	if err := s.engine.CancelTransfer(id, reason); err != nil {
		writeError(w, err)
		return
	}
	sess, err := s.engine.GetSession(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, NewSessionView(sess))
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	recent := s.engine.RecentEvents()
	out := make([]envelope, 0, len(recent))
	for _, e := range recent {
		out = append(out, envelope{Kind: e.Kind(), Event: e})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleEvents streams events as text/event-stream until the client goes away or
// the broadcaster closes.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	stream, unsubscribe := s.engine.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-stream:
			if !ok {
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				s.log.WithError(err).Warn("cannot encode event")
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Kind(), data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch transfer.KindOf(err) {
	case transfer.KindNotFound:
		status = http.StatusNotFound
	case transfer.KindInvalidState, transfer.KindConfig:
		status = http.StatusConflict
	}
	code := "UNKNOWN"
	var te *transfer.Error
	if errors.As(err, &te) {
		code = te.Code()
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "code": code})
}
