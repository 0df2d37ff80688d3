// Package transfer holds the types shared by the protocol engines and the session
// orchestrator: configuration, status, progress, results and the error model.
package transfer

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Mode tells whether an endpoint sends or receives.
type Mode string

const (
	ModeTransmitter Mode = "transmitter"
	ModeReceiver    Mode = "receiver"
)

// Protocol selects the wire protocol.
type Protocol string

const (
	// ProtocolReliable is the connection-oriented, acknowledged TCP protocol.
	ProtocolReliable Protocol = "tcp"
	// ProtocolBestEffort is the connectionless UDP datagram protocol.
	ProtocolBestEffort Protocol = "udp"
)

// ParseProtocol accepts "tcp"/"reliable" and "udp"/"best-effort".
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tcp", "reliable":
		return ProtocolReliable, nil
	case "udp", "best-effort", "besteffort":
		return ProtocolBestEffort, nil
	}
	return "", NewConfigError("protocol", fmt.Sprintf("unknown protocol %q", s))
}

// Status represents the current status of a transfer session
type Status string

const (
	StatusIdle         Status = "idle"
	StatusConnecting   Status = "connecting"
	StatusTransferring Status = "transferring"
	StatusCompleted    Status = "completed"
	StatusError        Status = "error"
	StatusCancelled    Status = "cancelled"
)

// IsActive reports whether the session is connecting or moving data.
func (s Status) IsActive() bool {
	return s == StatusConnecting || s == StatusTransferring
}

// IsTerminal reports whether the session has finished, successfully or not.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusCancelled
}

// Progress is the externally visible progress snapshot of a session.
type Progress struct {
	TransferID string  `json:"transfer_id"`
	Fraction   float64 `json:"progress"` // 0..1, zero when the total is unknown
	Speed      float64 `json:"speed"`    // bytes per second
	ETA        float64 `json:"eta"`      // seconds
	Status     Status  `json:"status"`
	Error      string  `json:"error,omitempty"`
}

// ProgressUpdate is what a protocol engine reports after each chunk.
type ProgressUpdate struct {
	TransferID       string
	BytesTransferred uint64
	TotalBytes       uint64 // zero when unknown
	Speed            float64
	ETA              float64
}

// NewProgressUpdate derives speed and ETA from the bytes moved since start.
func NewProgressUpdate(id string, transferred, total uint64, elapsed time.Duration) ProgressUpdate {
	u := ProgressUpdate{TransferID: id, BytesTransferred: transferred, TotalBytes: total}
	if secs := elapsed.Seconds(); secs > 0 {
		u.Speed = float64(transferred) / secs
	}
	if u.Speed > 0 && total > transferred {
		u.ETA = float64(total-transferred) / u.Speed
	}
	return u
}

// ConnectionEvent describes a socket-level event seen by an engine.
type ConnectionEvent struct {
	TransferID string
	Type       string // "connect", "accept", "bind", "handshake"
	Address    string
	Protocol   Protocol
	Success    bool
	Err        error
}

// Reporter receives progress and connection notifications from a protocol engine.
// Implementations must not block the caller.
type Reporter interface {
	ReportProgress(ProgressUpdate)
	ReportConnection(ConnectionEvent)
}

// NopReporter discards all notifications.
type NopReporter struct{}

func (NopReporter) ReportProgress(ProgressUpdate) {}
func (NopReporter) ReportConnection(ConnectionEvent) {}

// Result is the terminal artifact of one transfer.
type Result struct {
	Success          bool          `json:"success"`
	TransferID       string        `json:"transfer_id"`
	FileName         string        `json:"file_name"`
	Path             string        `json:"path"`
	BytesTransferred uint64        `json:"bytes_transferred"`
	Duration         time.Duration `json:"duration"`
	Checksum         string        `json:"checksum"`
	// ExpectedChecksum is the digest announced by the sender, empty when the
	// protocol carries none.
	ExpectedChecksum string `json:"expected_checksum,omitempty"`
	// Verified is true only when a received file matched the announced checksum.
	Verified bool   `json:"verified"`
	Error    string `json:"error,omitempty"`
}

// Throughput returns bytes per second over the whole transfer.
func (r *Result) Throughput() float64 {
	if r.Duration <= 0 {
		return 0
	}
	return float64(r.BytesTransferred) / r.Duration.Seconds()
}

// Session is the mutable record tracking one transfer. Values handed out by the
// session manager are snapshots; the cancel token is shared between all of them.
type Session struct {
	ID               string
	Config           Config
	SourcePath       string
	TargetAddress    string
	LocalAddress     string
	OutputDir        string
	Status           Status
	Progress         Progress
	StartTime        time.Time
	EndTime          time.Time
	BytesTransferred uint64
	TotalBytes       uint64
	Err              error
	Checksum         string
	Result           *Result

	Cancel *CancelToken
}

// Elapsed returns the run time so far, or the total run time once finished.
func (s *Session) Elapsed() time.Duration {
	if s.StartTime.IsZero() {
		return 0
	}
	if s.EndTime.IsZero() {
		return time.Since(s.StartTime)
	}
	return s.EndTime.Sub(s.StartTime)
}

// FallbackFilename names a received file whose announced name is missing or
// unusable.
const FallbackFilename = "received_file"

// SanitizeFilename reduces an announced name to a plain base name so a received
// file always lands directly inside the output directory.
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	base := filepath.Base(filepath.Clean("/" + name))
	if base == "/" || base == "." || base == ".." || base == "" {
		return FallbackFilename
	}
	return base
}
