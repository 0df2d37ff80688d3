// Package events defines the transfer event stream and the sinks that consume it.
package events

import (
	"errors"
	"time"

	"github.com/jaywantadh/ByteRelay/internal/transfer"
)

// Kind tags an event variant.
type Kind string

const (
	KindStarted    Kind = "started"
	KindProgress   Kind = "progress"
	KindCompleted  Kind = "completed"
	KindError      Kind = "error"
	KindCancelled  Kind = "cancelled"
	KindConnection Kind = "connection"
)

// Event is one of Started, Progress, Completed, Error, Cancelled or Connection.
type Event interface {
	Kind() Kind
	TransferID() string
}

type Started struct {
	ID       string            `json:"id"`
	Filename string            `json:"filename"`
	Size     uint64            `json:"size"`
	Target   string            `json:"target,omitempty"`
	Protocol transfer.Protocol `json:"protocol"`
	Mode     transfer.Mode     `json:"mode"`
}

type Progress struct {
	ID       string  `json:"id"`
	Fraction float64 `json:"progress"`
	Speed    float64 `json:"speed"`
	ETA      float64 `json:"eta"`
	Bytes    uint64  `json:"bytes"`
	Total    uint64  `json:"total"`
}

type Completed struct {
	ID         string            `json:"id"`
	Filename   string            `json:"filename,omitempty"`
	Bytes      uint64            `json:"bytes"`
	Duration   time.Duration     `json:"duration"`
	Checksum   string            `json:"checksum"`
	Protocol   transfer.Protocol `json:"protocol"`
	Throughput float64           `json:"throughput"`
}

type Error struct {
	ID          string            `json:"id"`
	Message     string            `json:"error"`
	Code        string            `json:"code"`
	Recoverable bool              `json:"recoverable"`
	Context     map[string]string `json:"context,omitempty"`
	Suggestion  string            `json:"suggestion,omitempty"`
}

type Cancelled struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
	Bytes  uint64 `json:"bytes"`
}

// Connection reports a socket-level event. ID may be empty.
type Connection struct {
	ID        string            `json:"id,omitempty"`
	EventType string            `json:"event_type"`
	Address   string            `json:"address"`
	Protocol  transfer.Protocol `json:"protocol"`
	Success   bool              `json:"success"`
	Error     string            `json:"error,omitempty"`
}

func (Started) Kind() Kind { return KindStarted }
func (Progress) Kind() Kind { return KindProgress }
func (Completed) Kind() Kind { return KindCompleted }
func (Error) Kind() Kind { return KindError }
func (Cancelled) Kind() Kind { return KindCancelled }
func (Connection) Kind() Kind { return KindConnection }

func (e Started) TransferID() string { return e.ID }
func (e Progress) TransferID() string { return e.ID }
func (e Completed) TransferID() string { return e.ID }
func (e Error) TransferID() string { return e.ID }
func (e Cancelled) TransferID() string { return e.ID }
func (e Connection) TransferID() string { return e.ID }

// NewError builds an Error event from err, carrying code, recoverability, context
// and suggestion when err is a *transfer.Error.
func NewError(id string, err error) Error {
	ev := Error{ID: id, Message: err.Error(), Code: "UNKNOWN"}
	var te *transfer.Error
	if errors.As(err, &te) {
		ev.Code = te.Code()
		ev.Recoverable = te.Recoverable()
		ev.Context = te.Context()
		ev.Suggestion = te.Suggestion()
	}
	return ev
}

// NewConnection converts an engine connection notification.
func NewConnection(c transfer.ConnectionEvent) Connection {
	ev := Connection{
		ID:        c.TransferID,
		EventType: c.Type,
		Address:   c.Address,
		Protocol:  c.Protocol,
		Success:   c.Success,
	}
	if c.Err != nil {
		ev.Error = c.Err.Error()
	}
	return ev
}

// Sink consumes events. Emit must not block for long; it runs on the progress
// path of running transfers.
type Sink interface {
	Emit(Event)
}

// Emitter adds per-kind convenience methods on top of a Sink.
type Emitter struct {
	Sink Sink
}

func (e Emitter) emit(ev Event) {
	if e.Sink != nil {
		e.Sink.Emit(ev)
	}
}

func (e Emitter) Started(id, filename string, size uint64, target string, protocol transfer.Protocol, mode transfer.Mode) {
	e.emit(Started{ID: id, Filename: filename, Size: size, Target: target, Protocol: protocol, Mode: mode})
}

func (e Emitter) Progress(p transfer.Progress, bytes, total uint64) {
	e.emit(Progress{ID: p.TransferID, Fraction: p.Fraction, Speed: p.Speed, ETA: p.ETA, Bytes: bytes, Total: total})
}

func (e Emitter) Completed(res *transfer.Result, protocol transfer.Protocol) {
	e.emit(Completed{
		ID:         res.TransferID,
		Filename:   res.FileName,
		Bytes:      res.BytesTransferred,
		Duration:   res.Duration,
		Checksum:   res.Checksum,
		Protocol:   protocol,
		Throughput: res.Throughput(),
	})
}

func (e Emitter) Error(id string, err error) {
	e.emit(NewError(id, err))
}

func (e Emitter) Cancelled(id, reason string, bytes uint64) {
	e.emit(Cancelled{ID: id, Reason: reason, Bytes: bytes})
}

func (e Emitter) Connection(c transfer.ConnectionEvent) {
	e.emit(NewConnection(c))
}

// Noop discards every event.
type Noop struct{}

func (Noop) Emit(Event) {}

// Multi forwards each event to every sink in order.
type Multi []Sink

func (m Multi) Emit(ev Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ev)
		}
	}
}
