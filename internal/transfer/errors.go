package transfer

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"syscall"
)

// Kind classifies an Error. Every kind has a stable machine-readable code.
type Kind int

const (
	KindFileNotFound Kind = iota + 1
	KindFile
	KindPermissionDenied
	KindInsufficientSpace
	KindNetwork
	KindConnectionRefused
	KindTimeout
	KindProtocol
	KindConfig
	KindCancelled
	KindNotFound
	KindInvalidState
)

var kindCodes = map[Kind]string{
	KindFileNotFound:      "FILE_NOT_FOUND",
	KindFile:              "FILE_ERROR",
	KindPermissionDenied:  "PERMISSION_DENIED",
	KindInsufficientSpace: "INSUFFICIENT_SPACE",
	KindNetwork:           "NETWORK_ERROR",
	KindConnectionRefused: "CONNECTION_REFUSED",
	KindTimeout:           "TIMEOUT",
	KindProtocol:          "PROTOCOL_ERROR",
	KindConfig:            "CONFIG_ERROR",
	KindCancelled:         "CANCELLED",
	KindNotFound:          "NOT_FOUND",
	KindInvalidState:      "INVALID_STATE",
}

// Code returns the stable machine-readable code of the kind.
func (k Kind) Code() string {
	if c, ok := kindCodes[k]; ok {
		return c
	}
	return "UNKNOWN"
}

func (k Kind) String() string { return k.Code() }

// Error is the single error type returned by the transfer engine. Callers inspect
// Kind, Recoverable and Context instead of parsing the message.
type Error struct {
	Kind      Kind
	Message   string
	Path      string
	Address   string
	Operation string
	Field     string
	Protocol  string
	Seconds   float64
	Required  uint64
	Available uint64
	Err       error

	recoverable bool
}

// Sentinels for errors.Is matching by kind.
var (
	ErrCancelled    = &Error{Kind: KindCancelled}
	ErrNotFound     = &Error{Kind: KindNotFound}
	ErrTimeout      = &Error{Kind: KindTimeout}
	ErrProtocol     = &Error{Kind: KindProtocol}
	ErrConfig       = &Error{Kind: KindConfig}
	ErrInvalidState = &Error{Kind: KindInvalidState}
)

func (e *Error) Error() string {
	var msg string
	switch e.Kind {
	case KindFileNotFound:
		msg = fmt.Sprintf("file not found: %s", e.Path)
	case KindFile:
		msg = fmt.Sprintf("file error: %s", e.Message)
		if e.Path != "" {
			msg += " (" + e.Path + ")"
		}
	case KindPermissionDenied:
		msg = fmt.Sprintf("permission denied: %s", e.Path)
	case KindInsufficientSpace:
		msg = fmt.Sprintf("insufficient disk space: need %d bytes, %d available", e.Required, e.Available)
	case KindNetwork:
		msg = fmt.Sprintf("network error: %s", e.Message)
		if e.Address != "" {
			msg += " (" + e.Address + ")"
		}
	case KindConnectionRefused:
		msg = fmt.Sprintf("connection refused: %s", e.Address)
	case KindTimeout:
		msg = fmt.Sprintf("operation %s timed out after %s seconds", e.Operation, strconv.FormatFloat(e.Seconds, 'f', -1, 64))
	case KindProtocol:
		msg = fmt.Sprintf("%s protocol error: %s", e.Protocol, e.Message)
	case KindConfig:
		msg = fmt.Sprintf("invalid configuration for %s: %s", e.Field, e.Message)
	case KindCancelled:
		msg = "transfer cancelled"
		if e.Message != "" {
			msg += ": " + e.Message
		}
	case KindNotFound:
		msg = fmt.Sprintf("transfer not found: %s", e.Message)
	case KindInvalidState:
		msg = fmt.Sprintf("invalid state: %s", e.Message)
	default:
		msg = e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind, which makes the package sentinels
// usable with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Code returns the stable machine-readable code.
func (e *Error) Code() string { return e.Kind.Code() }

// Recoverable tells the retry engine whether trying again may succeed.
func (e *Error) Recoverable() bool { return e.recoverable }

// Context returns the structured details attached to the error.
func (e *Error) Context() map[string]string {
	ctx := make(map[string]string)
	if e.Path != "" {
		ctx["path"] = e.Path
	}
	if e.Address != "" {
		ctx["address"] = e.Address
	}
	if e.Operation != "" {
		ctx["operation"] = e.Operation
	}
	if e.Field != "" {
		ctx["field"] = e.Field
	}
	if e.Protocol != "" {
		ctx["protocol"] = e.Protocol
	}
	if e.Kind == KindTimeout {
		ctx["seconds"] = strconv.FormatFloat(e.Seconds, 'f', -1, 64)
	}
	return ctx
}

// Suggestion returns a short hint for the user.
func (e *Error) Suggestion() string {
	switch e.Kind {
	case KindFileNotFound:
		return "check that the file path exists"
	case KindFile:
		return "check the file is readable and not modified during the transfer"
	case KindPermissionDenied:
		return "check file and directory permissions"
	case KindInsufficientSpace:
		return "free disk space on the receiving side or choose another output directory"
	case KindNetwork:
		return "check network connectivity and retry"
	case KindConnectionRefused:
		return "make sure the receiver is running and listening on the given port"
	case KindTimeout:
		return "increase the timeout or check that the peer is reachable"
	case KindProtocol:
		return "make sure both ends run compatible versions"
	case KindConfig:
		return "fix the " + e.Field + " setting"
	}
	return ""
}

// NewFileNotFound reports a missing source file. Not recoverable.
func NewFileNotFound(path string) *Error {
	return &Error{Kind: KindFileNotFound, Path: path}
}

// NewFileError wraps a file-system failure; recoverable marks transient read or
// write errors.
func NewFileError(message, path string, recoverable bool, err error) *Error {
	return &Error{Kind: KindFile, Message: message, Path: path, Err: err, recoverable: recoverable}
}

// NewPermissionDenied reports a path the process may not access. Not recoverable.
func NewPermissionDenied(path string) *Error {
	return &Error{Kind: KindPermissionDenied, Path: path}
}

// NewInsufficientSpace reports that required bytes exceed the available space.
func NewInsufficientSpace(required, available uint64) *Error {
	return &Error{Kind: KindInsufficientSpace, Required: required, Available: available}
}

// NewNetworkError wraps a socket failure. Always recoverable.
func NewNetworkError(message, address string, err error) *Error {
	return &Error{Kind: KindNetwork, Message: message, Address: address, Err: err, recoverable: true}
}

// NewConnectionRefused reports that nothing listens at address. Recoverable.
func NewConnectionRefused(address string, err error) *Error {
	return &Error{Kind: KindConnectionRefused, Address: address, Err: err, recoverable: true}
}

// NewTimeout reports an operation that exceeded its deadline. Recoverable.
func NewTimeout(operation string, seconds float64) *Error {
	return &Error{Kind: KindTimeout, Operation: operation, Seconds: seconds, recoverable: true}
}

// NewProtocolError reports a peer that broke the protocol of the named engine.
func NewProtocolError(protocol, message string, recoverable bool) *Error {
	return &Error{Kind: KindProtocol, Protocol: protocol, Message: message, recoverable: recoverable}
}

// NewConfigError reports an invalid setting. Not recoverable.
func NewConfigError(field, message string) *Error {
	return &Error{Kind: KindConfig, Field: field, Message: message}
}

// NewCancelled reports a transfer stopped on request.
func NewCancelled(reason string) *Error {
	return &Error{Kind: KindCancelled, Message: reason}
}

// NewNotFound reports an unknown transfer id.
func NewNotFound(id string) *Error {
	return &Error{Kind: KindNotFound, Message: id}
}

// NewInvalidState reports an operation the session cannot perform in its
// current status.
func NewInvalidState(message string) *Error {
	return &Error{Kind: KindInvalidState, Message: message}
}

// KindOf returns the kind of the first *Error in err's chain, or zero.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsRecoverable reports whether err carries a recoverable flag set to true.
func IsRecoverable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Recoverable()
	}
	return false
}

// FromIO maps a file-system error to the engine error model. Setup failures are
// never recoverable.
func FromIO(err error, path string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	switch {
	case errors.Is(err, os.ErrNotExist):
		return NewFileNotFound(path)
	case errors.Is(err, os.ErrPermission):
		return NewPermissionDenied(path)
	case errors.Is(err, syscall.ENOSPC):
		return &Error{Kind: KindInsufficientSpace, Path: path, Err: err}
	}
	return NewFileError("i/o failure", path, false, err)
}

// FromNet maps a socket error to the engine error model. Deadline expiry becomes a
// recoverable Timeout naming the operation and the configured duration.
func FromNet(err error, operation, address string, timeoutSeconds float64) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	var netErr net.Error
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return NewConnectionRefused(address, err)
	case errors.As(err, &netErr) && netErr.Timeout():
		t := NewTimeout(operation, timeoutSeconds)
		t.Address = address
		return t
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return NewNetworkError(operation+": connection closed by peer", address, err)
	}
	return NewNetworkError(operation+" failed", address, err)
}
