// Package reliable implements the connection-oriented transfer protocol: a handshake
// carrying name, size and checksum, then a lock-step chunk/ack loop and a completion
// message, all as length-prefixed frames over TCP.
package reliable

import (
	"encoding/json"
	"fmt"

	"github.com/jaywantadh/ByteRelay/internal/transfer"
)

const protocolName = string(transfer.ProtocolReliable)

// MessageType is the discriminant tag written on the wire.
type MessageType string

const (
	TypeHandshake        MessageType = "Handshake"
	TypeHandshakeAck     MessageType = "HandshakeAck"
	TypeDataChunk        MessageType = "DataChunk"
	TypeDataAck          MessageType = "DataAck"
	TypeTransferComplete MessageType = "TransferComplete"
	TypeError            MessageType = "Error"
)

// AckStatus is the receiver's verdict on one chunk.
type AckStatus string

const (
	AckOk    AckStatus = "Ok"
	AckRetry AckStatus = "Retry"
	AckError AckStatus = "Error"
)

// Error message codes.
const (
	CodeRejected uint32 = iota + 1
	CodeSequence
	CodeCancelled
	CodeInternal
	CodeUnexpected
)

// Message is one of the six protocol messages.
type Message interface {
	Type() MessageType
}

type Handshake struct {
	Filename string `json:"filename"`
	Size     uint64 `json:"size"`
	Checksum string `json:"checksum"`
}

type HandshakeAck struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

type DataChunk struct {
	Sequence uint64 `json:"sequence"`
	Data     []byte `json:"data"`
}

type DataAck struct {
	Sequence uint64    `json:"sequence"`
	Status   AckStatus `json:"status"`
}

type TransferComplete struct {
	Checksum string `json:"checksum"`
}

type ErrorMessage struct {
	Code    uint32 `json:"code"`
	Message string `json:"message"`
}

func (Handshake) Type() MessageType { return TypeHandshake }
func (HandshakeAck) Type() MessageType { return TypeHandshakeAck }
func (DataChunk) Type() MessageType { return TypeDataChunk }
func (DataAck) Type() MessageType { return TypeDataAck }
func (TransferComplete) Type() MessageType { return TypeTransferComplete }
func (ErrorMessage) Type() MessageType { return TypeError }

type envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Encode serializes m with its tag.
func Encode(m Message) ([]byte, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type(), err)
	}
	return json.Marshal(envelope{Type: m.Type(), Payload: payload})
}

// Decode parses a serialized message. Unknown tags and malformed payloads are
// non-recoverable protocol errors.
func Decode(b []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, protocolError(fmt.Sprintf("malformed message: %v", err), false)
	}

	var (
		msg Message
		err error
	)
	switch env.Type {
	case TypeHandshake:
		var m Handshake
		err = json.Unmarshal(env.Payload, &m)
		msg = m
	case TypeHandshakeAck:
		var m HandshakeAck
		err = json.Unmarshal(env.Payload, &m)
		msg = m
	case TypeDataChunk:
		var m DataChunk
		err = json.Unmarshal(env.Payload, &m)
		msg = m
	case TypeDataAck:
		var m DataAck
		err = json.Unmarshal(env.Payload, &m)
		if err == nil && m.Status != AckOk && m.Status != AckRetry && m.Status != AckError {
			err = fmt.Errorf("unknown ack status %q", m.Status)
		}
		msg = m
	case TypeTransferComplete:
		var m TransferComplete
		err = json.Unmarshal(env.Payload, &m)
		msg = m
	case TypeError:
		var m ErrorMessage
		err = json.Unmarshal(env.Payload, &m)
		msg = m
	default:
		return nil, protocolError(fmt.Sprintf("unknown message type %q", env.Type), false)
	}
	if err != nil {
		return nil, protocolError(fmt.Sprintf("malformed %s payload: %v", env.Type, err), false)
	}
	return msg, nil
}

func protocolError(message string, recoverable bool) *transfer.Error {
	return transfer.NewProtocolError(protocolName, message, recoverable)
}
