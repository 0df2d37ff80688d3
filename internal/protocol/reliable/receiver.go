package reliable

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/ByteRelay/internal/checksum"
	"github.com/jaywantadh/ByteRelay/internal/chunker"
	"github.com/jaywantadh/ByteRelay/internal/transfer"
	"github.com/jaywantadh/ByteRelay/pkg/logging"
)

// maxWriteRetries is how many Retry acks the receiver sends for one chunk whose
// write keeps failing before it gives up with an Error ack.
const maxWriteRetries = 3

// ReceiverOptions configures one inbound transfer.
type ReceiverOptions struct {
	TransferID string
	OutputDir  string
	// Timeout bounds the wait for a connection and every read and write after it.
	Timeout  time.Duration
	Checksum *checksum.Calculator
	Reporter transfer.Reporter
	Cancel   *transfer.CancelToken
	// Accept decides whether to take an announced file. The default refuses files
	// larger than the free space of OutputDir.
	Accept func(Handshake) (bool, string)
}

func (o *ReceiverOptions) setDefaults() {
	if o.OutputDir == "" {
		o.OutputDir = "."
	}
	if o.Timeout == 0 {
		o.Timeout = transfer.DefaultTimeout
	}
	if o.Checksum == nil {
		o.Checksum = checksum.Default()
	}
	if o.Reporter == nil {
		o.Reporter = transfer.NopReporter{}
	}
	if o.Accept == nil {
		dir := o.OutputDir
		o.Accept = func(h Handshake) (bool, string) {
			if free, ok := freeSpace(dir); ok && free < h.Size {
				return false, transfer.NewInsufficientSpace(h.Size, free).Error()
			}
			return true, ""
		}
	}
}

// Listen binds a TCP listener on addr.
func Listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, transfer.NewNetworkError("bind failed", addr, err)
	}
	return ln, nil
}

type deadliner interface {
	SetDeadline(time.Time) error
}

// Receive accepts exactly one sender on ln and writes its file into
// opts.OutputDir. The listener is not closed.
func Receive(ctx context.Context, ln net.Listener, opts ReceiverOptions) (*transfer.Result, error) {
	opts.setDefaults()
	ctx, cancel := opts.Cancel.Bind(ctx)
	defer cancel()

	log := logging.Component("reliable").WithFields(logrus.Fields{
		"function":    "Receive",
		"transfer_id": opts.TransferID,
		"listen":      ln.Addr().String(),
	})

	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return nil, transfer.FromIO(err, opts.OutputDir)
	}

	raw, err := accept(ctx, ln, opts.Timeout)
	if err != nil {
		if cerr := transfer.CheckCancelled(ctx, opts.Cancel); cerr != nil {
			return nil, cerr
		}
		err = transfer.FromNet(err, "accept", ln.Addr().String(), opts.Timeout.Seconds())
		opts.Reporter.ReportConnection(transfer.ConnectionEvent{
			TransferID: opts.TransferID, Type: "accept", Address: ln.Addr().String(),
			Protocol: transfer.ProtocolReliable, Err: err,
		})
		return nil, err
	}
	c := newConn(ctx, raw, opts.Timeout)
	defer c.Close()
	opts.Reporter.ReportConnection(transfer.ConnectionEvent{
		TransferID: opts.TransferID, Type: "accept", Address: c.peer,
		Protocol: transfer.ProtocolReliable, Success: true,
	})
	log = log.WithField("peer", c.peer)
	log.Debug("sender connected")

	r := &receiver{ctx: ctx, opts: opts, conn: c, log: log}
	res, err := r.run()
	if err != nil {
		if r.out != nil {
			r.out.Close()
			os.Remove(r.out.Path())
		}
		if cerr := transfer.CheckCancelled(ctx, opts.Cancel); cerr != nil {
			return nil, cerr
		}
		return nil, err
	}
	return res, nil
}

func accept(ctx context.Context, ln net.Listener, timeout time.Duration) (net.Conn, error) {
	if d, ok := ln.(deadliner); ok {
		d.SetDeadline(time.Now().Add(timeout))
		defer d.SetDeadline(time.Time{})
		stop := context.AfterFunc(ctx, func() { d.SetDeadline(time.Unix(1, 0)) })
		defer stop()
	}
	return ln.Accept()
}

type receiver struct {
	ctx  context.Context
	opts ReceiverOptions
	conn *conn
	log  *logrus.Entry
	out  *chunker.Chunker
}

func (r *receiver) run() (*transfer.Result, error) {
	hs, err := r.handshake()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	var (
		offset   int64
		expected uint64
		failures int
	)
	for {
		msg, err := r.conn.receive("receive_chunk")
		if err != nil {
			return nil, err
		}

		switch m := msg.(type) {
		case DataChunk:
			switch {
			case m.Sequence == expected:
			case expected > 0 && m.Sequence == expected-1:
				// the ack for the previous chunk was lost; confirm it again
				if err := r.ack(m.Sequence, AckOk); err != nil {
					return nil, err
				}
				continue
			default:
				r.ack(m.Sequence, AckError)
				return nil, protocolError(fmt.Sprintf("chunk sequence %d, expected %d", m.Sequence, expected), false)
			}
			if uint64(offset)+uint64(len(m.Data)) > hs.Size {
				r.ack(m.Sequence, AckError)
				return nil, protocolError(fmt.Sprintf("chunk %d overruns announced size %d", m.Sequence, hs.Size), false)
			}

			if err := r.out.WriteAt(offset, m.Data); err != nil {
				failures++
				if transfer.IsRecoverable(err) && failures <= maxWriteRetries {
					r.log.WithError(err).WithField("sequence", m.Sequence).Warn("write failed, requesting resend")
					if err := r.ack(m.Sequence, AckRetry); err != nil {
						return nil, err
					}
					continue
				}
				r.ack(m.Sequence, AckError)
				return nil, err
			}
			failures = 0
			offset += int64(len(m.Data))
			expected++
			if err := r.ack(m.Sequence, AckOk); err != nil {
				return nil, err
			}
			r.opts.Reporter.ReportProgress(transfer.NewProgressUpdate(r.opts.TransferID, uint64(offset), hs.Size, time.Since(start)))

			if err := transfer.CheckCancelled(r.ctx, r.opts.Cancel); err != nil {
				r.conn.send("error", ErrorMessage{Code: CodeCancelled, Message: "transfer cancelled"})
				return nil, err
			}

		case TransferComplete:
			return r.finish(hs, m, uint64(offset), time.Since(start))

		case ErrorMessage:
			return nil, protocolError(fmt.Sprintf("sender error %d: %s", m.Code, m.Message), false)

		default:
			r.conn.send("error", ErrorMessage{Code: CodeUnexpected, Message: "unexpected " + string(msg.Type())})
			return nil, protocolError(fmt.Sprintf("unexpected %s during transfer", msg.Type()), false)
		}
	}
}

func (r *receiver) handshake() (Handshake, error) {
	msg, err := r.conn.receive("handshake")
	if err != nil {
		return Handshake{}, err
	}
	hs, ok := msg.(Handshake)
	if !ok {
		r.conn.send("error", ErrorMessage{Code: CodeUnexpected, Message: "expected Handshake"})
		return Handshake{}, protocolError(fmt.Sprintf("expected Handshake, got %s", msg.Type()), false)
	}

	if accepted, reason := r.opts.Accept(hs); !accepted {
		r.conn.send("handshake", HandshakeAck{Accepted: false, Reason: reason})
		return Handshake{}, protocolError("handshake rejected: "+reason, false)
	}

	path := filepath.Join(r.opts.OutputDir, transfer.SanitizeFilename(hs.Filename))
	out, err := chunker.Create(path, transfer.DefaultChunkSize)
	if err != nil {
		r.conn.send("handshake", HandshakeAck{Accepted: false, Reason: err.Error()})
		return Handshake{}, err
	}
	r.out = out

	if err := r.conn.send("handshake", HandshakeAck{Accepted: true}); err != nil {
		return Handshake{}, err
	}
	r.opts.Reporter.ReportConnection(transfer.ConnectionEvent{
		TransferID: r.opts.TransferID, Type: "handshake", Address: r.conn.peer,
		Protocol: transfer.ProtocolReliable, Success: true,
	})
	r.log.WithFields(logrus.Fields{"file": hs.Filename, "size": hs.Size}).Info("accepted transfer")
	return hs, nil
}

func (r *receiver) ack(seq uint64, status AckStatus) error {
	return r.conn.send("chunk_ack", DataAck{Sequence: seq, Status: status})
}

func (r *receiver) finish(hs Handshake, done TransferComplete, received uint64, elapsed time.Duration) (*transfer.Result, error) {
	path := r.out.Path()
	if err := r.out.Close(); err != nil {
		r.out = nil
		return nil, err
	}
	r.out = nil

	if received != hs.Size {
		os.Remove(path)
		return nil, protocolError(fmt.Sprintf("received %d bytes, announced %d", received, hs.Size), false)
	}
	digest, err := r.opts.Checksum.FileContext(r.ctx, path)
	if err != nil {
		os.Remove(path)
		return nil, err
	}
	expected := done.Checksum
	if expected == "" {
		expected = hs.Checksum
	}

	res := &transfer.Result{
		TransferID:       r.opts.TransferID,
		FileName:         filepath.Base(path),
		Path:             path,
		BytesTransferred: received,
		Duration:         elapsed,
		Checksum:         digest,
		ExpectedChecksum: expected,
		Verified:         digest == expected,
	}
	res.Success = res.Verified
	if !res.Verified {
		res.Error = fmt.Sprintf("checksum mismatch: expected %s, got %s", expected, digest)
		r.log.WithField("path", path).Warn(res.Error)
	} else {
		r.log.WithFields(logrus.Fields{"path": path, "bytes": received}).Info("file received")
	}
	return res, nil
}
