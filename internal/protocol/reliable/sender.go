package reliable

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/ByteRelay/internal/checksum"
	"github.com/jaywantadh/ByteRelay/internal/chunker"
	"github.com/jaywantadh/ByteRelay/internal/transfer"
	"github.com/jaywantadh/ByteRelay/pkg/logging"
)

// DefaultMaxChunkResends bounds how often one chunk is resent after Retry acks.
const DefaultMaxChunkResends = 5

// SenderOptions configures one outbound transfer.
type SenderOptions struct {
	TransferID string
	Address    string // host:port of the receiver
	FilePath   string
	// Filename is announced in the handshake; defaults to the base name of FilePath.
	Filename        string
	ChunkSize       int
	Timeout         time.Duration
	MaxChunkResends int
	Checksum        *checksum.Calculator
	Reporter        transfer.Reporter
	Cancel          *transfer.CancelToken
}

func (o *SenderOptions) setDefaults() {
	if o.Filename == "" {
		o.Filename = filepath.Base(o.FilePath)
	}
	if o.ChunkSize == 0 {
		o.ChunkSize = transfer.DefaultChunkSize
	}
	if o.Timeout == 0 {
		o.Timeout = transfer.DefaultTimeout
	}
	if o.MaxChunkResends == 0 {
		o.MaxChunkResends = DefaultMaxChunkResends
	}
	if o.Checksum == nil {
		o.Checksum = checksum.Default()
	}
	if o.Reporter == nil {
		o.Reporter = transfer.NopReporter{}
	}
}

// Send streams the file at opts.FilePath to the receiver at opts.Address and
// returns once the completion message has been written.
func Send(ctx context.Context, opts SenderOptions) (*transfer.Result, error) {
	opts.setDefaults()
	ctx, cancel := opts.Cancel.Bind(ctx)
	defer cancel()
	if err := transfer.CheckCancelled(ctx, opts.Cancel); err != nil {
		return nil, err
	}

	log := logging.Component("reliable").WithFields(logrus.Fields{
		"function":    "Send",
		"transfer_id": opts.TransferID,
		"address":     opts.Address,
	})

	ch, err := chunker.Open(opts.FilePath, opts.ChunkSize)
	if err != nil {
		return nil, err
	}
	defer ch.Close()

	digest, err := opts.Checksum.FileContext(ctx, opts.FilePath)
	if err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: opts.Timeout}
	raw, err := dialer.DialContext(ctx, "tcp", opts.Address)
	if err != nil {
		if cerr := transfer.CheckCancelled(ctx, opts.Cancel); cerr != nil {
			return nil, cerr
		}
		err = transfer.FromNet(err, "connect", opts.Address, opts.Timeout.Seconds())
		opts.Reporter.ReportConnection(transfer.ConnectionEvent{
			TransferID: opts.TransferID, Type: "connect", Address: opts.Address,
			Protocol: transfer.ProtocolReliable, Err: err,
		})
		return nil, err
	}
	c := newConn(ctx, raw, opts.Timeout)
	defer c.Close()
	opts.Reporter.ReportConnection(transfer.ConnectionEvent{
		TransferID: opts.TransferID, Type: "connect", Address: opts.Address,
		Protocol: transfer.ProtocolReliable, Success: true,
	})
	log.Debug("connected")

	s := &sender{opts: opts, conn: c, chunks: ch, log: log, ctx: ctx}
	start := time.Now()
	sent, err := s.run(digest, start)
	if err != nil {
		if cerr := transfer.CheckCancelled(ctx, opts.Cancel); cerr != nil {
			return nil, cerr
		}
		return nil, err
	}

	return &transfer.Result{
		Success:          true,
		TransferID:       opts.TransferID,
		FileName:         opts.Filename,
		Path:             opts.FilePath,
		BytesTransferred: sent,
		Duration:         time.Since(start),
		Checksum:         digest,
	}, nil
}

type sender struct {
	ctx    context.Context
	opts   SenderOptions
	conn   *conn
	chunks *chunker.Chunker
	log    *logrus.Entry
}

func (s *sender) run(digest string, start time.Time) (uint64, error) {
	size := uint64(s.chunks.FileSize())
	if err := s.handshake(size, digest); err != nil {
		return 0, err
	}

	var sent uint64
	total := s.chunks.TotalChunks()
	for seq := int64(0); seq < total; seq++ {
		data, err := s.chunks.ReadChunk(seq)
		if err != nil {
			return sent, err
		}
		if err := s.sendChunk(uint64(seq), data); err != nil {
			return sent, err
		}
		sent += uint64(len(data))
		s.opts.Reporter.ReportProgress(transfer.NewProgressUpdate(s.opts.TransferID, sent, size, time.Since(start)))

		if err := transfer.CheckCancelled(s.ctx, s.opts.Cancel); err != nil {
			s.conn.send("error", ErrorMessage{Code: CodeCancelled, Message: "transfer cancelled"})
			return sent, err
		}
	}

	if err := s.conn.send("complete", TransferComplete{Checksum: digest}); err != nil {
		return sent, err
	}
	s.log.WithFields(logrus.Fields{"bytes": sent, "chunks": total}).Info("transfer complete")
	return sent, nil
}

func (s *sender) handshake(size uint64, digest string) error {
	hs := Handshake{Filename: s.opts.Filename, Size: size, Checksum: digest}
	if err := s.conn.send("handshake", hs); err != nil {
		return err
	}
	reply, err := s.conn.receive("handshake")
	if err != nil {
		return err
	}
	switch m := reply.(type) {
	case HandshakeAck:
		if !m.Accepted {
			return protocolError("handshake rejected: "+m.Reason, false)
		}
	case ErrorMessage:
		return protocolError(fmt.Sprintf("receiver error %d: %s", m.Code, m.Message), false)
	default:
		return protocolError(fmt.Sprintf("expected HandshakeAck, got %s", reply.Type()), false)
	}
	s.opts.Reporter.ReportConnection(transfer.ConnectionEvent{
		TransferID: s.opts.TransferID, Type: "handshake", Address: s.opts.Address,
		Protocol: transfer.ProtocolReliable, Success: true,
	})
	return nil
}

// sendChunk writes one chunk and waits for its ack, resending on Retry.
func (s *sender) sendChunk(seq uint64, data []byte) error {
	for resends := 0; ; resends++ {
		if err := s.conn.send("send_chunk", DataChunk{Sequence: seq, Data: data}); err != nil {
			return err
		}
		reply, err := s.conn.receive("chunk_ack")
		if err != nil {
			return err
		}

		switch m := reply.(type) {
		case DataAck:
			if m.Sequence != seq {
				return protocolError(fmt.Sprintf("ack for sequence %d, expected %d", m.Sequence, seq), false)
			}
			switch m.Status {
			case AckOk:
				return nil
			case AckError:
				return protocolError(fmt.Sprintf("receiver failed chunk %d", seq), true)
			}
			if resends >= s.opts.MaxChunkResends {
				return protocolError(fmt.Sprintf("chunk %d still refused after %d resends", seq, resends), true)
			}
			s.log.WithField("sequence", seq).Warn("receiver asked for resend")
		case ErrorMessage:
			return protocolError(fmt.Sprintf("receiver error %d: %s", m.Code, m.Message), false)
		default:
			return protocolError(fmt.Sprintf("expected DataAck, got %s", reply.Type()), false)
		}
	}
}
