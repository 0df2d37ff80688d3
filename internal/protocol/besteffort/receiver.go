package besteffort

import (
	"context"
	"errors"
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

// ReceiverOptions configures one inbound transfer.
type ReceiverOptions struct {
	TransferID string
	OutputDir  string
	Timings    Timings
	Checksum   *checksum.Calculator
	Reporter   transfer.Reporter
	Cancel     *transfer.CancelToken
}

// Receive reads one transfer from conn into opts.OutputDir. The transfer ends on
// the first end marker or when no datagram arrives within the packet timeout.
// The socket is not closed.
func Receive(ctx context.Context, conn *net.UDPConn, opts ReceiverOptions) (*transfer.Result, error) {
	if opts.OutputDir == "" {
		opts.OutputDir = "."
	}
	if opts.Checksum == nil {
		opts.Checksum = checksum.Default()
	}
	if opts.Reporter == nil {
		opts.Reporter = transfer.NopReporter{}
	}
	timings := opts.Timings.withDefaults()

	ctx, cancel := opts.Cancel.Bind(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { conn.SetReadDeadline(time.Unix(1, 0)) })
	defer stop()

	local := conn.LocalAddr().String()
	log := logging.Component("besteffort").WithFields(logrus.Fields{
		"function":    "Receive",
		"transfer_id": opts.TransferID,
		"listen":      local,
	})

	buf := make([]byte, maxDatagram)
	conn.SetReadDeadline(time.Now().Add(timings.HandshakeTimeout))
	n, peer, err := conn.ReadFromUDP(buf)
	if err != nil {
		if cerr := transfer.CheckCancelled(ctx, opts.Cancel); cerr != nil {
			return nil, cerr
		}
		return nil, transfer.FromNet(err, "handshake", local, timings.HandshakeTimeout.Seconds())
	}
	opts.Reporter.ReportConnection(transfer.ConnectionEvent{
		TransferID: opts.TransferID, Type: "handshake", Address: peer.String(),
		Protocol: transfer.ProtocolBestEffort, Success: true,
	})

	first := buf[:n]
	name, announced, ok := ParseHandshake(first)
	if ok {
		name = transfer.SanitizeFilename(name)
		log.WithFields(logrus.Fields{"file": name, "size": announced, "peer": peer.String()}).Info("handshake received")
	} else {
		name = transfer.FallbackFilename
		log.WithField("peer", peer.String()).Warn("first datagram is not a handshake, keeping it as data")
	}

	path := filepath.Join(opts.OutputDir, name)
	out, err := chunker.Create(path, transfer.DefaultUDPChunkSize)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	lastReport := start
	var received uint64
	appendData := func(data []byte) error {
		if err := out.Append(data); err != nil {
			return err
		}
		received += uint64(len(data))
		if now := time.Now(); now.Sub(lastReport) >= timings.ProgressInterval {
			lastReport = now
			opts.Reporter.ReportProgress(transfer.NewProgressUpdate(opts.TransferID, received, 0, now.Sub(start)))
		}
		return nil
	}
	abort := func(err error) (*transfer.Result, error) {
		out.Close()
		os.Remove(path)
		return nil, err
	}

	done := IsEndMarker(first)
	if !ok && !done && n > 0 {
		if err := appendData(first); err != nil {
			return abort(err)
		}
	}

	for !done {
		if err := transfer.CheckCancelled(ctx, opts.Cancel); err != nil {
			return abort(err)
		}
		conn.SetReadDeadline(time.Now().Add(timings.PacketTimeout))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if cerr := transfer.CheckCancelled(ctx, opts.Cancel); cerr != nil {
				return abort(cerr)
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				log.WithField("bytes", received).Warn("no datagram within packet timeout, assuming transfer complete")
				break
			}
			return abort(transfer.FromNet(err, "receive_chunk", local, timings.PacketTimeout.Seconds()))
		}
		switch {
		case IsEndMarker(buf[:n]):
			done = true
		case n > 0:
			if err := appendData(buf[:n]); err != nil {
				return abort(err)
			}
		}
	}
	opts.Reporter.ReportProgress(transfer.NewProgressUpdate(opts.TransferID, received, 0, time.Since(start)))

	if err := out.Close(); err != nil {
		return nil, err
	}
	digest, err := opts.Checksum.FileContext(ctx, path)
	if err != nil {
		return nil, err
	}
	if ok && announced != received {
		log.WithFields(logrus.Fields{"announced": announced, "received": received}).Warn("size differs from handshake")
	}
	log.WithFields(logrus.Fields{"path": path, "bytes": received}).Info("file received")

	return &transfer.Result{
		Success:          true,
		TransferID:       opts.TransferID,
		FileName:         name,
		Path:             path,
		BytesTransferred: received,
		Duration:         time.Since(start),
		Checksum:         digest,
	}, nil
}
