package besteffort

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

// SenderOptions configures one outbound transfer.
type SenderOptions struct {
	TransferID string
	Address    string // host:port of the receiver
	// LocalAddress binds the sending socket; empty picks an ephemeral port.
	LocalAddress string
	FilePath     string
	Filename     string
	ChunkSize    int
	Timings      Timings
	Checksum     *checksum.Calculator
	Reporter     transfer.Reporter
	Cancel       *transfer.CancelToken
}

// Send streams the file to opts.Address. It succeeds once every datagram has been
// handed to the network, whether or not anyone received it.
func Send(ctx context.Context, opts SenderOptions) (*transfer.Result, error) {
	if opts.Filename == "" {
		opts.Filename = filepath.Base(opts.FilePath)
	}
	if opts.ChunkSize == 0 {
		opts.ChunkSize = transfer.DefaultUDPChunkSize
	}
	if opts.Checksum == nil {
		opts.Checksum = checksum.Default()
	}
	if opts.Reporter == nil {
		opts.Reporter = transfer.NopReporter{}
	}
	timings := opts.Timings.withDefaults()
	if opts.ChunkSize < transfer.MinChunkSize || opts.ChunkSize > maxDatagram {
		return nil, transfer.NewConfigError("chunk_size", fmt.Sprintf("chunk size %d outside %d..%d", opts.ChunkSize, transfer.MinChunkSize, maxDatagram))
	}

	ctx, cancel := opts.Cancel.Bind(ctx)
	defer cancel()
	if err := transfer.CheckCancelled(ctx, opts.Cancel); err != nil {
		return nil, err
	}

	log := logging.Component("besteffort").WithFields(logrus.Fields{
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

	raddr, err := net.ResolveUDPAddr("udp", opts.Address)
	if err != nil {
		return nil, transfer.NewNetworkError("resolve failed", opts.Address, err)
	}
	var laddr *net.UDPAddr
	if opts.LocalAddress != "" {
		if laddr, err = net.ResolveUDPAddr("udp", opts.LocalAddress); err != nil {
			return nil, transfer.NewNetworkError("resolve failed", opts.LocalAddress, err)
		}
	}
	// unconnected socket: ICMP port-unreachable replies must not fail later writes
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		err = transfer.NewNetworkError("bind failed", opts.LocalAddress, err)
		opts.Reporter.ReportConnection(transfer.ConnectionEvent{
			TransferID: opts.TransferID, Type: "bind", Address: opts.LocalAddress,
			Protocol: transfer.ProtocolBestEffort, Err: err,
		})
		return nil, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.SetWriteDeadline(time.Unix(1, 0)) })
	defer stop()
	opts.Reporter.ReportConnection(transfer.ConnectionEvent{
		TransferID: opts.TransferID, Type: "bind", Address: conn.LocalAddr().String(),
		Protocol: transfer.ProtocolBestEffort, Success: true,
	})

	fail := func(err error, op string) (*transfer.Result, error) {
		if cerr := transfer.CheckCancelled(ctx, opts.Cancel); cerr != nil {
			return nil, cerr
		}
		return nil, transfer.FromNet(err, op, opts.Address, 0)
	}

	size := uint64(ch.FileSize())
	if _, err := conn.WriteToUDP(FormatHandshake(opts.Filename, size), raddr); err != nil {
		return fail(err, "handshake")
	}
	if err := sleep(ctx, timings.SettleDelay); err != nil {
		return fail(err, "handshake")
	}

	start := time.Now()
	lastReport := start
	var sent uint64
	total := ch.TotalChunks()
	for i := int64(0); i < total; i++ {
		data, err := ch.ReadChunk(i)
		if err != nil {
			return nil, err
		}
		n, err := conn.WriteToUDP(data, raddr)
		if err != nil {
			return fail(err, "send_chunk")
		}
		sent += uint64(n)

		if now := time.Now(); now.Sub(lastReport) >= timings.ProgressInterval {
			lastReport = now
			opts.Reporter.ReportProgress(transfer.NewProgressUpdate(opts.TransferID, sent, size, now.Sub(start)))
		}
		if err := transfer.CheckCancelled(ctx, opts.Cancel); err != nil {
			return nil, err
		}
		if i < total-1 {
			if err := sleep(ctx, timings.InterChunkDelay); err != nil {
				return fail(err, "send_chunk")
			}
		}
	}
	opts.Reporter.ReportProgress(transfer.NewProgressUpdate(opts.TransferID, sent, size, time.Since(start)))

	for i := 0; i < timings.EndMarkerRepeats; i++ {
		if i > 0 {
			if err := sleep(ctx, timings.EndMarkerSpacing); err != nil {
				return fail(err, "end_marker")
			}
		}
		if _, err := conn.WriteToUDP([]byte(endMarker), raddr); err != nil {
			return fail(err, "end_marker")
		}
	}

	log.WithFields(logrus.Fields{"bytes": sent, "chunks": total}).Info("datagrams sent")
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
