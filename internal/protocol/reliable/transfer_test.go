package reliable

import (
	"bufio"
	"context"
	"crypto/rand"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/jaywantadh/ByteRelay/internal/checksum"
	"github.com/jaywantadh/ByteRelay/internal/transfer"
)

type recordingReporter struct {
	mu          sync.Mutex
	updates     []transfer.ProgressUpdate
	connections []transfer.ConnectionEvent
}

func (r *recordingReporter) ReportProgress(u transfer.ProgressUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recordingReporter) ReportConnection(e transfer.ConnectionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connections = append(r.connections, e)
}

func (r *recordingReporter) progress() []transfer.ProgressUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transfer.ProgressUpdate(nil), r.updates...)
}

func writeTempFile(t *testing.T, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "payload.bin")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path, data
}

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return ln
}

func roundTrip(t *testing.T, size, chunkSize int) (*transfer.Result, *transfer.Result, []byte, string, *recordingReporter) {
	t.Helper()
	src, data := writeTempFile(t, size)
	outDir := t.TempDir()
	ln := listen(t)
	sendRep := &recordingReporter{}

	var sent, received *transfer.Result
	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		var err error
		received, err = Receive(ctx, ln, ReceiverOptions{TransferID: "rx", OutputDir: outDir, Timeout: 5 * time.Second})
		return err
	})
	g.Go(func() error {
		var err error
		sent, err = Send(ctx, SenderOptions{
			TransferID: "tx",
			Address:    ln.Addr().String(),
			FilePath:   src,
			ChunkSize:  chunkSize,
			Timeout:    5 * time.Second,
			Reporter:   sendRep,
		})
		return err
	})
	require.NoError(t, g.Wait())
	return sent, received, data, outDir, sendRep
}

func TestRoundTrip(t *testing.T) {
	sent, received, data, outDir, rep := roundTrip(t, 20000, 8192)

	assert.True(t, sent.Success)
	assert.Equal(t, uint64(20000), sent.BytesTransferred)
	assert.True(t, received.Success)
	assert.True(t, received.Verified)
	assert.Equal(t, sent.Checksum, received.Checksum)
	assert.Equal(t, "payload.bin", received.FileName)

	got, err := os.ReadFile(filepath.Join(outDir, "payload.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, got)

	updates := rep.progress()
	require.Len(t, updates, 3)
	assert.Equal(t, uint64(8192), updates[0].BytesTransferred)
	assert.Equal(t, uint64(16384), updates[1].BytesTransferred)
	assert.Equal(t, uint64(20000), updates[2].BytesTransferred)
	assert.Equal(t, uint64(20000), updates[2].TotalBytes)
}

func TestRoundTripEmptyFile(t *testing.T) {
	sent, received, _, outDir, rep := roundTrip(t, 0, 8192)

	assert.Zero(t, sent.BytesTransferred)
	assert.True(t, received.Verified)
	assert.Equal(t, checksum.Default().Bytes(nil), received.Checksum)
	assert.Empty(t, rep.progress())

	info, err := os.Stat(filepath.Join(outDir, "payload.bin"))
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

// fakePeer accepts one connection on ln and hands a framed reader/writer to fn.
func fakePeer(t *testing.T, ln net.Listener, fn func(r *bufio.Reader, c net.Conn)) chan struct{} {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		c.SetDeadline(time.Now().Add(5 * time.Second))
		fn(bufio.NewReader(c), c)
	}()
	return done
}

func readMsg(r *bufio.Reader) Message {
	b, err := ReadFrame(r)
	if err != nil {
		return nil
	}
	m, _ := Decode(b)
	return m
}

func writeMsg(c net.Conn, m Message) {
	b, _ := Encode(m)
	WriteFrame(c, b)
}

func TestSendRejectedHandshake(t *testing.T) {
	src, _ := writeTempFile(t, 100)
	ln := listen(t)
	done := fakePeer(t, ln, func(r *bufio.Reader, c net.Conn) {
		readMsg(r)
		writeMsg(c, HandshakeAck{Accepted: false, Reason: "not today"})
	})

	_, err := Send(context.Background(), SenderOptions{Address: ln.Addr().String(), FilePath: src, Timeout: 2 * time.Second})
	<-done
	require.Error(t, err)
	assert.Equal(t, transfer.KindProtocol, transfer.KindOf(err))
	assert.False(t, transfer.IsRecoverable(err))
	assert.Contains(t, err.Error(), "not today")
}

func TestSendSequenceMismatch(t *testing.T) {
	src, _ := writeTempFile(t, 100)
	ln := listen(t)
	done := fakePeer(t, ln, func(r *bufio.Reader, c net.Conn) {
		readMsg(r)
		writeMsg(c, HandshakeAck{Accepted: true})
		readMsg(r)
		writeMsg(c, DataAck{Sequence: 5, Status: AckOk})
	})

	_, err := Send(context.Background(), SenderOptions{Address: ln.Addr().String(), FilePath: src, Timeout: 2 * time.Second})
	<-done
	require.Error(t, err)
	assert.Equal(t, transfer.KindProtocol, transfer.KindOf(err))
	assert.False(t, transfer.IsRecoverable(err))
}

func TestSendResendsOnRetry(t *testing.T) {
	src, data := writeTempFile(t, 100)
	ln := listen(t)
	var chunks [][]byte
	done := fakePeer(t, ln, func(r *bufio.Reader, c net.Conn) {
		readMsg(r)
		writeMsg(c, HandshakeAck{Accepted: true})
		for i := 0; i < 2; i++ {
			m, ok := readMsg(r).(DataChunk)
			if !ok {
				return
			}
			chunks = append(chunks, m.Data)
			status := AckRetry
			if i == 1 {
				status = AckOk
			}
			writeMsg(c, DataAck{Sequence: m.Sequence, Status: status})
		}
		readMsg(r)
	})

	res, err := Send(context.Background(), SenderOptions{Address: ln.Addr().String(), FilePath: src, Timeout: 2 * time.Second})
	<-done
	require.NoError(t, err)
	assert.Equal(t, uint64(100), res.BytesTransferred)
	require.Len(t, chunks, 2)
	assert.Equal(t, data, chunks[0])
	assert.Equal(t, data, chunks[1])
}

func TestSendGivesUpAfterMaxResends(t *testing.T) {
	src, _ := writeTempFile(t, 10)
	ln := listen(t)
	done := fakePeer(t, ln, func(r *bufio.Reader, c net.Conn) {
		readMsg(r)
		writeMsg(c, HandshakeAck{Accepted: true})
		for {
			m, ok := readMsg(r).(DataChunk)
			if !ok {
				return
			}
			writeMsg(c, DataAck{Sequence: m.Sequence, Status: AckRetry})
		}
	})

	_, err := Send(context.Background(), SenderOptions{Address: ln.Addr().String(), FilePath: src, Timeout: 2 * time.Second, MaxChunkResends: 2})
	require.Error(t, err)
	assert.Equal(t, transfer.KindProtocol, transfer.KindOf(err))
	assert.True(t, transfer.IsRecoverable(err))
	ln.Close()
	<-done
}

func TestSendAbortsOnErrorAck(t *testing.T) {
	src, _ := writeTempFile(t, 100)
	ln := listen(t)
	done := fakePeer(t, ln, func(r *bufio.Reader, c net.Conn) {
		readMsg(r)
		writeMsg(c, HandshakeAck{Accepted: true})
		m, ok := readMsg(r).(DataChunk)
		if !ok {
			return
		}
		writeMsg(c, DataAck{Sequence: m.Sequence, Status: AckError})
		readMsg(r)
	})

	_, err := Send(context.Background(), SenderOptions{Address: ln.Addr().String(), FilePath: src, Timeout: 2 * time.Second})
	<-done
	require.Error(t, err)
	assert.Equal(t, transfer.KindProtocol, transfer.KindOf(err))
	assert.True(t, transfer.IsRecoverable(err))
}

func TestSendStopsAfterCancelMidTransfer(t *testing.T) {
	const cancelAt = 2
	src, _ := writeTempFile(t, 100)
	ln := listen(t)
	tok := transfer.NewCancelToken(context.Background())

	var seen, late []uint64
	done := fakePeer(t, ln, func(r *bufio.Reader, c net.Conn) {
		readMsg(r)
		writeMsg(c, HandshakeAck{Accepted: true})
		for {
			m, ok := readMsg(r).(DataChunk)
			if !ok {
				return
			}
			seen = append(seen, m.Sequence)
			if m.Sequence > cancelAt {
				late = append(late, m.Sequence)
			}
			if m.Sequence == cancelAt {
				tok.Cancel("user")
			}
			writeMsg(c, DataAck{Sequence: m.Sequence, Status: AckOk})
		}
	})

	_, err := Send(context.Background(), SenderOptions{
		Address:   ln.Addr().String(),
		FilePath:  src,
		ChunkSize: 10,
		Timeout:   2 * time.Second,
		Cancel:    tok,
	})
	<-done
	require.Error(t, err)
	assert.Equal(t, transfer.KindCancelled, transfer.KindOf(err))
	assert.Equal(t, []uint64{0, 1, 2}, seen)
	assert.Empty(t, late)
}

func TestSendConnectionRefused(t *testing.T) {
	src, _ := writeTempFile(t, 10)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = Send(context.Background(), SenderOptions{Address: addr, FilePath: src, Timeout: time.Second})
	require.Error(t, err)
	assert.Equal(t, transfer.KindConnectionRefused, transfer.KindOf(err))
	assert.True(t, transfer.IsRecoverable(err))
}

func TestSendMissingFile(t *testing.T) {
	_, err := Send(context.Background(), SenderOptions{Address: "127.0.0.1:1", FilePath: filepath.Join(t.TempDir(), "nope")})
	require.Error(t, err)
	assert.Equal(t, transfer.KindFileNotFound, transfer.KindOf(err))
	assert.False(t, transfer.IsRecoverable(err))
}

func TestSendCancelledBeforeStart(t *testing.T) {
	src, _ := writeTempFile(t, 10)
	tok := transfer.NewCancelToken(context.Background())
	tok.Cancel("user")

	_, err := Send(context.Background(), SenderOptions{Address: "127.0.0.1:1", FilePath: src, Cancel: tok})
	require.Error(t, err)
	assert.Equal(t, transfer.KindCancelled, transfer.KindOf(err))
}

func TestReceiveAcceptTimeout(t *testing.T) {
	ln := listen(t)
	_, err := Receive(context.Background(), ln, ReceiverOptions{OutputDir: t.TempDir(), Timeout: 100 * time.Millisecond})
	require.Error(t, err)
	assert.Equal(t, transfer.KindTimeout, transfer.KindOf(err))
	assert.True(t, transfer.IsRecoverable(err))
}

func TestReceiveCancelledWhileWaiting(t *testing.T) {
	ln := listen(t)
	tok := transfer.NewCancelToken(context.Background())
	time.AfterFunc(50*time.Millisecond, func() { tok.Cancel("stop") })

	start := time.Now()
	_, err := Receive(context.Background(), ln, ReceiverOptions{OutputDir: t.TempDir(), Timeout: 10 * time.Second, Cancel: tok})
	require.Error(t, err)
	assert.Equal(t, transfer.KindCancelled, transfer.KindOf(err))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func dialFake(t *testing.T, addr string) (*bufio.Reader, net.Conn) {
	t.Helper()
	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	c.SetDeadline(time.Now().Add(5 * time.Second))
	return bufio.NewReader(c), c
}

func TestReceiveOutOfOrderChunk(t *testing.T) {
	ln := listen(t)
	outDir := t.TempDir()
	errc := make(chan error, 1)
	go func() {
		_, err := Receive(context.Background(), ln, ReceiverOptions{OutputDir: outDir, Timeout: 2 * time.Second})
		errc <- err
	}()

	r, c := dialFake(t, ln.Addr().String())
	writeMsg(c, Handshake{Filename: "x.bin", Size: 10})
	ack, ok := readMsg(r).(HandshakeAck)
	require.True(t, ok)
	require.True(t, ack.Accepted)

	writeMsg(c, DataChunk{Sequence: 1, Data: []byte("hello")})
	dataAck, ok := readMsg(r).(DataAck)
	require.True(t, ok)
	assert.Equal(t, AckError, dataAck.Status)

	err := <-errc
	require.Error(t, err)
	assert.Equal(t, transfer.KindProtocol, transfer.KindOf(err))
	assert.False(t, transfer.IsRecoverable(err))
	_, statErr := os.Stat(filepath.Join(outDir, "x.bin"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestReceiveDuplicateChunkIsAcked(t *testing.T) {
	ln := listen(t)
	outDir := t.TempDir()
	content := []byte("hello")
	resc := make(chan *transfer.Result, 1)
	go func() {
		res, _ := Receive(context.Background(), ln, ReceiverOptions{OutputDir: outDir, Timeout: 2 * time.Second})
		resc <- res
	}()

	r, c := dialFake(t, ln.Addr().String())
	sum := checksum.Default().Bytes(content)
	writeMsg(c, Handshake{Filename: "dup.txt", Size: uint64(len(content)), Checksum: sum})
	readMsg(r)
	for i := 0; i < 2; i++ {
		writeMsg(c, DataChunk{Sequence: 0, Data: content})
		ack, ok := readMsg(r).(DataAck)
		require.True(t, ok)
		assert.Equal(t, AckOk, ack.Status)
	}
	writeMsg(c, TransferComplete{Checksum: sum})

	res := <-resc
	require.NotNil(t, res)
	assert.True(t, res.Verified)
	got, err := os.ReadFile(filepath.Join(outDir, "dup.txt"))
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestReceiveChecksumMismatch(t *testing.T) {
	ln := listen(t)
	resc := make(chan *transfer.Result, 1)
	go func() {
		res, _ := Receive(context.Background(), ln, ReceiverOptions{OutputDir: t.TempDir(), Timeout: 2 * time.Second})
		resc <- res
	}()

	r, c := dialFake(t, ln.Addr().String())
	writeMsg(c, Handshake{Filename: "bad.txt", Size: 3, Checksum: "deadbeef"})
	readMsg(r)
	writeMsg(c, DataChunk{Sequence: 0, Data: []byte("abc")})
	readMsg(r)
	writeMsg(c, TransferComplete{Checksum: "deadbeef"})

	res := <-resc
	require.NotNil(t, res)
	assert.False(t, res.Verified)
	assert.False(t, res.Success)
	assert.Equal(t, "deadbeef", res.ExpectedChecksum)
	assert.Contains(t, res.Error, "checksum mismatch")
}

func TestReceiveRejectsViaPolicy(t *testing.T) {
	ln := listen(t)
	errc := make(chan error, 1)
	go func() {
		_, err := Receive(context.Background(), ln, ReceiverOptions{
			OutputDir: t.TempDir(),
			Timeout:   2 * time.Second,
			Accept:    func(Handshake) (bool, string) { return false, "too big" },
		})
		errc <- err
	}()

	r, c := dialFake(t, ln.Addr().String())
	writeMsg(c, Handshake{Filename: "big.iso", Size: 1 << 40})
	ack, ok := readMsg(r).(HandshakeAck)
	require.True(t, ok)
	assert.False(t, ack.Accepted)
	assert.Equal(t, "too big", ack.Reason)
	assert.Error(t, <-errc)
}

func TestReceiveShortTransfer(t *testing.T) {
	ln := listen(t)
	outDir := t.TempDir()
	errc := make(chan error, 1)
	go func() {
		_, err := Receive(context.Background(), ln, ReceiverOptions{OutputDir: outDir, Timeout: 2 * time.Second})
		errc <- err
	}()

	r, c := dialFake(t, ln.Addr().String())
	writeMsg(c, Handshake{Filename: "short.txt", Size: 10})
	readMsg(r)
	writeMsg(c, DataChunk{Sequence: 0, Data: []byte("abc")})
	readMsg(r)
	writeMsg(c, TransferComplete{})

	err := <-errc
	require.Error(t, err)
	assert.Equal(t, transfer.KindProtocol, transfer.KindOf(err))
	_, statErr := os.Stat(filepath.Join(outDir, "short.txt"))
	assert.True(t, os.IsNotExist(statErr))
}
