package events

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaywantadh/ByteRelay/internal/transfer"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Emit(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func TestNewErrorFromTransferError(t *testing.T) {
	ev := NewError("t1", transfer.NewTimeout("connect", 30))
	assert.Equal(t, KindError, ev.Kind())
	assert.Equal(t, "t1", ev.TransferID())
	assert.Equal(t, "TIMEOUT", ev.Code)
	assert.True(t, ev.Recoverable)
	assert.NotEmpty(t, ev.Suggestion)
	assert.Equal(t, "connect", ev.Context["operation"])

	plain := NewError("t2", errors.New("boom"))
	assert.Equal(t, "UNKNOWN", plain.Code)
	assert.False(t, plain.Recoverable)
	assert.Equal(t, "boom", plain.Message)
}

func TestEmitterBuildsEvents(t *testing.T) {
	rec := &recorder{}
	em := Emitter{Sink: rec}

	em.Started("t1", "a.bin", 100, "10.0.0.2:9999", transfer.ProtocolReliable, transfer.ModeTransmitter)
	em.Progress(transfer.Progress{TransferID: "t1", Fraction: 0.5, Speed: 10}, 50, 100)
	em.Completed(&transfer.Result{TransferID: "t1", BytesTransferred: 100, Duration: 2 * time.Second, Checksum: "c"}, transfer.ProtocolReliable)
	em.Cancelled("t2", "user", 7)
	em.Connection(transfer.ConnectionEvent{TransferID: "t3", Type: "connect", Err: errors.New("refused")})
	em.Error("t4", transfer.NewCancelled("x"))

	require.Len(t, rec.events, 6)
	kinds := make([]Kind, 0, 6)
	for _, ev := range rec.events {
		kinds = append(kinds, ev.Kind())
	}
	assert.Equal(t, []Kind{KindStarted, KindProgress, KindCompleted, KindCancelled, KindConnection, KindError}, kinds)

	done := rec.events[2].(Completed)
	assert.InDelta(t, 50.0, done.Throughput, 0.001)
	conn := rec.events[4].(Connection)
	assert.False(t, conn.Success)
	assert.Equal(t, "refused", conn.Error)

	Emitter{}.Cancelled("t5", "no sink", 0)
}

func TestMultiForwardsToAll(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	m := Multi{a, nil, b, Noop{}}
	m.Emit(Cancelled{ID: "x"})
	assert.Len(t, a.events, 1)
	assert.Len(t, b.events, 1)
}

func TestBroadcasterFanOut(t *testing.T) {
	b := NewBroadcaster(8)
	defer b.Close()

	ch1, unsub1 := b.Subscribe()
	ch2, unsub2 := b.Subscribe()
	defer unsub2()
	assert.Equal(t, 2, b.Subscribers())

	b.Emit(Progress{ID: "t1", Bytes: 10})
	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			assert.Equal(t, "t1", ev.TransferID())
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}

	unsub1()
	unsub1()
	_, open := <-ch1
	assert.False(t, open)
	assert.Equal(t, 1, b.Subscribers())
}

func TestBroadcasterNeverBlocks(t *testing.T) {
	b := NewBroadcaster(1)
	defer b.Close()
	_, unsub := b.Subscribe()
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Emit(Progress{ID: "t1", Bytes: uint64(i)})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("emit blocked on a full subscriber")
	}
	assert.NotZero(t, b.Dropped())
}

func TestBroadcasterKeepsRecentWithoutSubscribers(t *testing.T) {
	b := NewBroadcaster(16)
	assert.Zero(t, b.Subscribers())
	b.Emit(Started{ID: "t1"})
	b.Emit(Completed{ID: "t1"})
	b.Close()

	recent := b.Recent()
	require.Len(t, recent, 2)
	assert.Equal(t, KindStarted, recent[0].Kind())
	assert.Equal(t, KindCompleted, recent[1].Kind())

	ch, unsub := b.Subscribe()
	unsub()
	_, open := <-ch
	assert.False(t, open)
}

func TestConsoleRendersLifecycle(t *testing.T) {
	var logs, bars bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&logs)
	logger.SetLevel(logrus.DebugLevel)
	c := NewConsole(&bars, logrus.NewEntry(logger))

	c.Emit(Started{ID: "t1", Filename: "a.bin", Size: 2048, Protocol: transfer.ProtocolReliable, Mode: transfer.ModeTransmitter})
	c.Emit(Progress{ID: "t1", Bytes: 1024, Total: 2048})
	c.Emit(Completed{ID: "t1", Bytes: 2048, Duration: time.Second, Throughput: 2048})
	c.Emit(Progress{ID: "t2", Bytes: 10})
	c.Emit(NewError("t2", transfer.NewConnectionRefused("10.0.0.9:9999", nil)))
	c.Emit(Connection{ID: "t3", EventType: "connect", Success: false, Error: "refused"})

	out := logs.String()
	assert.Contains(t, out, "transfer started")
	assert.Contains(t, out, "transfer completed")
	assert.Contains(t, out, "2.0 KiB")
	assert.Contains(t, out, "CONNECTION_REFUSED")
	assert.Contains(t, out, "connection failed")
	assert.Empty(t, c.bars)
}
