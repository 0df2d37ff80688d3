package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaywantadh/ByteRelay/internal/events"
	"github.com/jaywantadh/ByteRelay/internal/transfer"
)

type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) Emit(ev events.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) snapshot() []events.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]events.Event(nil), l.events...)
}

func TestMetricsSuccessRate(t *testing.T) {
	assert.Equal(t, 1.0, Metrics{}.SuccessRate())
	assert.Equal(t, 0.5, Metrics{ErrorCount: 1, RetryCount: 1}.SuccessRate())
	assert.Equal(t, 0.0, Metrics{ErrorCount: 1}.SuccessRate())
}

func TestMetricsCollector(t *testing.T) {
	c := NewMetricsCollector()
	started := time.Now().Add(-2 * time.Second)
	c.Record(transfer.ProgressUpdate{TransferID: "a", BytesTransferred: 1000, Speed: 900}, started)
	c.Record(transfer.ProgressUpdate{TransferID: "a", BytesTransferred: 2000, Speed: 400}, started)
	c.RecordRetry("a")
	c.RecordError("a")

	m, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, uint64(2000), m.BytesTransferred)
	assert.Equal(t, 900.0, m.PeakSpeed)
	assert.InDelta(t, 1000.0, m.AverageSpeed, 100)
	assert.Equal(t, uint64(2), m.Updates)
	assert.Equal(t, 0.5, m.SuccessRate())

	c.Remove("a")
	_, ok = c.Get("a")
	assert.False(t, ok)
}

func TestTrackerAppliesUpdatesInOrder(t *testing.T) {
	sessions := NewSessionManager()
	id, err := sessions.Create(context.Background(), receiverConfig(t, transfer.ProtocolReliable))
	require.NoError(t, err)
	_, err = sessions.MarkConnecting(id, "", "", "")
	require.NoError(t, err)

	log := &eventLog{}
	tracker := NewProgressTracker(sessions, log, NewMetricsCollector(), 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tracker.Run(ctx)

	rep := tracker.Reporter()
	rep.ReportProgress(transfer.ProgressUpdate{TransferID: id, BytesTransferred: 10, TotalBytes: 40})
	rep.ReportProgress(transfer.ProgressUpdate{TransferID: id, BytesTransferred: 40, TotalBytes: 40})
	rep.ReportConnection(transfer.ConnectionEvent{TransferID: id, Type: "accept", Success: true})

	applied := make(chan struct{})
	tracker.After(func() { close(applied) })
	<-applied

	s, err := sessions.Get(id)
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusTransferring, s.Status)
	assert.Equal(t, uint64(40), s.BytesTransferred)
	assert.Equal(t, 1.0, s.Progress.Fraction)

	var progress []events.Progress
	for _, ev := range log.snapshot() {
		if p, ok := ev.(events.Progress); ok {
			progress = append(progress, p)
		}
	}
	require.Len(t, progress, 2)
	assert.Equal(t, uint64(10), progress[0].Bytes)
	assert.Equal(t, 0.25, progress[0].Fraction)
	assert.Equal(t, uint64(40), progress[1].Bytes)
}

func TestTrackerSubmitNeverBlocks(t *testing.T) {
	tracker := NewProgressTracker(NewSessionManager(), events.Noop{}, NewMetricsCollector(), 2)

	accepted := 0
	for i := 0; i < 10; i++ {
		if tracker.Submit(transfer.ProgressUpdate{TransferID: "x", BytesTransferred: uint64(i)}) {
			accepted++
		}
	}
	assert.Equal(t, 2, accepted)
	assert.Equal(t, uint64(8), tracker.Dropped())
}

func TestTrackerRunsCallbacksAfterStop(t *testing.T) {
	tracker := NewProgressTracker(NewSessionManager(), events.Noop{}, NewMetricsCollector(), 4)
	ctx, cancel := context.WithCancel(context.Background())
	ran := make(chan string, 2)

	tracker.After(func() { ran <- "queued" })
	cancel()
	tracker.Run(ctx)
	tracker.After(func() { ran <- "inline" })

	assert.Equal(t, "queued", <-ran)
	assert.Equal(t, "inline", <-ran)
}

func TestTrackerAfterStopAlwaysRunsCallback(t *testing.T) {
	var ran atomic.Int32
	for i := 0; i < 200; i++ {
		tracker := NewProgressTracker(NewSessionManager(), events.Noop{}, NewMetricsCollector(), 4)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		tracker.Run(ctx)
		tracker.After(func() { ran.Add(1) })
	}
	assert.Equal(t, int32(200), ran.Load())
}

func TestTrackerCallbacksSurviveConcurrentStop(t *testing.T) {
	tracker := NewProgressTracker(NewSessionManager(), events.Noop{}, NewMetricsCollector(), 1)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		tracker.Run(ctx)
	}()

	var ran atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tracker.After(func() { ran.Add(1) })
		}()
	}
	cancel()
	wg.Wait()
	<-stopped
	assert.Equal(t, int32(50), ran.Load())
}
