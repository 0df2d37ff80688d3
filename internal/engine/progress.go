package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/ByteRelay/internal/events"
	"github.com/jaywantadh/ByteRelay/internal/transfer"
	"github.com/jaywantadh/ByteRelay/pkg/logging"
)

// Metrics are the per-transfer statistics kept by the tracker.
type Metrics struct {
	TransferID       string
	BytesTransferred uint64
	AverageSpeed     float64 // bytes per second since the session started
	PeakSpeed        float64
	ErrorCount       uint64
	RetryCount       uint64
	Updates          uint64
	LastUpdate       time.Time
}

// SuccessRate is 1 - errors/(1+retries).
func (m Metrics) SuccessRate() float64 {
	return 1 - float64(m.ErrorCount)/float64(1+m.RetryCount)
}

// MetricsCollector keys Metrics by transfer id.
type MetricsCollector struct {
	mu      sync.Mutex
	metrics map[string]*Metrics
}

// NewMetricsCollector returns an empty collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{metrics: make(map[string]*Metrics)}
}

func (c *MetricsCollector) entry(id string) *Metrics {
	m, ok := c.metrics[id]
	if !ok {
		m = &Metrics{TransferID: id}
		c.metrics[id] = m
	}
	return m
}

// Record folds one progress update into the metrics of its transfer.
func (c *MetricsCollector) Record(u transfer.ProgressUpdate, started time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.entry(u.TransferID)
	now := time.Now()
	m.BytesTransferred = u.BytesTransferred
	if !started.IsZero() {
		if secs := now.Sub(started).Seconds(); secs > 0 {
			m.AverageSpeed = float64(u.BytesTransferred) / secs
		}
	}
	if u.Speed > m.PeakSpeed {
		m.PeakSpeed = u.Speed
	}
	m.Updates++
	m.LastUpdate = now
}

// RecordRetry counts one retried attempt of transfer id.
func (c *MetricsCollector) RecordRetry(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entry(id).RetryCount++
}

// RecordError counts one terminal failure of transfer id.
func (c *MetricsCollector) RecordError(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entry(id).ErrorCount++
}

// Get returns a copy of the metrics of transfer id.
func (c *MetricsCollector) Get(id string) (Metrics, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.metrics[id]
	if !ok {
		return Metrics{}, false
	}
	return *m, true
}

// Remove forgets the metrics of the given transfers.
func (c *MetricsCollector) Remove(ids ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		delete(c.metrics, id)
	}
}

// trackerItem is either a progress update or a barrier callback.
type trackerItem struct {
	update transfer.ProgressUpdate
	then   func()
}

// ProgressTracker applies engine progress to sessions on its own goroutine so a
// slow event consumer never stalls a transfer.
type ProgressTracker struct {
	queue    chan trackerItem
	sessions *SessionManager
	emitter  events.Emitter
	metrics  *MetricsCollector
	log      *logrus.Entry

	dropped atomic.Uint64

	// stopping closes when Run begins to exit; stopped is set under mu once no
	// further item can be queued.
	stopping chan struct{}
	mu       sync.RWMutex
	stopped  bool
}

// NewProgressTracker returns a tracker with a queue of queueSize items. Call Run
// to start consuming.
func NewProgressTracker(sessions *SessionManager, sink events.Sink, metrics *MetricsCollector, queueSize int) *ProgressTracker {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &ProgressTracker{
		queue:    make(chan trackerItem, queueSize),
		sessions: sessions,
		emitter:  events.Emitter{Sink: sink},
		metrics:  metrics,
		log:      logging.Component("progress"),
		stopping: make(chan struct{}),
	}
}

// Run consumes the queue until ctx ends. Callbacks still queued at that point run
// before Run returns; pending updates are discarded.
func (t *ProgressTracker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			t.stop()
			return
		case item := <-t.queue:
			if item.then != nil {
				item.then()
				continue
			}
			t.apply(item.update)
		}
	}
}

func (t *ProgressTracker) apply(u transfer.ProgressUpdate) {
	s, err := t.sessions.UpdateProgress(u)
	if err != nil {
		t.log.WithError(err).WithField("transfer_id", u.TransferID).Debug("progress ignored")
		return
	}
	t.emitter.Progress(s.Progress, u.BytesTransferred, u.TotalBytes)
	t.metrics.Record(u, s.StartTime)
}

func (t *ProgressTracker) stop() {
	close(t.stopping)
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
	t.drain()
}

func (t *ProgressTracker) drain() {
	for {
		select {
		case item := <-t.queue:
			if item.then != nil {
				item.then()
			}
		default:
			return
		}
	}
}

// Submit queues u without blocking. A full queue drops the update.
func (t *ProgressTracker) Submit(u transfer.ProgressUpdate) bool {
	select {
	case t.queue <- trackerItem{update: u}:
		return true
	default:
		t.dropped.Add(1)
		t.log.WithField("transfer_id", u.TransferID).Debug("progress queue full, update dropped")
		return false
	}
}

// After runs fn on the tracker goroutine once every update queued before it has
// been applied. It blocks while the queue is full; once the tracker has stopped fn
// runs on the caller.
func (t *ProgressTracker) After(fn func()) {
	t.mu.RLock()
	if t.stopped {
		t.mu.RUnlock()
		fn()
		return
	}
	select {
	case t.queue <- trackerItem{then: fn}:
		t.mu.RUnlock()
	case <-t.stopping:
		t.mu.RUnlock()
		fn()
	}
}

// Dropped counts updates lost to a full queue.
func (t *ProgressTracker) Dropped() uint64 {
	return t.dropped.Load()
}

// Reporter returns the transfer.Reporter handed to protocol engines.
func (t *ProgressTracker) Reporter() transfer.Reporter {
	return trackerReporter{t}
}

type trackerReporter struct {
	t *ProgressTracker
}

func (r trackerReporter) ReportProgress(u transfer.ProgressUpdate) {
	r.t.Submit(u)
}

func (r trackerReporter) ReportConnection(c transfer.ConnectionEvent) {
	r.t.emitter.Connection(c)
}
