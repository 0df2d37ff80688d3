package events

import (
	"sync"
	"sync/atomic"
)

// DefaultRecent is how many events the internal subscriber of a Broadcaster keeps.
const DefaultRecent = 256

// Broadcaster fans events out to any number of subscribers. Delivery never blocks
// the emitter: a subscriber whose buffer is full misses the event.
//
// A Broadcaster always holds one internal subscriber which keeps the most recent
// events, so the stream stays open and inspectable with no external subscriber.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[uint64]chan Event
	nextID uint64
	buffer int
	closed bool

	dropped atomic.Uint64

	recentMu sync.Mutex
	recent   []Event
	limit    int
	drained  chan struct{}
}

// NewBroadcaster creates a broadcaster whose subscriber channels hold buffer
// events each.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = 64
	}
	b := &Broadcaster{
		subs:    make(map[uint64]chan Event),
		buffer:  buffer,
		limit:   DefaultRecent,
		drained: make(chan struct{}),
	}
	ch, _ := b.Subscribe()
	go b.keepAlive(ch)
	return b
}

func (b *Broadcaster) keepAlive(ch <-chan Event) {
	defer close(b.drained)
	for ev := range ch {
		b.recentMu.Lock()
		b.recent = append(b.recent, ev)
		if len(b.recent) > b.limit {
			b.recent = append(b.recent[:0], b.recent[len(b.recent)-b.limit:]...)
		}
		b.recentMu.Unlock()
	}
}

// Subscribe returns a new event channel and the function that ends the
// subscription. After Close the channel is returned already closed.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, b.buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

func (b *Broadcaster) Emit(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribers counts external subscribers.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs) - 1
}

// Dropped counts deliveries skipped because a subscriber was full.
func (b *Broadcaster) Dropped() uint64 {
	return b.dropped.Load()
}

// Recent returns the events seen by the internal subscriber, oldest first.
func (b *Broadcaster) Recent() []Event {
	b.recentMu.Lock()
	defer b.recentMu.Unlock()
	return append([]Event(nil), b.recent...)
}

// Close ends every subscription, including the internal one.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	b.mu.Unlock()
	<-b.drained
}
