package history

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/ByteRelay/internal/events"
	"github.com/jaywantadh/ByteRelay/internal/transfer"
	"github.com/jaywantadh/ByteRelay/pkg/logging"
)

// Recorder is an events.Sink that writes a Record for every transfer reaching a
// terminal event. Started events supply the file, mode and target; a receiver
// learns the file name only from its Completed event.
type Recorder struct {
	store *Store
	log   *logrus.Entry

	mu      sync.Mutex
	pending map[string]events.Started
	bytes   map[string]uint64
}

func NewRecorder(store *Store) *Recorder {
	return &Recorder{
		store:   store,
		log:     logging.Component("history"),
		pending: make(map[string]events.Started),
		bytes:   make(map[string]uint64),
	}
}

func (r *Recorder) Emit(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var rec Record
	switch e := ev.(type) {
	case events.Started:
		r.pending[e.ID] = e
		return
	case events.Progress:
		r.bytes[e.ID] = e.Bytes
		return
	case events.Completed:
		rec = r.base(e.ID)
		rec.Status = transfer.StatusCompleted
		rec.Bytes = e.Bytes
		rec.Duration = e.Duration
		rec.Checksum = e.Checksum
		if e.Filename != "" {
			rec.File = e.Filename
		}
		if e.Protocol != "" {
			rec.Protocol = e.Protocol
		}
	case events.Error:
		rec = r.base(e.ID)
		rec.Status = transfer.StatusError
		rec.Bytes = r.bytes[e.ID]
		rec.Error = e.Message
	case events.Cancelled:
		rec = r.base(e.ID)
		rec.Status = transfer.StatusCancelled
		rec.Bytes = e.Bytes
		rec.Error = e.Reason
	default:
		return
	}
	delete(r.pending, rec.ID)
	delete(r.bytes, rec.ID)

	if err := r.store.Put(rec); err != nil {
		r.log.WithError(err).WithField("transfer_id", rec.ID).Error("failed to record transfer")
	}
}

func (r *Recorder) base(id string) Record {
	rec := Record{ID: id, FinishedAt: time.Now()}
	if s, ok := r.pending[id]; ok {
		rec.Protocol = s.Protocol
		rec.Mode = s.Mode
		rec.File = s.Filename
		rec.Target = s.Target
	}
	return rec
}
