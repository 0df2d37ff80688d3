package history

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaywantadh/ByteRelay/internal/events"
	"github.com/jaywantadh/ByteRelay/internal/transfer"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStoreCRUD(t *testing.T) {
	store := openStore(t)

	rec := Record{ID: "a", Protocol: transfer.ProtocolReliable, File: "a.bin", Bytes: 42, Status: transfer.StatusCompleted}
	require.NoError(t, store.Put(rec))

	got, err := store.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "a.bin", got.File)
	assert.Equal(t, uint64(42), got.Bytes)
	assert.False(t, got.FinishedAt.IsZero())

	require.NoError(t, store.Delete("a"))
	_, err = store.Get("a")
	assert.ErrorIs(t, err, transfer.ErrNotFound)

	assert.Error(t, store.Put(Record{}))
}

func TestListNewestFirstAndPrune(t *testing.T) {
	store, err := OpenInMemory()
	require.NoError(t, err)
	defer store.Close()

	now := time.Now()
	for i, id := range []string{"old", "mid", "new"} {
		require.NoError(t, store.Put(Record{ID: id, FinishedAt: now.Add(time.Duration(i-2) * time.Hour)}))
	}

	recs, err := store.List(0)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "new", recs[0].ID)
	assert.Equal(t, "old", recs[2].ID)

	recs, err = store.List(1)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	removed, err := store.Prune(now.Add(-90 * time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	recs, err = store.List(0)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestRecorderWritesTerminalEvents(t *testing.T) {
	store := openStore(t)
	rec := NewRecorder(store)
	em := events.Emitter{Sink: rec}

	em.Started("t1", "a.bin", 100, "10.0.0.2:9999", transfer.ProtocolReliable, transfer.ModeTransmitter)
	em.Completed(&transfer.Result{TransferID: "t1", BytesTransferred: 100, Duration: time.Second, Checksum: "abc"}, transfer.ProtocolReliable)

	em.Started("t2", "b.bin", 100, "", transfer.ProtocolBestEffort, transfer.ModeReceiver)
	rec.Emit(events.Progress{ID: "t2", Bytes: 30})
	em.Error("t2", transfer.NewTimeout("receive_chunk", 10))

	em.Cancelled("t3", "user", 5)

	got, err := store.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusCompleted, got.Status)
	assert.Equal(t, "a.bin", got.File)
	assert.Equal(t, transfer.ModeTransmitter, got.Mode)
	assert.Equal(t, "abc", got.Checksum)

	got, err = store.Get("t2")
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusError, got.Status)
	assert.Equal(t, uint64(30), got.Bytes)
	assert.Contains(t, got.Error, "timed out")

	got, err = store.Get("t3")
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusCancelled, got.Status)
	assert.Equal(t, "user", got.Error)

	all, err := store.List(0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestRecorderNamesReceivedFile(t *testing.T) {
	store := openStore(t)
	em := events.Emitter{Sink: NewRecorder(store)}

	em.Started("rx", "", 0, "0.0.0.0:9999", transfer.ProtocolReliable, transfer.ModeReceiver)
	em.Completed(&transfer.Result{TransferID: "rx", FileName: "report.pdf", BytesTransferred: 42, Checksum: "abc"}, transfer.ProtocolReliable)

	got, err := store.Get("rx")
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", got.File)
	assert.Equal(t, transfer.ModeReceiver, got.Mode)
	assert.Equal(t, uint64(42), got.Bytes)
}
