package httpserver

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaywantadh/ByteRelay/internal/events"
	"github.com/jaywantadh/ByteRelay/internal/transfer"
)

type fakeEngine struct {
	mu        sync.Mutex
	sessions  map[string]transfer.Session
	stream    chan events.Event
	cancelled []string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		sessions: map[string]transfer.Session{
			"a": {ID: "a", Status: transfer.StatusTransferring, Config: transfer.Config{Mode: transfer.ModeTransmitter, Protocol: transfer.ProtocolReliable}, TotalBytes: 100, BytesTransferred: 40},
			"b": {ID: "b", Status: transfer.StatusCompleted, Checksum: "abc"},
		},
		stream: make(chan events.Event, 4),
	}
}

func (f *fakeEngine) GetSession(id string) (transfer.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return transfer.Session{}, transfer.NewNotFound(id)
	}
	return s, nil
}

func (f *fakeEngine) GetActiveTransfers() []transfer.Session {
	s, _ := f.GetSession("a")
	return []transfer.Session{s}
}

func (f *fakeEngine) GetTransferHistory() []transfer.Session {
	s, _ := f.GetSession("b")
	return []transfer.Session{s}
}

func (f *fakeEngine) CancelTransfer(id, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return transfer.NewNotFound(id)
	}
	s.Status = transfer.StatusCancelled
	f.sessions[id] = s
	f.cancelled = append(f.cancelled, reason)
	return nil
}

func (f *fakeEngine) Subscribe() (<-chan events.Event, func()) {
	return f.stream, func() {}
}

func (f *fakeEngine) RecentEvents() []events.Event {
	return []events.Event{events.Started{ID: "a", Filename: "x.bin"}}
}

func TestSessionEndpoints(t *testing.T) {
	srv := httptest.NewServer(New(newFakeEngine()).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/transfers")
	require.NoError(t, err)
	var active []SessionView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&active))
	resp.Body.Close()
	require.Len(t, active, 1)
	assert.Equal(t, "a", active[0].ID)
	assert.Equal(t, uint64(40), active[0].Bytes)
	assert.Equal(t, transfer.ProtocolReliable, active[0].Protocol)

	resp, err = http.Get(srv.URL + "/transfers/history")
	require.NoError(t, err)
	var done []SessionView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&done))
	resp.Body.Close()
	require.Len(t, done, 1)
	assert.Equal(t, "abc", done[0].Checksum)

	resp, err = http.Get(srv.URL + "/transfers/missing")
	require.NoError(t, err)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", body["code"])
}

func TestCancelEndpoint(t *testing.T) {
	eng := newFakeEngine()
	srv := httptest.NewServer(New(eng).Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/transfers/a/cancel?reason=operator", "", nil)
	require.NoError(t, err)
	var view SessionView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, transfer.StatusCancelled, view.Status)
	assert.Equal(t, []string{"operator"}, eng.cancelled)

	resp, err = http.Get(srv.URL + "/transfers/a/cancel")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestRecentEvents(t *testing.T) {
	srv := httptest.NewServer(New(newFakeEngine()).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/events/recent")
	require.NoError(t, err)
	defer resp.Body.Close()
	var out []struct {
		Kind  events.Kind    `json:"kind"`
		Event map[string]any `json:"event"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out, 1)
	assert.Equal(t, events.KindStarted, out[0].Kind)
	assert.Equal(t, "x.bin", out[0].Event["filename"])
}

func TestEventStream(t *testing.T) {
	eng := newFakeEngine()
	srv := httptest.NewServer(New(eng).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	eng.stream <- events.Progress{ID: "a", Bytes: 10, Total: 20, Fraction: 0.5}

	r := bufio.NewReader(resp.Body)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: progress\n", line)
	line, err = r.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "data: "))

	var p events.Progress
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &p))
	assert.Equal(t, uint64(10), p.Bytes)

	close(eng.stream)
}
