package stats

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/manpreetbhatti/roomsync/internal/crdt"
	"github.com/manpreetbhatti/roomsync/internal/db"
	"github.com/manpreetbhatti/roomsync/internal/protocol"
	"github.com/manpreetbhatti/roomsync/internal/room"
)

type staticSource []*room.Room

func (s staticSource) Rooms() []*room.Room { return s }

type memorySink struct {
	mu    sync.Mutex
	rooms map[string]db.Room
	calls int
	fail  string
}

func newMemorySink() *memorySink {
	return &memorySink{rooms: make(map[string]db.Room)}
}

func (m *memorySink) UpsertRoom(r db.Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if r.ID == m.fail {
		return errors.New("disk full")
	}
	prev := m.rooms[r.ID]
	r.UpdatesApplied += prev.UpdatesApplied
	r.UpdatesRejected += prev.UpdatesRejected
	r.Dropped += prev.Dropped
	m.rooms[r.ID] = r
	return nil
}

func (m *memorySink) get(id string) (db.Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[id]
	return r, ok
}

func (m *memorySink) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func newRoom(t *testing.T, name string) *room.Room {
	t.Helper()
	r := room.New(name, room.Config{})
	t.Cleanup(r.Stop)
	return r
}

func TestSampleRecordsCounters(t *testing.T) {
	ctx := context.Background()
	r := newRoom(t, "notes")
	require.NoError(t, r.Join(ctx, 1, make(chan protocol.Message, 8)))
	require.NoError(t, r.Update(ctx, 1, crdt.NewDoc(1).Insert(0, "hi")))
	require.NoError(t, r.Update(ctx, 1, []byte{0xff}))
	_, err := r.Snapshot(ctx, 1)
	require.NoError(t, err)

	sink := newMemorySink()
	svc := New(staticSource{r}, sink, Config{Interval: time.Hour}, zaptest.NewLogger(t))
	assert.Equal(t, 1, svc.Sample())

	got, ok := sink.get("notes")
	require.True(t, ok)
	assert.Equal(t, 1, got.Peers)
	assert.Equal(t, 1, got.PeakPeers)
	assert.EqualValues(t, 1, got.UpdatesApplied)
	assert.EqualValues(t, 1, got.UpdatesRejected)
}

func TestSampleSendsIncrements(t *testing.T) {
	ctx := context.Background()
	r := newRoom(t, "notes")
	require.NoError(t, r.Join(ctx, 1, make(chan protocol.Message, 8)))
	doc := crdt.NewDoc(1)
	require.NoError(t, r.Update(ctx, 1, doc.Insert(0, "a")))
	_, err := r.Snapshot(ctx, 1)
	require.NoError(t, err)

	catalog, err := db.New(t.TempDir()+"/catalog.db", zaptest.NewLogger(t))
	require.NoError(t, err)
	defer catalog.Close()

	svc := New(staticSource{r}, catalog, Config{Interval: time.Hour}, zaptest.NewLogger(t))
	svc.Sample()
	svc.Sample()

	got, err := catalog.GetRoom("notes")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.EqualValues(t, 1, got.UpdatesApplied, "unchanged counters add nothing")

	require.NoError(t, r.Update(ctx, 1, doc.Insert(1, "b")))
	_, err = r.Snapshot(ctx, 1)
	require.NoError(t, err)
	svc.Sample()

	// a restarted server reports the same room with fresh counters
	restarted := newRoom(t, "notes")
	require.NoError(t, restarted.Update(ctx, 1, crdt.NewDoc(2).Insert(0, "c")))
	_, err = restarted.Snapshot(ctx, 1)
	require.NoError(t, err)
	New(staticSource{restarted}, catalog, Config{Interval: time.Hour}, nil).Sample()

	got, err = catalog.GetRoom("notes")
	require.NoError(t, err)
	assert.EqualValues(t, 3, got.UpdatesApplied)
}

func TestSampleRestartsAfterCounterReset(t *testing.T) {
	ctx := context.Background()
	sink := newMemorySink()
	first := newRoom(t, "notes")
	require.NoError(t, first.Update(ctx, 1, crdt.NewDoc(1).Insert(0, "ab")))
	require.NoError(t, first.Update(ctx, 1, []byte{0xff}))
	_, err := first.Snapshot(ctx, 1)
	require.NoError(t, err)

	source := &swapSource{rooms: []*room.Room{first}}
	svc := New(source, sink, Config{Interval: time.Hour}, zaptest.NewLogger(t))
	svc.Sample()

	second := newRoom(t, "notes")
	require.NoError(t, second.Update(ctx, 1, crdt.NewDoc(2).Insert(0, "c")))
	_, err = second.Snapshot(ctx, 1)
	require.NoError(t, err)
	source.rooms = []*room.Room{second}
	svc.Sample()

	got, ok := sink.get("notes")
	require.True(t, ok)
	assert.EqualValues(t, 2, got.UpdatesApplied)
	assert.EqualValues(t, 1, got.UpdatesRejected)
}

type swapSource struct {
	rooms []*room.Room
}

func (s *swapSource) Rooms() []*room.Room { return s.rooms }

func TestSampleSkipsFailedRooms(t *testing.T) {
	sink := newMemorySink()
	sink.fail = "bad"

	svc := New(staticSource{newRoom(t, "bad"), newRoom(t, "good")}, sink, Config{}, zaptest.NewLogger(t))
	assert.Equal(t, 1, svc.Sample())

	_, ok := sink.get("good")
	assert.True(t, ok)
}

func TestServiceStartStop(t *testing.T) {
	sink := newMemorySink()
	svc := New(staticSource{newRoom(t, "lobby")}, sink, Config{Interval: 10 * time.Millisecond}, zaptest.NewLogger(t))

	svc.Start()
	require.Eventually(t, func() bool {
		return sink.callCount() >= 3
	}, 2*time.Second, 5*time.Millisecond)
	svc.Stop()
	svc.Stop()

	calls := sink.callCount()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, sink.callCount(), "no samples after stop")
}

func TestSampleIntoCatalog(t *testing.T) {
	catalog, err := db.New(t.TempDir()+"/catalog.db", zaptest.NewLogger(t))
	require.NoError(t, err)
	defer catalog.Close()

	svc := New(staticSource{newRoom(t, "lobby")}, catalog, DefaultConfig(), nil)
	assert.Equal(t, 1, svc.Sample())

	got, err := catalog.GetRoom("lobby")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Zero(t, got.Peers)
}
