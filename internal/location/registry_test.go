package location

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"

	"pigeon/internal/session"
	"pigeon/pkg/types"
)

type frame struct {
	name    string
	payload any
}

type recorder struct {
	mu     sync.Mutex
	frames []frame
}

func (r *recorder) Emit(name string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame{name, payload})
	return nil
}

func (r *recorder) Close() error { return nil }

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func (r *recorder) last() frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames[len(r.frames)-1]
}

type timers struct{}

func (timers) AfterFunc(d time.Duration, task func()) *time.Timer { return time.AfterFunc(d, task) }

func newSession(t *testing.T, userID int64) (*session.Session, *recorder) {
	t.Helper()
	rec := &recorder{}
	s := session.New(rec, func(task func()) { task() }, nil)
	require.NoError(t, s.BeginLogin())
	s.CompleteLogin(&types.User{ID: userID}, "tok")
	return s, rec
}

func newRegistry(sched Scheduler, interval time.Duration) *Registry {
	return NewRegistry(sched, interval, logs.GetLoggerFromLevel(slog.LevelDebug))
}

func TestRegistry_JoinNumbersDevices(t *testing.T) {
	req := require.New(t)
	g := newRegistry(nil, time.Second)
	phone, _ := newSession(t, 1)
	tablet, _ := newSession(t, 1)
	other, _ := newSession(t, 2)
	meeting := &types.Location{Lat: 1, Lng: 2}

	// Given the first device of a user
	n, at, err := g.Join(7, phone, 0, meeting)
	req.NoError(err)
	req.Equal(1, n)
	req.Equal(meeting, at)

	// Then the next device of the same user gets the next number
	n, _, err = g.Join(7, tablet, 0, &types.Location{Lat: 9, Lng: 9})
	req.NoError(err)
	req.Equal(2, n)

	// and another user counts from one; the room keeps its first meeting place
	n, at, err = g.Join(7, other, 0, nil)
	req.NoError(err)
	req.Equal(1, n)
	req.Equal(meeting, at)
	req.Equal(3, g.Size(7))

	_, _, err = g.Join(7, phone, 0, nil)
	req.ErrorIs(err, ErrAlreadyJoined)
}

func TestRegistry_ReconnectTakesOverDevice(t *testing.T) {
	req := require.New(t)
	g := newRegistry(nil, time.Second)
	stale, _ := newSession(t, 1)
	fresh, _ := newSession(t, 1)

	_, _, err := g.Join(7, stale, 0, nil)
	req.NoError(err)
	req.NoError(g.Update(7, stale, types.Location{Lat: 3, Lng: 4}))

	// When a new session asks for the number of the only sharing device
	n, _, err := g.Join(7, fresh, 1, nil)
	req.NoError(err)

	// Then it keeps the number and position and the room survives
	req.Equal(1, n)
	req.Equal(1, g.Size(7))
	positions := g.Positions(7)
	req.Len(positions, 1)
	req.InDelta(3.0, positions[0].Lat, 1e-9)
	req.ErrorIs(g.Leave(7, stale), ErrNotJoined)
	req.Zero(g.LeaveAll(stale))
}

func TestRegistry_LastLeaveRemovesRoom(t *testing.T) {
	req := require.New(t)
	g := newRegistry(nil, time.Second)
	a, _ := newSession(t, 1)
	b, _ := newSession(t, 2)

	_, _, err := g.Join(7, a, 0, nil)
	req.NoError(err)
	_, _, err = g.Join(8, a, 0, nil)
	req.NoError(err)
	_, _, err = g.Join(7, b, 0, nil)
	req.NoError(err)
	req.Equal(map[string]int{"rooms": 2, "sharing": 3}, g.GetStats())

	// When a disconnects
	req.Equal(2, g.LeaveAll(a))

	// Then the room only a shared in is gone
	req.Equal(map[string]int{"rooms": 1, "sharing": 1}, g.GetStats())
	req.Nil(g.Positions(8))
	req.ErrorIs(g.Update(8, a, types.Location{}), ErrNotJoined)

	req.NoError(g.Leave(7, b))
	req.Zero(g.GetStats()["rooms"])
	req.ErrorIs(g.Leave(7, b), ErrNotJoined)
}

func TestRegistry_BroadcastSendsKnownPositions(t *testing.T) {
	req := require.New(t)
	g := newRegistry(nil, time.Second)
	a, recA := newSession(t, 2)
	b, recB := newSession(t, 1)

	_, _, err := g.Join(7, a, 0, nil)
	req.NoError(err)
	_, _, err = g.Join(7, b, 0, nil)
	req.NoError(err)
	req.NoError(g.Update(7, a, types.Location{Lat: 10, Lng: 20}))

	// When the room broadcasts before b sent a position
	req.Equal(2, g.Broadcast(7))

	// Then both get the single known position
	for _, rec := range []*recorder{recA, recB} {
		f := rec.last()
		req.Equal(EventBroadcast, f.name)
		payload := f.payload.(types.Payload)
		req.Equal(int64(7), payload["eventId"])
		positions := payload["locations"].([]Position)
		req.Len(positions, 1)
		req.Equal(int64(2), positions[0].User.ID)
	}

	// and positions come back ordered by user
	req.NoError(g.Update(7, b, types.Location{Lat: 1, Lng: 1}))
	positions := g.Positions(7)
	req.Len(positions, 2)
	req.Equal(int64(1), positions[0].User.ID)

	req.Zero(g.Broadcast(99))
}

func TestRegistry_TimerBroadcastsUntilEmpty(t *testing.T) {
	req := require.New(t)
	g := newRegistry(timers{}, 10*time.Millisecond)
	a, rec := newSession(t, 1)

	// Given a sharing session
	_, _, err := g.Join(7, a, 0, nil)
	req.NoError(err)

	// Then the room keeps broadcasting on its own
	req.Eventually(func() bool { return rec.count() >= 3 }, time.Second, 5*time.Millisecond)

	// When it leaves, the ticks stop
	req.NoError(g.Leave(7, a))
	time.Sleep(30 * time.Millisecond)
	sent := rec.count()
	time.Sleep(50 * time.Millisecond)
	req.Equal(sent, rec.count())
}
