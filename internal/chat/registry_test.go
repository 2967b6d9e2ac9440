package chat

import (
	"log/slog"
	"sync"
	"testing"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"

	"pigeon/internal/outbound"
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

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.frames))
	for _, f := range r.frames {
		out = append(out, f.name)
	}
	return out
}

func (r *recorder) last() frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames[len(r.frames)-1]
}

func newSession(t *testing.T, userID int64) (*session.Session, *recorder) {
	t.Helper()
	rec := &recorder{}
	s := session.New(rec, outbound.GoScheduler, nil)
	require.NoError(t, s.BeginLogin())
	s.CompleteLogin(&types.User{ID: userID}, "tok")
	return s, rec
}

func newRegistry() *Registry {
	return NewRegistry(logs.GetLoggerFromLevel(slog.LevelDebug))
}

func TestRegistry_JoinCreatesRoomAndNotifiesOthersOnce(t *testing.T) {
	req := require.New(t)
	g := newRegistry()
	a, recA := newSession(t, 1)
	b, recB := newSession(t, 2)
	c, recC := newSession(t, 3)

	// Given a room with a
	joined := g.Join(10, []*session.Session{a}, outbound.Immediate{})
	req.Len(joined, 1)
	req.Empty(recA.names())

	// When b and c join as one batch
	joined = g.Join(10, []*session.Session{b, c}, outbound.Immediate{})

	// Then a gets a single membersJoin listing both users
	req.Len(joined, 2)
	req.Equal([]string{EventMembersJoin}, recA.names())
	payload := recA.last().payload.(types.Payload)
	req.ElementsMatch([]int64{2, 3}, payload["users"])
	req.Equal(int64(10), payload["groupId"])
	req.Empty(recB.names())
	req.Empty(recC.names())
	req.Equal(3, g.Size(10))
	req.True(c.InRoom(10))
}

func TestRegistry_JoinIsIdempotent(t *testing.T) {
	req := require.New(t)
	g := newRegistry()
	a, recA := newSession(t, 1)
	b, _ := newSession(t, 2)

	g.Join(10, []*session.Session{a, b}, outbound.Immediate{})
	joined := g.Join(10, []*session.Session{b, b}, outbound.Immediate{})

	req.Empty(joined)
	req.Equal(2, g.Size(10))
	req.Empty(recA.names())
}

func TestRegistry_LeaveNotifiesRemainingAndRemovesEmptyRoom(t *testing.T) {
	req := require.New(t)
	g := newRegistry()
	a, recA := newSession(t, 1)
	b, recB := newSession(t, 2)
	g.Join(10, []*session.Session{a, b}, outbound.Silent{})

	// When b leaves
	left, err := g.Leave(10, []*session.Session{b}, outbound.Immediate{})

	// Then only a hears about it
	req.NoError(err)
	req.Len(left, 1)
	req.Equal([]string{EventMembersLeave}, recA.names())
	req.Empty(recB.names())
	req.False(b.InRoom(10))

	// When the last member leaves, the room disappears
	_, err = g.Leave(10, []*session.Session{a}, outbound.Immediate{})
	req.NoError(err)
	_, ok := g.Get(10)
	req.False(ok)
	req.Equal(0, g.GetStats()["rooms"])

	// Leaving again is a no-op
	left, err = g.Leave(10, []*session.Session{a}, outbound.Immediate{})
	req.NoError(err)
	req.Empty(left)
}

func TestRegistry_StaleRoomIsInconsistent(t *testing.T) {
	req := require.New(t)
	g := newRegistry()
	a, _ := newSession(t, 1)

	// a session claiming a room the registry does not have
	a.AddRoom(6)
	_, err := g.Leave(6, []*session.Session{a}, outbound.Silent{})
	req.ErrorIs(err, types.ErrInconsistent)
	req.False(a.InRoom(6))
}

func TestRegistry_NoEmptyRoomIsObservable(t *testing.T) {
	req := require.New(t)
	g := newRegistry()
	a, _ := newSession(t, 1)

	// When a join brings nobody
	req.Empty(g.Join(5, nil, outbound.Silent{}))
	req.Empty(g.Join(5, []*session.Session{}, outbound.Silent{}))

	// Then no room appears
	_, ok := g.Get(5)
	req.False(ok)
	req.Zero(g.Size(5))
	req.Zero(g.GetStats()["rooms"])

	// A room handle taken before the last leave holds no one afterwards
	g.Join(5, []*session.Session{a}, outbound.Silent{})
	room, ok := g.Get(5)
	req.True(ok)
	req.Len(room.Members(), 1)
	_, err := g.Leave(5, []*session.Session{a}, outbound.Silent{})
	req.NoError(err)
	req.Empty(room.Members())
	_, ok = g.Get(5)
	req.False(ok)
	req.Zero(g.GetStats()["rooms"])
}

func TestRegistry_BroadcastDisciplines(t *testing.T) {
	req := require.New(t)
	g := newRegistry()
	a, recA := newSession(t, 1)
	b, recB := newSession(t, 2)
	b2, recB2 := newSession(t, 2)
	c, recC := newSession(t, 3)
	g.Join(7, []*session.Session{a, b, b2, c}, outbound.Silent{})

	req.Equal(4, g.BroadcastAll(7, "all", nil, outbound.Immediate{}))
	req.Equal(3, g.BroadcastExcept(7, a, "notSender", nil, outbound.Immediate{}))
	req.Equal(2, g.BroadcastExceptUsers(7, []int64{2}, "filtered", nil, outbound.Immediate{}))
	req.Equal(0, g.BroadcastAll(99, "nobody", nil, outbound.Immediate{}))

	req.Equal([]string{"all", "filtered"}, recA.names())
	req.Equal([]string{"all", "notSender"}, recB.names())
	req.Equal([]string{"all", "notSender"}, recB2.names())
	req.Equal([]string{"all", "notSender", "filtered"}, recC.names())
}

func TestRegistry_LeaveAllAndRemoveRoom(t *testing.T) {
	req := require.New(t)
	g := newRegistry()
	a, _ := newSession(t, 1)
	b, recB := newSession(t, 2)
	g.Join(1, []*session.Session{a, b}, outbound.Silent{})
	g.Join(2, []*session.Session{a}, outbound.Silent{})

	req.NoError(g.LeaveAll(a, outbound.Immediate{}))

	req.Empty(a.Rooms())
	req.Equal([]string{EventMembersLeave}, recB.names())
	_, ok := g.Get(2)
	req.False(ok)

	g.RemoveRoom(1)
	req.Empty(b.Rooms())
	req.Equal(0, g.Size(1))
	g.RemoveRoom(1)
}

func TestRegistry_ConcurrentJoinLeaveKeepsNoEmptyRoom(t *testing.T) {
	g := newRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			s, _ := newSession(t, id)
			for round := 0; round < 20; round++ {
				g.Join(3, []*session.Session{s}, outbound.Silent{})
				_, _ = g.Leave(3, []*session.Session{s}, outbound.Silent{})
			}
		}(int64(i + 1))
	}
	wg.Wait()

	_, ok := g.Get(3)
	require.False(t, ok)
	require.Equal(t, 0, g.GetStats()["room_members"])
}
