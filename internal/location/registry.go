// Package location keeps the realtime location share rooms of events.
//
// A room exists while at least one session shares in it. Every interval the
// room sends the latest position of each sharing session to all of them.
package location

import (
	"cmp"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/samber/lo"

	"pigeon/internal/outbound"
	"pigeon/internal/session"
	"pigeon/pkg/types"
)

// EventBroadcast carries the positions of a room to its members
const EventBroadcast = "realtimeLocationShareBroadcast"

// Scheduler arms the broadcast timers; *hub.Hub implements it
type Scheduler interface {
	AfterFunc(d time.Duration, task func()) *time.Timer
}

// Position is the last known place of one sharing device
type Position struct {
	User      *types.User `json:"user"`
	Number    int         `json:"number"`
	Lat       float64     `json:"lat"`
	Lng       float64     `json:"lng"`
	Timestamp time.Time   `json:"timestamp"`
}

// entry is one session sharing in a room. Number tells apart the devices of
// one user and survives a reconnect that asks for it again.
type entry struct {
	sess   *session.Session
	user   *types.User
	number int
	at     *types.Location
	seen   time.Time
}

// room is the share of one event
type room struct {
	eventID int64
	meeting *types.Location
	entries map[string]*entry
	timer   *time.Timer
}

// Registry owns every location share room.
// ARCHITECTURAL DISCOVERY: Same discipline as the chat rooms: one lock, a
// room is created by the join that needs it and removed by the leave that
// empties it
type Registry struct {
	mu        sync.Mutex
	rooms     map[int64]*room
	bySession map[string][]int64
	sched     Scheduler
	interval  time.Duration
	now       func() time.Time
	log       *slog.Logger
}

// NewRegistry creates an empty registry broadcasting every interval
func NewRegistry(sched Scheduler, interval time.Duration, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Registry{
		rooms:     make(map[int64]*room),
		bySession: make(map[string][]int64),
		sched:     sched,
		interval:  interval,
		now:       func() time.Time { return time.Now().UTC() },
		log:       log,
	}
}

// Join adds sess to the room of eventID, creating the room with the meeting
// place when absent. A positive number takes over the device slot of the same
// user; otherwise the next free number is given. Returns the number and the
// meeting place of the room.
func (g *Registry) Join(eventID int64, sess *session.Session, number int, meeting *types.Location) (int, *types.Location, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.rooms[eventID]
	if !ok {
		r = &room{eventID: eventID, meeting: meeting, entries: make(map[string]*entry)}
	}
	if _, ok := r.entries[sess.ID()]; ok {
		return 0, nil, ErrAlreadyJoined
	}

	userID := sess.UserID()
	mine := lo.Filter(lo.Values(r.entries), func(e *entry, _ int) bool { return e.user.ID == userID })
	e := &entry{sess: sess, user: sess.User()}
	old, takeover := lo.Find(mine, func(e *entry) bool { return number > 0 && e.number == number })
	if takeover {
		e.number, e.at, e.seen = old.number, old.at, old.seen
	} else {
		e.number = 1 + lo.Max(lo.Map(mine, func(e *entry, _ int) int { return e.number }))
	}

	r.entries[sess.ID()] = e
	g.bySession[sess.ID()] = append(g.bySession[sess.ID()], eventID)
	if takeover {
		// FUNCTIONAL DISCOVERY: a reconnecting device keeps its number and
		// last position; the stale session stops sharing
		g.dropLocked(r, old.sess)
	}
	if !ok {
		g.rooms[eventID] = r
		g.armLocked(r)
		g.log.Debug("Location room created", "event", eventID)
	}
	return e.number, r.meeting, nil
}

// Leave takes sess out of the room of eventID
func (g *Registry) Leave(eventID int64, sess *session.Session) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[eventID]
	if !ok {
		return ErrNotJoined
	}
	if _, ok := r.entries[sess.ID()]; !ok {
		return ErrNotJoined
	}
	g.dropLocked(r, sess)
	return nil
}

// LeaveAll takes sess out of every room; it returns how many it left
func (g *Registry) LeaveAll(sess *session.Session) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	events := slices.Clone(g.bySession[sess.ID()])
	for _, eventID := range events {
		if r, ok := g.rooms[eventID]; ok {
			g.dropLocked(r, sess)
		}
	}
	delete(g.bySession, sess.ID())
	return len(events)
}

// Update records the position of sess in the room of eventID
func (g *Registry) Update(eventID int64, sess *session.Session, at types.Location) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[eventID]
	if !ok {
		return ErrNotJoined
	}
	e, ok := r.entries[sess.ID()]
	if !ok {
		return ErrNotJoined
	}
	e.at, e.seen = &at, g.now()
	return nil
}

// Positions returns the known positions of a room, by user and number
func (g *Registry) Positions(eventID int64) []Position {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[eventID]
	if !ok {
		return nil
	}
	return positionsLocked(r)
}

// Broadcast sends the positions of a room to every session in it and
// returns the number of sessions reached
func (g *Registry) Broadcast(eventID int64) int {
	g.mu.Lock()
	r, ok := g.rooms[eventID]
	if !ok {
		g.mu.Unlock()
		return 0
	}
	payload := types.Success(types.Payload{
		"eventId":   eventID,
		"locations": positionsLocked(r),
		"timestamp": g.now(),
	})
	members := lo.Map(lo.Values(r.entries), func(e *entry, _ int) *session.Session { return e.sess })
	g.mu.Unlock()

	for _, sess := range members {
		outbound.Immediate{}.Notify(sess.Queue(), EventBroadcast, payload)
	}
	return len(members)
}

// Size returns the number of sessions sharing in the room of eventID
func (g *Registry) Size(eventID int64) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok := g.rooms[eventID]; ok {
		return len(r.entries)
	}
	return 0
}

// GetStats returns counters for the stats endpoint
func (g *Registry) GetStats() map[string]int {
	g.mu.Lock()
	defer g.mu.Unlock()
	sharing := 0
	for _, r := range g.rooms {
		sharing += len(r.entries)
	}
	return map[string]int{
		"rooms":   len(g.rooms),
		"sharing": sharing,
	}
}

// dropLocked removes sess from r and r from the registry once empty
func (g *Registry) dropLocked(r *room, sess *session.Session) {
	delete(r.entries, sess.ID())
	left := lo.Without(g.bySession[sess.ID()], r.eventID)
	if len(left) == 0 {
		delete(g.bySession, sess.ID())
	} else {
		g.bySession[sess.ID()] = left
	}
	if len(r.entries) > 0 {
		return
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	delete(g.rooms, r.eventID)
	g.log.Debug("Location room removed", "event", r.eventID)
}

// armLocked schedules the next broadcast of r. A tick for a room that was
// removed or replaced meanwhile does nothing.
func (g *Registry) armLocked(r *room) {
	if g.sched == nil {
		return
	}
	r.timer = g.sched.AfterFunc(g.interval, func() {
		g.mu.Lock()
		current := g.rooms[r.eventID] == r
		g.mu.Unlock()
		if !current {
			return
		}
		g.Broadcast(r.eventID)

		g.mu.Lock()
		defer g.mu.Unlock()
		if g.rooms[r.eventID] == r {
			g.armLocked(r)
		}
	})
}

func positionsLocked(r *room) []Position {
	out := make([]Position, 0, len(r.entries))
	for _, e := range r.entries {
		if e.at == nil {
			continue
		}
		out = append(out, Position{User: e.user, Number: e.number, Lat: e.at.Lat, Lng: e.at.Lng, Timestamp: e.seen})
	}
	slices.SortFunc(out, func(a, b Position) int {
		return cmp.Or(cmp.Compare(a.User.ID, b.User.ID), cmp.Compare(a.Number, b.Number))
	})
	return out
}
