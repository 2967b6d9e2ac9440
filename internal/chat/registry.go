// Package chat keeps the rooms of online group members.
package chat

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/samber/lo"

	"pigeon/internal/outbound"
	"pigeon/internal/session"
	"pigeon/pkg/types"
)

// Room notification event names
const (
	EventMembersJoin  = "membersJoin"
	EventMembersLeave = "membersLeave"
)

// Room is the set of online sessions of one group.
// ARCHITECTURAL DISCOVERY: Membership is guarded by the registry lock, not a
// per-room lock, so create-on-demand and remove-when-empty are one step with
// the join or leave that causes them
type Room struct {
	id       int64
	registry *Registry
	members  map[string]*session.Session
}

// ID returns the group id of the room
func (r *Room) ID() int64 { return r.id }

// Members returns a snapshot of the sessions in the room
func (r *Room) Members() []*session.Session {
	r.registry.mu.RLock()
	defer r.registry.mu.RUnlock()
	return lo.Values(r.members)
}

// broadcast delivers an event to every member not matched by exclude
func (r *Room) broadcast(name string, payload any, n outbound.Notifier, exclude func(*session.Session) bool) int {
	members := r.Members()
	count := 0
	for _, s := range members {
		if exclude != nil && exclude(s) {
			continue
		}
		n.Notify(s.Queue(), name, payload)
		count++
	}
	return count
}

func (r *Room) joinLocked(sessions []*session.Session) ([]*session.Session, notices) {
	var joined []*session.Session
	for _, s := range sessions {
		if _, ok := r.members[s.ID()]; ok {
			continue
		}
		r.members[s.ID()] = s
		s.AddRoom(r.id)
		joined = append(joined, s)
	}
	if len(joined) == 0 {
		return nil, nil
	}

	payload := types.Success(types.Payload{
		"groupId": r.id,
		"users":   userIDs(joined),
	})
	var notes notices
	for id, s := range r.members {
		if lo.ContainsBy(joined, func(j *session.Session) bool { return j.ID() == id }) {
			continue
		}
		notes = append(notes, notice{s.Queue(), EventMembersJoin, payload})
	}
	return joined, notes
}

func (r *Room) leaveLocked(sessions []*session.Session) ([]*session.Session, notices, error) {
	var left []*session.Session
	for _, s := range sessions {
		if _, ok := r.members[s.ID()]; !ok {
			continue
		}
		delete(r.members, s.ID())
		s.RemoveRoom(r.id)
		left = append(left, s)
	}
	if len(left) == 0 {
		return nil, nil, nil
	}

	payload := types.Success(types.Payload{
		"groupId": r.id,
		"users":   userIDs(left),
	})
	notes := make(notices, 0, len(r.members))
	for _, s := range r.members {
		notes = append(notes, notice{s.Queue(), EventMembersLeave, payload})
	}
	return left, notes, r.registry.removeIfEmptyLocked(r)
}

// Registry owns every room.
type Registry struct {
	mu    sync.RWMutex
	rooms map[int64]*Room
	log   *slog.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		rooms: make(map[int64]*Room),
		log:   log,
	}
}

// getOrCreateLocked is the find-or-insert step of Join. The caller joins at
// least one session before releasing the lock or drops the room again.
func (g *Registry) getOrCreateLocked(groupID int64) *Room {
	if room, ok := g.rooms[groupID]; ok {
		return room
	}
	room := &Room{
		id:       groupID,
		registry: g,
		members:  make(map[string]*session.Session),
	}
	g.rooms[groupID] = room
	return room
}

// Get returns the room of groupID if one exists
func (g *Registry) Get(groupID int64) (*Room, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	room, ok := g.rooms[groupID]
	return room, ok
}

// Join puts sessions in the room of groupID, creating the room if needed.
// Sessions already present are skipped. Members present before the call get
// one membersJoin event listing the users that joined. Returns the sessions
// actually added.
func (g *Registry) Join(groupID int64, sessions []*session.Session, n outbound.Notifier) []*session.Session {
	if len(sessions) == 0 {
		return nil
	}
	g.mu.Lock()
	room := g.getOrCreateLocked(groupID)
	joined, notes := room.joinLocked(sessions)
	if len(room.members) == 0 {
		// nothing joined a room we just created
		delete(g.rooms, groupID)
	}
	g.mu.Unlock()

	notes.send(n)
	g.log.Debug("Room joined", "group", groupID, "joined", len(joined))
	return joined
}

// Leave takes sessions out of the room of groupID. Remaining members get
// one membersLeave event; the room is removed when it becomes empty.
func (g *Registry) Leave(groupID int64, sessions []*session.Session, n outbound.Notifier) ([]*session.Session, error) {
	g.mu.Lock()
	room, ok := g.rooms[groupID]
	if !ok {
		stale := lo.Filter(sessions, func(s *session.Session, _ int) bool { return s.InRoom(groupID) })
		g.mu.Unlock()
		if len(stale) > 0 {
			for _, s := range stale {
				s.RemoveRoom(groupID)
			}
			return nil, g.inconsistent(groupID, "session references a missing room")
		}
		return nil, nil
	}
	left, notes, err := room.leaveLocked(sessions)
	g.mu.Unlock()

	notes.send(n)
	return left, err
}

// LeaveAll takes s out of every room it is in
func (g *Registry) LeaveAll(s *session.Session, n outbound.Notifier) error {
	var firstErr error
	for _, groupID := range s.Rooms() {
		if _, err := g.Leave(groupID, []*session.Session{s}, n); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RemoveRoom drops the room of a deleted group, detaching every member
// without notification. Removing an absent room is a no-op.
func (g *Registry) RemoveRoom(groupID int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	room, ok := g.rooms[groupID]
	if !ok {
		return
	}
	for _, s := range room.members {
		s.RemoveRoom(groupID)
	}
	room.members = map[string]*session.Session{}
	delete(g.rooms, groupID)
}

// Broadcast delivers an event to the members of groupID not matched by
// exclude. Returns the number of sessions notified; 0 when no room exists.
func (g *Registry) Broadcast(groupID int64, name string, payload any, n outbound.Notifier, exclude func(*session.Session) bool) int {
	room, ok := g.Get(groupID)
	if !ok {
		return 0
	}
	return room.broadcast(name, payload, n, exclude)
}

// BroadcastAll delivers to every member
func (g *Registry) BroadcastAll(groupID int64, name string, payload any, n outbound.Notifier) int {
	return g.Broadcast(groupID, name, payload, n, nil)
}

// BroadcastExcept delivers to every member but the sender session
func (g *Registry) BroadcastExcept(groupID int64, sender *session.Session, name string, payload any, n outbound.Notifier) int {
	return g.Broadcast(groupID, name, payload, n, func(s *session.Session) bool {
		return s == sender
	})
}

// BroadcastExceptUsers delivers to members whose user is not in userIDs,
// typically because those users receive a different event instead.
func (g *Registry) BroadcastExceptUsers(groupID int64, userIDs []int64, name string, payload any, n outbound.Notifier) int {
	return g.Broadcast(groupID, name, payload, n, func(s *session.Session) bool {
		return lo.Contains(userIDs, s.UserID())
	})
}

// Size returns the number of sessions in the room of groupID
func (g *Registry) Size(groupID int64) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if room, ok := g.rooms[groupID]; ok {
		return len(room.members)
	}
	return 0
}

// GetStats returns counters for the health endpoint
func (g *Registry) GetStats() map[string]int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	members := 0
	for _, room := range g.rooms {
		members += len(room.members)
	}
	return map[string]int{
		"rooms":        len(g.rooms),
		"room_members": members,
	}
}

// removeIfEmptyLocked deletes room when it has no member left
func (g *Registry) removeIfEmptyLocked(room *Room) error {
	if len(room.members) > 0 {
		return nil
	}
	if g.rooms[room.id] != room {
		return g.inconsistent(room.id, "emptied room is not the registered room")
	}
	delete(g.rooms, room.id)
	g.log.Debug("Room removed", "group", room.id)
	return nil
}

func (g *Registry) inconsistent(groupID int64, what string) error {
	g.log.Error("Chat registry invariant violated", "invariant", what, "group", groupID)
	return fmt.Errorf("room %d: %s: %w", groupID, what, types.ErrInconsistent)
}

type notice struct {
	queue   *outbound.Queue
	name    string
	payload any
}

type notices []notice

func (ns notices) send(n outbound.Notifier) {
	if n == nil {
		n = outbound.Immediate{}
	}
	for _, note := range ns {
		n.Notify(note.queue, note.name, note.payload)
	}
}

func userIDs(sessions []*session.Session) []int64 {
	return lo.Uniq(lo.Map(sessions, func(s *session.Session, _ int) int64 { return s.UserID() }))
}
