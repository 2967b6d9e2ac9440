package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"pigeon/internal/outbound"
	"pigeon/pkg/interfaces"
	"pigeon/pkg/types"
)

// State of a session's login
type State int

const (
	StateConnected State = iota
	StateLoggingIn
	StateLoggedIn
	StateClosed
)

// Session is one live client connection.
// ARCHITECTURAL DISCOVERY: A session only references the rooms it is in; the
// chat registry owns room lifetime and keeps this set in step
type Session struct {
	id          string
	conn        interfaces.Emitter
	queue       *outbound.Queue
	connectedAt time.Time

	mu    sync.RWMutex
	state State
	user  *types.User
	token string
	rooms map[int64]struct{}
}

// New wraps conn in a session with its own outbound queue
func New(conn interfaces.Emitter, schedule outbound.Scheduler, log *slog.Logger) *Session {
	id := uuid.NewString()
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		id:          id,
		conn:        conn,
		queue:       outbound.NewQueue(conn, schedule, log.With("session", id)),
		connectedAt: time.Now(),
		state:       StateConnected,
		rooms:       make(map[int64]struct{}),
	}
}

func (s *Session) ID() string               { return s.id }
func (s *Session) Queue() *outbound.Queue   { return s.queue }
func (s *Session) Conn() interfaces.Emitter { return s.conn }
func (s *Session) ConnectedAt() time.Time   { return s.connectedAt }

// State returns the login state
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// User returns the logged in user, nil before login
func (s *Session) User() *types.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

// UserID returns the logged in user id, 0 before login
func (s *Session) UserID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return 0
	}
	return s.user.ID
}

// Token returns the login token the session authenticated with
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// IsLoggedIn reports whether requests needing a user may run
func (s *Session) IsLoggedIn() bool {
	return s.State() == StateLoggedIn
}

// BeginLogin moves a connected session to logging in.
// FUNCTIONAL DISCOVERY: Two concurrent sessionLogin requests on one socket
// must not both run the login workflow
func (s *Session) BeginLogin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateLoggingIn:
		return ErrLoginInProgress
	case StateLoggedIn:
		return ErrAlreadyLoggedIn
	case StateClosed:
		return ErrSessionClosed
	}
	s.state = StateLoggingIn
	return nil
}

// CompleteLogin attaches the user to the session
func (s *Session) CompleteLogin(user *types.User, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.user = user
	s.token = token
	s.state = StateLoggedIn
}

// AbortLogin returns a failed login to the connected state
func (s *Session) AbortLogin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateLoggingIn {
		s.state = StateConnected
		s.user = nil
		s.token = ""
	}
}

// Logout detaches the user; the connection stays open
func (s *Session) Logout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateClosed {
		s.state = StateConnected
	}
	s.user = nil
	s.token = ""
}

// MarkClosed records that the transport is gone
func (s *Session) MarkClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateClosed
}

// Rooms returns the ids of the rooms the session is in
func (s *Session) Rooms() []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.Keys(s.rooms)
}

// InRoom reports whether the session is a member of room groupID
func (s *Session) InRoom(groupID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rooms[groupID]
	return ok
}

// AddRoom and RemoveRoom are called by the chat registry only
func (s *Session) AddRoom(groupID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[groupID] = struct{}{}
}

func (s *Session) RemoveRoom(groupID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, groupID)
}
