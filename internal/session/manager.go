package session

import (
	"log/slog"
	"sync"

	"github.com/samber/lo"
)

// Manager tracks live sessions and the sessions of each logged in user.
// ARCHITECTURAL DISCOVERY: Two-level map (user -> session id -> session) gives
// O(1) fan-out to every device of a user; empty user entries are deleted
type Manager struct {
	mu        sync.RWMutex
	connected map[string]*Session
	byUser    map[int64]map[string]*Session
	log       *slog.Logger
}

// NewManager creates an empty session manager
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		connected: make(map[string]*Session),
		byUser:    make(map[int64]map[string]*Session),
		log:       log,
	}
}

// Connect tracks a freshly opened session
func (m *Manager) Connect(s *Session) error {
	if s == nil {
		return ErrNilSession
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected[s.ID()] = s
	return nil
}

// Disconnect forgets s entirely
func (m *Manager) Disconnect(s *Session) {
	if s == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.connected, s.ID())
	m.removeLocked(s)
}

// Add indexes a logged in session under its user
func (m *Manager) Add(s *Session) error {
	if s == nil {
		return ErrNilSession
	}
	userID := s.UserID()
	if userID == 0 {
		return ErrNotLoggedIn
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	sessions, ok := m.byUser[userID]
	if !ok {
		sessions = make(map[string]*Session)
		m.byUser[userID] = sessions
	}
	sessions[s.ID()] = s
	m.log.Debug("Session added", "user", userID, "session", s.ID(), "devices", len(sessions))
	return nil
}

// Remove drops s from its user's sessions; idempotent
func (m *Manager) Remove(s *Session) {
	if s == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(s)
}

func (m *Manager) removeLocked(s *Session) {
	for userID, sessions := range m.byUser {
		if _, ok := sessions[s.ID()]; !ok {
			continue
		}
		delete(sessions, s.ID())
		if len(sessions) == 0 {
			delete(m.byUser, userID)
		}
		return
	}
}

// UserSessions returns the live sessions of one user
func (m *Manager) UserSessions(userID int64) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lo.Values(m.byUser[userID])
}

// UsersSessions returns the live sessions of every user in userIDs.
// Duplicate ids yield each session once.
func (m *Manager) UsersSessions(userIDs []int64) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Session
	for _, id := range lo.Uniq(userIDs) {
		out = append(out, lo.Values(m.byUser[id])...)
	}
	return out
}

// Connected returns every open session, logged in or not
func (m *Manager) Connected() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lo.Values(m.connected)
}

// IsOnline reports whether the user has at least one live session
func (m *Manager) IsOnline(userID int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byUser[userID]) > 0
}

// GetStats returns counters for the health endpoint
func (m *Manager) GetStats() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	logged := 0
	for _, sessions := range m.byUser {
		logged += len(sessions)
	}
	return map[string]int{
		"connected_sessions": len(m.connected),
		"logged_in_sessions": logged,
		"online_users":       len(m.byUser),
	}
}
