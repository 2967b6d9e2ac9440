// Package service implements the client workflows. Every workflow runs its
// database work through the transaction orchestrator and reports client
// visible events through the transaction context, so nothing is delivered
// for a rolled back attempt.
package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"pigeon/internal/chat"
	"pigeon/internal/location"
	"pigeon/internal/outbound"
	"pigeon/internal/session"
	"pigeon/internal/txn"
	"pigeon/pkg/interfaces"
	"pigeon/pkg/types"
)

// Handler runs one client request. The returned payload is sent back in the
// reply slot; on error it only carries correlation fields. A nil payload and
// nil error means the workflow answered with other events.
type Handler func(ctx context.Context, s *session.Session, data json.RawMessage) (types.Payload, error)

// Scheduler runs background work; *hub.Hub implements it
type Scheduler interface {
	Schedule(task func())
	AfterFunc(d time.Duration, task func()) *time.Timer
}

// Config holds the workflow limits
type Config struct {
	TokenTTL        time.Duration
	MaxReadMessages int
	BcryptCost      int
	TaskTimeout     time.Duration

	LocationInterval time.Duration
}

// DefaultConfig returns the limits used in production
func DefaultConfig() Config {
	return Config{
		TokenTTL:        30 * 24 * time.Hour,
		MaxReadMessages: 100,
		BcryptCost:      bcrypt.DefaultCost,
		TaskTimeout:     30 * time.Second,

		LocationInterval: time.Second,
	}
}

// Service wires the workflows to their collaborators
type Service struct {
	orch      *txn.Orchestrator
	rooms     *chat.Registry
	locations *location.Registry
	sessions  *session.Manager
	sched     Scheduler
	mailer    interfaces.Mailer
	config    Config
	log       *slog.Logger
	now       func() time.Time

	mu     sync.Mutex
	timers map[int64]*time.Timer
}

// Option customizes a Service
type Option func(*Service)

// WithClock replaces the wall clock, mostly for tests
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLocations shares a location registry, for instance with the stats
// endpoint. By default the service builds its own.
func WithLocations(l *location.Registry) Option {
	return func(s *Service) { s.locations = l }
}

// WithConfig replaces DefaultConfig
func WithConfig(c Config) Option {
	return func(s *Service) { s.config = c }
}

// New creates the workflow service
func New(orch *txn.Orchestrator, rooms *chat.Registry, sessions *session.Manager, sched Scheduler,
	mailer interfaces.Mailer, log *slog.Logger, opts ...Option) *Service {
	s := &Service{
		orch:     orch,
		rooms:    rooms,
		sessions: sessions,
		sched:    sched,
		mailer:   mailer,
		config:   DefaultConfig(),
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
		timers:   make(map[int64]*time.Timer),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.locations == nil {
		s.locations = location.NewRegistry(sched, s.config.LocationInterval, log)
	}
	return s
}

// Handlers returns the request table keyed by client event name
func (s *Service) Handlers() map[string]Handler {
	return map[string]Handler{
		"registerAccount":      s.RegisterAccount,
		"passwordLogin":        s.PasswordLogin,
		"sessionLogin":         s.SessionLogin,
		"logout":               s.Logout,
		"getContactList":       s.GetContactList,
		"addContact":           s.AddContact,
		"removeContact":        s.RemoveContact,
		"getGroupList":         s.GetGroupList,
		"addGroup":             s.AddGroup,
		"inviteGroupMembers":   s.InviteGroupMembers,
		"exitGroup":            s.ExitGroup,
		"joinContactChat":      s.JoinContactChat,
		"sendMessage":          s.SendMessage,
		"readMessage":          s.ReadMessage,
		"readRecentMessage":    s.ReadRecentMessage,
		"readNbreadOfMessages": s.ReadNbreadOfMessages,
		"ackMessage":           s.AckMessage,
		"joinChat":             s.JoinChat,
		"leaveChat":            s.LeaveChat,
		"getMemberJoinHistory": s.GetMemberJoinHistory,
		"getEventList":         s.GetEventList,
		"createEvent":          s.CreateEvent,
		"eventExit":            s.EventExit,
		"eventAck":             s.EventAck,

		"joinRealtimeLocationShare": s.JoinRealtimeLocationShare,
		"updateRealtimeLocation":    s.UpdateRealtimeLocation,
		"exitRealtimeLocationShare": s.ExitRealtimeLocationShare,
	}
}

// NeedsLogin reports whether event requires a logged in session
func NeedsLogin(event string) bool {
	switch event {
	case "registerAccount", "passwordLogin", "sessionLogin":
		return false
	}
	return true
}

func userOf(s *session.Session) (int64, error) {
	id := s.UserID()
	if id == 0 {
		return 0, types.ErrNotLoggedIn
	}
	return id, nil
}

// notifyUsers sends one event to every live session of userIDs except skip
func (s *Service) notifyUsers(n outbound.Notifier, userIDs []int64, skip *session.Session, name string, payload any) {
	for _, sess := range s.sessions.UsersSessions(userIDs) {
		if sess == skip {
			continue
		}
		n.Notify(sess.Queue(), name, payload)
	}
}

// joinRoom puts the live sessions of userIDs in the room of groupID and
// takes them out again if the attempt rolls back
func (s *Service) joinRoom(tc *txn.Context, groupID int64, userIDs []int64) {
	s.joinSessions(tc, groupID, s.sessions.UsersSessions(userIDs))
}

func (s *Service) joinSessions(tc *txn.Context, groupID int64, sessions []*session.Session) {
	joined := s.rooms.Join(groupID, sessions, tc)
	if len(joined) == 0 {
		return
	}
	tc.OnRollback(func() {
		if _, err := s.rooms.Leave(groupID, joined, outbound.Silent{}); err != nil {
			s.log.Error("Undo room join failed", "group", groupID, "error", err)
		}
	})
}

// background runs task on the scheduler with its own deadline
func (s *Service) background(name string, task func(ctx context.Context) error) {
	s.sched.Schedule(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.TaskTimeout)
		defer cancel()
		if err := task(ctx); err != nil {
			s.log.Warn("Background task failed", "task", name, "error", err)
		}
	})
}
