// Package websocket carries client frames between gorilla sockets and the router.
package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"pigeon/internal/outbound"
	"pigeon/internal/session"
	"pigeon/pkg/types"
)

// Dispatcher runs client requests; *router.Router implements it
type Dispatcher interface {
	Dispatch(ctx context.Context, sess *session.Session, env types.Envelope) error
	Forget(sess *session.Session)
}

// Lifecycle is told when a socket session ends; *service.Service implements it
type Lifecycle interface {
	Disconnect(sess *session.Session)
}

// Config tunes socket handling
type Config struct {
	ReadLimit    int64         `json:"read_limit"`
	PongWait     time.Duration `json:"pong_wait"`
	PingInterval time.Duration `json:"ping_interval"`
	WriteTimeout time.Duration `json:"write_timeout"`
	SendBuffer   int           `json:"send_buffer"`
}

// DefaultConfig returns the socket settings used in production
// TECHNICAL DISCOVERY: 60-second read deadline with 30-second ping interval
// provides reliable connection health monitoring
func DefaultConfig() Config {
	return Config{
		ReadLimit:    64 * 1024,
		PongWait:     60 * time.Second,
		PingInterval: 30 * time.Second,
		WriteTimeout: 5 * time.Second,
		SendBuffer:   100,
	}
}

// WebSocket upgrader with production-ready settings
// ARCHITECTURAL DISCOVERY: Separate upgrader configuration enables reuse
// and consistent WebSocket settings across different handler instances
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// FUNCTIONAL DISCOVERY: Allow all origins; clients are native apps
		return true
	},
	HandshakeTimeout: 10 * time.Second,
}

// Handler accepts socket connections and pumps their frames into the router
// ARCHITECTURAL DISCOVERY: Clean separation of WebSocket handling from business logic
type Handler struct {
	sessions  *session.Manager
	router    Dispatcher
	lifecycle Lifecycle
	schedule  outbound.Scheduler
	config    Config
	log       *slog.Logger
}

// NewHandler creates a new WebSocket handler with dependency injection.
// schedule runs outbound cascade steps, usually hub.Schedule.
func NewHandler(sessions *session.Manager, router Dispatcher, lifecycle Lifecycle,
	schedule outbound.Scheduler, config Config, log *slog.Logger) *Handler {
	if schedule == nil {
		schedule = outbound.GoScheduler
	}
	return &Handler{
		sessions:  sessions,
		router:    router,
		lifecycle: lifecycle,
		schedule:  schedule,
		config:    config,
		log:       log,
	}
}

// HandleWebSocket upgrades the request and serves the socket until it closes
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn := NewConnection(ws, h.config.SendBuffer, h.config.WriteTimeout)
	sess := session.New(conn, h.schedule, h.log)
	if err := h.sessions.Connect(sess); err != nil {
		h.log.Error("Failed to track session", "error", err)
		_ = conn.Close()
		return
	}
	h.log.Info("Socket connected", "session", sess.ID(), "remote", r.RemoteAddr)

	// FUNCTIONAL DISCOVERY: in-flight workflows outlive the socket so a
	// disconnect never aborts a half-done transaction
	ctx := context.WithoutCancel(r.Context())
	h.serve(ctx, conn, sess)
}

// serve runs the read pump; it returns when the socket is gone
// ARCHITECTURAL DISCOVERY: Single goroutine per connection reads frames;
// a ticker goroutine keeps the heartbeat going
func (h *Handler) serve(ctx context.Context, conn *Connection, sess *session.Session) {
	defer func() {
		// FUNCTIONAL DISCOVERY: Deferred cleanup ensures resources are released
		// even if connection handling exits unexpectedly
		h.lifecycle.Disconnect(sess)
		h.router.Forget(sess)
		_ = conn.Close()
		h.log.Info("Socket closed", "session", sess.ID(), "user", sess.UserID())
	}()

	ws := conn.conn
	if h.config.ReadLimit > 0 {
		ws.SetReadLimit(h.config.ReadLimit)
	}
	if err := ws.SetReadDeadline(time.Now().Add(h.config.PongWait)); err != nil {
		return
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.config.PongWait))
	})
	go h.heartbeat(conn)

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("WebSocket read ended", "session", sess.ID(), "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var env types.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			// TECHNICAL DISCOVERY: without an event name there is nothing to answer
			h.log.Warn("Dropping malformed frame", "session", sess.ID(), "error", ErrInvalidFrame)
			continue
		}
		if err := h.router.Dispatch(ctx, sess, env); err != nil {
			h.log.Debug("Request refused", "session", sess.ID(), "event", env.Event, "error", err)
		}
	}
}

func (h *Handler) heartbeat(conn *Connection) {
	if h.config.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(h.config.WriteTimeout)
			if err := conn.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				_ = conn.Close()
				return
			}
		case <-conn.Done():
			return
		}
	}
}
