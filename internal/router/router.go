// Package router dispatches client requests to workflows.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"pigeon/internal/outbound"
	"pigeon/internal/service"
	"pigeon/internal/session"
	"pigeon/pkg/types"
)

// Poster queues a task on the worker pool; *hub.Hub implements it
type Poster interface {
	Post(task func()) error
}

// Router maps client event names to workflow handlers
// ARCHITECTURAL DISCOVERY: Pure request routing without session management or
// connection handling; replies travel through the session's outbound queue
type Router struct {
	handlers   map[string]service.Handler
	needsLogin func(event string) bool
	poster     Poster
	limiter    *RateLimiter
	timeout    time.Duration
	log        *slog.Logger
}

// Config holds the dispatch limits
type Config struct {
	// RequestTimeout bounds one workflow run
	RequestTimeout time.Duration
}

// NewRouter creates a router over handlers
// FUNCTIONAL DISCOVERY: Dependency injection enables testing with fake handlers
func NewRouter(handlers map[string]service.Handler, needsLogin func(string) bool, poster Poster,
	limiter *RateLimiter, cfg Config, log *slog.Logger) *Router {
	if needsLogin == nil {
		needsLogin = func(string) bool { return false }
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &Router{
		handlers:   handlers,
		needsLogin: needsLogin,
		poster:     poster,
		limiter:    limiter,
		timeout:    cfg.RequestTimeout,
		log:        log,
	}
}

// Dispatch starts one request of sess. It pushes the reply slot at once so
// replies leave in request order, then runs the workflow on the worker
// pool. Requests refused before running are answered with a fail reply and
// the refusal is returned.
func (r *Router) Dispatch(ctx context.Context, sess *session.Session, env types.Envelope) error {
	q := sess.Queue()
	reply := q.Push(env.Event, nil)

	handler, ok := r.handlers[env.Event]
	if !ok {
		return r.refuse(q, reply, fmt.Errorf("%w: %w %q", types.ErrValidation, ErrUnknownEvent, env.Event))
	}
	if r.limiter != nil && !r.limiter.Allow(sess.ID()) {
		return r.refuse(q, reply, fmt.Errorf("%w: %w", types.ErrValidation, ErrRateLimitExceeded))
	}
	if r.needsLogin(env.Event) && !sess.IsLoggedIn() {
		return r.refuse(q, reply, types.ErrNotLoggedIn)
	}

	err := r.poster.Post(func() { r.run(ctx, sess, handler, env, reply) })
	if err != nil {
		r.log.Warn("Request dropped", "event", env.Event, "session", sess.ID(), "error", err)
		return r.refuse(q, reply, err)
	}
	return nil
}

func (r *Router) refuse(q *outbound.Queue, reply *outbound.Event, err error) error {
	reply.SetPayload(types.Fail(err, nil))
	q.Fire(reply)
	return err
}

// run executes a handler and settles its reply slot exactly once
func (r *Router) run(ctx context.Context, sess *session.Session, handler service.Handler, env types.Envelope, reply *outbound.Event) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	var (
		payload types.Payload
		err     error
	)
	func() {
		// TECHNICAL DISCOVERY: A panicking handler must still settle its slot,
		// otherwise every later reply of the session waits forever
		defer func() {
			if p := recover(); p != nil {
				r.log.Error("Handler panicked", "event", env.Event, "panic", p, "stack", string(debug.Stack()))
				payload, err = nil, fmt.Errorf("handler panic: %v: %w", p, types.ErrInconsistent)
			}
		}()
		payload, err = handler(ctx, sess, env.Data)
	}()

	r.settle(sess.Queue(), reply, env.Event, payload, err)
	r.log.Debug("Request done", "event", env.Event, "session", sess.ID(), "took", time.Since(start), "error", err)
}

// settle fills or cancels a reply slot
// FUNCTIONAL DISCOVERY: Already-done outcomes are idempotent successes
func (r *Router) settle(q *outbound.Queue, reply *outbound.Event, event string, payload types.Payload, err error) {
	switch {
	case err == nil && payload == nil:
		q.Cancel(reply)
		return
	case err == nil || types.IsAlreadyDone(err):
		reply.SetPayload(types.Success(payload))
	default:
		if types.ClientMessage(err) == "server error" {
			r.log.Error("Request failed", "event", event, "error", err)
		}
		reply.SetPayload(types.Fail(err, payload))
	}
	q.Fire(reply)
}

// Forget releases the per-session state of a closed session
func (r *Router) Forget(sess *session.Session) {
	if r.limiter != nil {
		r.limiter.Forget(sess.ID())
	}
}

// Events returns the number of routed event names
func (r *Router) Events() int {
	return len(r.handlers)
}
