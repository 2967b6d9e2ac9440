package router_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"

	"pigeon/internal/hub"
	"pigeon/internal/router"
	"pigeon/internal/service"
	"pigeon/internal/session"
	"pigeon/pkg/types"
)

type frame struct {
	name    string
	payload types.Payload
}

type recorder struct {
	mu     sync.Mutex
	frames []frame
}

func (r *recorder) Emit(name string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, _ := payload.(types.Payload)
	r.frames = append(r.frames, frame{name: name, payload: p})
	return nil
}

func (r *recorder) Close() error { return nil }

func (r *recorder) snapshot() []frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]frame(nil), r.frames...)
}

func startHub(t *testing.T, log *slog.Logger) *hub.Hub {
	t.Helper()
	h := hub.NewHub(hub.Config{Workers: 4, QueueSize: 64}, log)
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(func() { _ = h.Stop() })
	return h
}

func newSession(log *slog.Logger) (*session.Session, *recorder) {
	rec := &recorder{}
	return session.New(rec, func(task func()) { task() }, log), rec
}

func envelope(event string) types.Envelope {
	return types.Envelope{Event: event, Data: json.RawMessage(`{}`)}
}

func waitFrames(t *testing.T, rec *recorder, n int) []frame {
	t.Helper()
	require.Eventually(t, func() bool { return len(rec.snapshot()) >= n }, 2*time.Second, 5*time.Millisecond)
	return rec.snapshot()
}

func TestRouter_RepliesKeepRequestOrder(t *testing.T) {
	req := require.New(t)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	h := startHub(t, log)

	// Given a slow handler followed by a fast one
	release := make(chan struct{})
	handlers := map[string]service.Handler{
		"slow": func(context.Context, *session.Session, json.RawMessage) (types.Payload, error) {
			<-release
			return types.Payload{"n": 1}, nil
		},
		"fast": func(context.Context, *session.Session, json.RawMessage) (types.Payload, error) {
			return types.Payload{"n": 2}, nil
		},
	}
	r := router.NewRouter(handlers, nil, h, nil, router.Config{}, log)
	sess, rec := newSession(log)

	// When both are dispatched
	req.NoError(r.Dispatch(context.Background(), sess, envelope("slow")))
	req.NoError(r.Dispatch(context.Background(), sess, envelope("fast")))
	time.Sleep(20 * time.Millisecond)
	req.Empty(rec.snapshot())
	close(release)

	// Then the replies leave in request order
	frames := waitFrames(t, rec, 2)
	req.Equal("slow", frames[0].name)
	req.Equal("fast", frames[1].name)
	req.Equal(types.StatusSuccess, frames[1].payload["status"])
}

func TestRouter_Outcomes(t *testing.T) {
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	h := startHub(t, log)
	handlers := map[string]service.Handler{
		"done": func(context.Context, *session.Session, json.RawMessage) (types.Payload, error) {
			return types.Payload{"groupId": int64(3)}, types.ErrAlreadyAcked
		},
		"denied": func(context.Context, *session.Session, json.RawMessage) (types.Payload, error) {
			return types.Payload{"sendId": "s1"}, types.ErrNotAuthorized
		},
		"broken": func(context.Context, *session.Session, json.RawMessage) (types.Payload, error) {
			return nil, errors.New("disk on fire")
		},
		"panics": func(context.Context, *session.Session, json.RawMessage) (types.Payload, error) {
			panic("boom")
		},
		"private": func(context.Context, *session.Session, json.RawMessage) (types.Payload, error) {
			return nil, nil
		},
	}
	needsLogin := func(event string) bool { return event == "private" }

	tests := []struct {
		name     string
		event    string
		status   string
		errorMsg string
		field    string
	}{
		{name: "already done is success", event: "done", status: types.StatusSuccess, field: "groupId"},
		{name: "fail keeps correlation", event: "denied", status: types.StatusFail, errorMsg: "not authorized", field: "sendId"},
		{name: "internal errors are hidden", event: "broken", status: types.StatusFail, errorMsg: "server error"},
		{name: "panic still replies", event: "panics", status: types.StatusFail, errorMsg: "server error"},
		{name: "unknown event", event: "nope", status: types.StatusFail, errorMsg: "invalid argument"},
		{name: "login required", event: "private", status: types.StatusFail, errorMsg: types.ErrNotLoggedIn.Error()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := require.New(t)
			r := router.NewRouter(handlers, needsLogin, h, nil, router.Config{}, log)
			sess, rec := newSession(log)

			_ = r.Dispatch(context.Background(), sess, envelope(tt.event))

			frames := waitFrames(t, rec, 1)
			req.Equal(tt.event, frames[0].name)
			req.Equal(tt.status, frames[0].payload["status"])
			if tt.errorMsg != "" {
				req.Equal(tt.errorMsg, frames[0].payload["errorMsg"])
			}
			if tt.field != "" {
				req.Contains(frames[0].payload, tt.field)
			}
		})
	}
}

func TestRouter_CancelledReplyUnblocksQueue(t *testing.T) {
	req := require.New(t)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	h := startHub(t, log)
	handlers := map[string]service.Handler{
		"quiet": func(context.Context, *session.Session, json.RawMessage) (types.Payload, error) {
			return nil, nil
		},
		"loud": func(context.Context, *session.Session, json.RawMessage) (types.Payload, error) {
			return types.Payload{}, nil
		},
	}
	r := router.NewRouter(handlers, nil, h, nil, router.Config{}, log)
	sess, rec := newSession(log)

	req.NoError(r.Dispatch(context.Background(), sess, envelope("quiet")))
	req.NoError(r.Dispatch(context.Background(), sess, envelope("loud")))

	frames := waitFrames(t, rec, 1)
	req.Len(frames, 1)
	req.Equal("loud", frames[0].name)
	req.Zero(sess.Queue().Len())
}

func TestRouter_RateLimitAndStoppedHub(t *testing.T) {
	req := require.New(t)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	h := startHub(t, log)
	handlers := map[string]service.Handler{
		"ping": func(context.Context, *session.Session, json.RawMessage) (types.Payload, error) {
			return types.Payload{}, nil
		},
	}
	limiter := router.NewRateLimiter(2, time.Minute)
	r := router.NewRouter(handlers, nil, h, limiter, router.Config{}, log)
	sess, rec := newSession(log)

	// When a session goes over its budget
	req.NoError(r.Dispatch(context.Background(), sess, envelope("ping")))
	req.NoError(r.Dispatch(context.Background(), sess, envelope("ping")))
	err := r.Dispatch(context.Background(), sess, envelope("ping"))

	// Then the extra request is refused as invalid
	req.ErrorIs(err, router.ErrRateLimitExceeded)
	req.ErrorIs(err, types.ErrValidation)
	frames := waitFrames(t, rec, 3)
	req.Equal(types.StatusFail, frames[2].payload["status"])

	// Forgetting the session resets its budget
	r.Forget(sess)
	req.Zero(limiter.Size())

	// When the pool is gone requests are refused, not lost
	req.NoError(h.Stop())
	err = r.Dispatch(context.Background(), sess, envelope("ping"))
	req.ErrorIs(err, hub.ErrHubNotRunning)
	frames = waitFrames(t, rec, 4)
	req.Equal("server error", frames[3].payload["errorMsg"])
}
