package hub

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
)

func newHub(workers, queue int) *Hub {
	return NewHub(Config{Workers: workers, QueueSize: queue}, logs.GetLoggerFromLevel(slog.LevelDebug))
}

func TestHub_StartStop(t *testing.T) {
	req := require.New(t)
	h := newHub(2, 8)
	ctx := context.Background()

	req.NoError(h.Start(ctx))
	req.True(h.IsRunning())
	req.ErrorIs(h.Start(ctx), ErrHubAlreadyRunning)

	req.NoError(h.Stop())
	req.False(h.IsRunning())
	req.ErrorIs(h.Stop(), ErrHubNotRunning)

	// a stopped hub cannot be restarted
	req.ErrorIs(h.Start(ctx), ErrHubNotRunning)
}

func TestHub_PostRunsTasks(t *testing.T) {
	req := require.New(t)
	h := newHub(4, 64)
	req.NoError(h.Start(context.Background()))
	defer func() { _ = h.Stop() }()

	var wg sync.WaitGroup
	var ran atomic.Int64
	for i := 0; i < 50; i++ {
		wg.Add(1)
		req.NoError(h.Post(func() {
			defer wg.Done()
			ran.Add(1)
		}))
	}
	wg.Wait()

	req.Equal(int64(50), ran.Load())
	req.Eventually(func() bool { return h.GetStats()["completed_tasks"] == 50 }, time.Second, 5*time.Millisecond)
	req.Equal(50, h.GetStats()["posted_tasks"])
}

func TestHub_PostErrors(t *testing.T) {
	req := require.New(t)
	h := newHub(1, 1)

	// Given a stopped hub, posting fails
	req.ErrorIs(h.Post(func() {}), ErrHubNotRunning)
	req.ErrorIs(h.Post(nil), ErrNilTask)

	// Given a single busy worker and a full queue
	req.NoError(h.Start(context.Background()))
	release := make(chan struct{})
	started := make(chan struct{})
	req.NoError(h.Post(func() { close(started); <-release }))
	<-started
	req.NoError(h.Post(func() {}))

	// Then the next post is rejected
	req.ErrorIs(h.Post(func() {}), ErrTaskQueueFull)

	close(release)
	req.NoError(h.Stop())
}

func TestHub_ScheduleNeverDrops(t *testing.T) {
	req := require.New(t)
	h := newHub(1, 0)

	// stopped hub: Schedule falls back to a goroutine
	done := make(chan struct{})
	h.Schedule(func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		req.Fail("scheduled task did not run")
	}
}

func TestHub_PanicDoesNotKillWorker(t *testing.T) {
	req := require.New(t)
	h := newHub(1, 4)
	req.NoError(h.Start(context.Background()))
	defer func() { _ = h.Stop() }()

	req.NoError(h.Post(func() { panic("boom") }))
	done := make(chan struct{})
	req.NoError(h.Post(func() { close(done) }))

	select {
	case <-done:
	case <-time.After(time.Second):
		req.Fail("worker died after a panic")
	}
	req.Equal(1, h.GetStats()["panicked_tasks"])
}

func TestHub_AfterFunc(t *testing.T) {
	req := require.New(t)
	h := newHub(1, 4)
	req.NoError(h.Start(context.Background()))
	defer func() { _ = h.Stop() }()

	done := make(chan struct{})
	h.AfterFunc(10*time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		req.Fail("timer task did not run")
	}
}

func TestHub_ContextCancelStopsWorkers(t *testing.T) {
	req := require.New(t)
	h := newHub(2, 4)
	ctx, cancel := context.WithCancel(context.Background())
	req.NoError(h.Start(ctx))

	// When the start context ends
	cancel()

	// Then no task is queued for workers that are gone
	req.False(h.IsRunning())
	req.ErrorIs(h.Post(func() {}), ErrHubNotRunning)

	// and scheduled work still runs
	ran := make(chan struct{})
	h.Schedule(func() { close(ran) })
	select {
	case <-ran:
	case <-time.After(time.Second):
		req.Fail("scheduled task never ran")
	}

	// Stop returns once the workers observed the cancellation
	req.NoError(h.Stop())
}
