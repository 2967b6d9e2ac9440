// Package hub runs request workflows and deferred work on a fixed pool of
// worker goroutines.
package hub

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// Config sizes the worker pool
type Config struct {
	Workers   int `json:"workers"`
	QueueSize int `json:"queue_size"`
}

// DefaultConfig returns the pool used in production
func DefaultConfig() Config {
	return Config{Workers: 32, QueueSize: 4096}
}

// Hub is a worker pool.
// ARCHITECTURAL DISCOVERY: Every connection's requests, the cascade steps of
// outbound queues and timer callbacks are posted here, so a slow workflow
// never blocks the read pump of its connection
type Hub struct {
	// FUNCTIONAL DISCOVERY: Buffered channel absorbs request bursts
	tasks    chan func()
	shutdown chan struct{}
	workers  int
	wg       sync.WaitGroup

	// TECHNICAL DISCOVERY: RWMutex allows concurrent reads of running state
	running bool
	done    <-chan struct{} // the Start context; workers leave when it closes
	mu      sync.RWMutex

	posted    atomic.Int64
	completed atomic.Int64
	panicked  atomic.Int64

	log *slog.Logger
}

// NewHub creates a stopped hub
func NewHub(cfg Config, log *slog.Logger) *Hub {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		tasks:    make(chan func(), cfg.QueueSize),
		shutdown: make(chan struct{}),
		workers:  cfg.Workers,
		log:      log,
	}
}

// Start launches the workers. They stop on Stop or when ctx is done.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return ErrHubAlreadyRunning
	}
	select {
	case <-h.shutdown:
		return ErrHubNotRunning
	default:
	}
	h.running = true
	h.done = ctx.Done()

	for i := 0; i < h.workers; i++ {
		h.wg.Add(1)
		go h.run(ctx)
	}
	h.log.Info("Hub started", "workers", h.workers, "queue_size", cap(h.tasks))
	return nil
}

// Stop signals the workers and waits for running tasks to finish.
// Queued tasks that no worker picked up are dropped.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	// TECHNICAL DISCOVERY: Safe channel close using select to prevent panic
	select {
	case <-h.shutdown:
	default:
		close(h.shutdown)
	}
	h.mu.Unlock()

	h.wg.Wait()
	h.log.Info("Hub stopped", "dropped", len(h.tasks))
	return nil
}

// IsRunning reports whether the hub accepts tasks
func (h *Hub) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.acceptsLocked()
}

// acceptsLocked is false once Stop ran or the Start context ended, since no
// worker would pick a queued task up
func (h *Hub) acceptsLocked() bool {
	if !h.running {
		return false
	}
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Post queues task without blocking
func (h *Hub) Post(task func()) error {
	if task == nil {
		return ErrNilTask
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.acceptsLocked() {
		return ErrHubNotRunning
	}
	select {
	case h.tasks <- task:
		h.posted.Add(1)
		return nil
	default:
		return ErrTaskQueueFull
	}
}

// Schedule queues task and falls back to a fresh goroutine when the hub is
// stopped or full. Work handed to Schedule is never dropped.
func (h *Hub) Schedule(task func()) {
	if err := h.Post(task); err != nil {
		go h.execute(task)
	}
}

// AfterFunc schedules task after d
func (h *Hub) AfterFunc(d time.Duration, task func()) *time.Timer {
	return time.AfterFunc(d, func() { h.Schedule(task) })
}

// GetStats returns counters for the stats endpoint
func (h *Hub) GetStats() map[string]int {
	return map[string]int{
		"workers":         h.workers,
		"queued_tasks":    len(h.tasks),
		"posted_tasks":    int(h.posted.Load()),
		"completed_tasks": int(h.completed.Load()),
		"panicked_tasks":  int(h.panicked.Load()),
	}
}

func (h *Hub) run(ctx context.Context) {
	defer h.wg.Done()
	for {
		select {
		case task := <-h.tasks:
			h.execute(task)
			h.completed.Add(1)
		case <-h.shutdown:
			return
		case <-ctx.Done():
			return
		}
	}
}

// execute runs task; a panic is logged and the worker survives it
func (h *Hub) execute(task func()) {
	defer func() {
		if r := recover(); r != nil {
			h.panicked.Add(1)
			h.log.Error("Hub task panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	task()
}
