package outbound

import (
	"container/list"
	"fmt"
	"log/slog"
	"sync"

	"pigeon/pkg/interfaces"
)

// State of an outbound event
type State int

const (
	Pending State = iota
	Ready
	Fired
	Cancelled
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Ready:
		return "ready"
	case Fired:
		return "fired"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Scheduler runs task later, outside the caller's stack.
type Scheduler func(task func())

// GoScheduler runs every task on its own goroutine
func GoScheduler(task func()) { go task() }

// Event is the handle returned by Push
type Event struct {
	queue   *Queue
	elem    *list.Element
	name    string
	payload any
	state   State
}

// Name returns the event name
func (e *Event) Name() string { return e.name }

// Queue returns the queue the event was pushed on
func (e *Event) Queue() *Queue { return e.queue }

// State returns the current state of the event
func (e *Event) State() State {
	e.queue.mu.Lock()
	defer e.queue.mu.Unlock()
	return e.state
}

// SetPayload replaces the payload of an event that has not been fired yet.
// Reply slots are pushed before their payload is known.
func (e *Event) SetPayload(payload any) {
	e.queue.mu.Lock()
	defer e.queue.mu.Unlock()
	if e.state != Pending {
		panic(fmt.Errorf("%w: set payload on %s event %q", ErrUnknownEvent, e.state, e.name))
	}
	e.payload = payload
}

// Queue orders the events of one connection.
// ARCHITECTURAL DISCOVERY: Events leave in push order whatever the order of
// Fire calls; a single flusher at a time owns delivery so Emit calls on the
// connection never overlap
type Queue struct {
	mu       sync.Mutex
	events   *list.List
	flushing bool

	emitter  interfaces.Emitter
	schedule Scheduler
	log      *slog.Logger
}

// NewQueue creates a queue delivering to emitter. A nil schedule runs
// cascade steps on fresh goroutines.
func NewQueue(emitter interfaces.Emitter, schedule Scheduler, log *slog.Logger) *Queue {
	if schedule == nil {
		schedule = GoScheduler
	}
	if log == nil {
		log = slog.Default()
	}
	return &Queue{
		events:   list.New(),
		emitter:  emitter,
		schedule: schedule,
		log:      log,
	}
}

// Push appends a pending event at the tail
func (q *Queue) Push(name string, payload any) *Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	e := &Event{queue: q, name: name, payload: payload, state: Pending}
	e.elem = q.events.PushBack(e)
	return e
}

// Fire marks e ready. If e is the head it is delivered now and the
// following ready events are delivered by scheduled cascade steps.
func (q *Queue) Fire(e *Event) {
	q.mu.Lock()
	q.mustOwn(e, Pending)
	e.state = Ready

	if q.flushing || q.events.Front() != e.elem {
		q.mu.Unlock()
		return
	}
	q.flushing = true
	q.pop(e)
	q.mu.Unlock()

	q.deliver(e)
	q.next()
}

// Cancel removes e from the queue; nothing is delivered for it.
func (q *Queue) Cancel(e *Event) {
	q.mu.Lock()
	q.mustOwn(e, Pending, Ready)

	q.events.Remove(e.elem)
	e.elem = nil
	e.state = Cancelled

	if !q.flushing && q.headReady() {
		q.flushing = true
		q.mu.Unlock()
		q.schedule(q.step)
		return
	}
	q.mu.Unlock()
}

// Len returns the number of events waiting in the queue
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.events.Len()
}

// next hands the flush over to a scheduled step or ends it
func (q *Queue) next() {
	q.mu.Lock()
	if q.headReady() {
		q.mu.Unlock()
		q.schedule(q.step)
		return
	}
	q.flushing = false
	q.mu.Unlock()
}

// step delivers one ready head event
func (q *Queue) step() {
	q.mu.Lock()
	if !q.headReady() {
		q.flushing = false
		q.mu.Unlock()
		return
	}
	e := q.events.Front().Value.(*Event)
	q.pop(e)
	q.mu.Unlock()

	q.deliver(e)
	q.next()
}

func (q *Queue) headReady() bool {
	front := q.events.Front()
	return front != nil && front.Value.(*Event).state == Ready
}

func (q *Queue) pop(e *Event) {
	q.events.Remove(e.elem)
	e.elem = nil
	e.state = Fired
}

func (q *Queue) deliver(e *Event) {
	if err := q.emitter.Emit(e.name, e.payload); err != nil {
		q.log.Warn("Event delivery failed", "event", e.name, "error", err)
	}
}

// mustOwn panics when e does not belong to q or is not in one of states.
// Caller holds q.mu; the lock is released before panicking.
func (q *Queue) mustOwn(e *Event, states ...State) {
	if e == nil || e.queue != q {
		q.mu.Unlock()
		panic(ErrForeignEvent)
	}
	for _, s := range states {
		if e.state == s {
			return
		}
	}
	state := e.state
	q.mu.Unlock()
	panic(fmt.Errorf("%w: %q is %s", ErrUnknownEvent, e.name, state))
}
