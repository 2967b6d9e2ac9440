package txn

import (
	"log/slog"
	"slices"

	"pigeon/internal/outbound"
	"pigeon/pkg/interfaces"
)

// Context is the data bag of one pipeline attempt: the connection every
// step runs on and the values steps hand to each other.
// ARCHITECTURAL DISCOVERY: Outbound events and in-memory side effects are
// bound to the attempt, so a rollback can cancel or undo exactly what the
// attempt did and a commit can release it
type Context struct {
	conn interfaces.Conn
	data map[string]any
	log  *slog.Logger

	events        []*outbound.Event
	undo          []func()
	afterCommit   []func()
	compensations []func(error)
	done          bool
}

func newContext(conn interfaces.Conn, data map[string]any, log *slog.Logger) *Context {
	tc := &Context{
		conn: conn,
		data: make(map[string]any, len(data)),
		log:  log,
	}
	for k, v := range data {
		tc.data[k] = v
	}
	return tc
}

// Exec returns the executor every step must use
func (tc *Context) Exec() interfaces.Executor {
	return tc.conn
}

// Set stores a value for later steps
func (tc *Context) Set(key string, value any) {
	tc.data[key] = value
}

// Get returns a stored value
func (tc *Context) Get(key string) (any, bool) {
	v, ok := tc.data[key]
	return v, ok
}

// Value returns the value stored under key when it has type T
func Value[T any](tc *Context, key string) (T, bool) {
	v, ok := tc.data[key]
	if !ok {
		var zero T
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

// Notify pushes an event now and fires it when the transaction commits.
// A failed attempt cancels it, so it never reaches the connection.
func (tc *Context) Notify(q *outbound.Queue, name string, payload any) {
	tc.mustBeOpen()
	tc.events = append(tc.events, q.Push(name, payload))
}

// OnRollback registers an undo for an in-memory side effect of this
// attempt. Undos run newest first when the attempt fails.
func (tc *Context) OnRollback(f func()) {
	tc.mustBeOpen()
	tc.undo = append(tc.undo, f)
}

// AfterCommit registers work that must only happen once the data is
// durable, such as handing off to the mail service.
func (tc *Context) AfterCommit(f func()) {
	tc.mustBeOpen()
	tc.afterCommit = append(tc.afterCommit, f)
}

// compensate registers a hook of a nested pipeline; it runs only when
// the owning pipeline gives up.
func (tc *Context) compensate(f func(error)) {
	tc.compensations = append(tc.compensations, f)
}

var _ outbound.Notifier = (*Context)(nil)

func (tc *Context) mustBeOpen() {
	if tc.done {
		panic(ErrContextClosed)
	}
}

// commit fires the events of the attempt in push order, then runs the
// after-commit hooks
func (tc *Context) commit() {
	tc.done = true
	for _, e := range tc.events {
		e.Queue().Fire(e)
	}
	for _, f := range tc.afterCommit {
		f()
	}
	tc.events, tc.undo, tc.afterCommit = nil, nil, nil
}

// abort cancels the pushed events and undoes side effects newest first
func (tc *Context) abort() {
	tc.done = true
	for _, e := range tc.events {
		e.Queue().Cancel(e)
	}
	for _, f := range slices.Backward(tc.undo) {
		f()
	}
	tc.events, tc.undo, tc.afterCommit = nil, nil, nil
}

// runCompensations runs the hooks of nested pipelines, newest first
func (tc *Context) runCompensations(err error) {
	for _, f := range slices.Backward(tc.compensations) {
		f(err)
	}
	tc.compensations = nil
}
