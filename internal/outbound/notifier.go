package outbound

// Notifier delivers one event through a queue.
// Workflows pass a transactional notifier that defers firing until commit;
// code outside transactions uses Immediate.
type Notifier interface {
	Notify(q *Queue, name string, payload any)
}

// Immediate pushes and fires at once, so the event still waits behind
// earlier pending events of the same queue.
type Immediate struct{}

func (Immediate) Notify(q *Queue, name string, payload any) {
	q.Fire(q.Push(name, payload))
}

// Silent drops every notification
type Silent struct{}

func (Silent) Notify(*Queue, string, any) {}
