package hub

import "errors"

var (
	ErrHubAlreadyRunning = errors.New("hub is already running")
	ErrHubNotRunning     = errors.New("hub is not running")
	ErrTaskQueueFull     = errors.New("task queue is full")
	ErrNilTask           = errors.New("nil task")
)
