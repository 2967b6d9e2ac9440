package outbound

import "errors"

// Handle misuse is a programming error; these are panic values.
var (
	ErrForeignEvent = errors.New("event belongs to another queue")
	ErrUnknownEvent = errors.New("event is no longer queued")
)
