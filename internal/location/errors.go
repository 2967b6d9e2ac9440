package location

import "errors"

var (
	ErrAlreadyJoined = errors.New("already sharing location in this event")
	ErrNotJoined     = errors.New("not sharing location in this event")
)
