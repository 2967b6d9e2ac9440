package session

import "errors"

// Session lifecycle errors
var (
	ErrNilSession      = errors.New("session is nil")
	ErrNotLoggedIn     = errors.New("session is not logged in")
	ErrAlreadyLoggedIn = errors.New("session is already logged in")
	ErrLoginInProgress = errors.New("login already in progress")
	ErrSessionClosed   = errors.New("session is closed")
)
