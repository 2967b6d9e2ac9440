package router

import "errors"

// Router errors. Both surface to clients as "invalid argument".
var (
	ErrUnknownEvent      = errors.New("unknown event")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
)
