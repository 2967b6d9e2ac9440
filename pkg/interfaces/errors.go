package interfaces

import "errors"

// Common interface errors used across components
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrPoolClosed       = errors.New("connection pool closed")
)
