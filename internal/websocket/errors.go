package websocket

import (
	"errors"

	"pigeon/pkg/interfaces"
)

// Connection-related errors
var (
	ErrConnectionClosed = interfaces.ErrConnectionClosed
	ErrWriteTimeout     = errors.New("write timeout")
	ErrInvalidJSON      = errors.New("invalid JSON data")
)

// Handler-related errors
var (
	ErrInvalidFrame = errors.New("invalid frame")
)
