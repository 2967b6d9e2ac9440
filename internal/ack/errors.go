package ack

import "errors"

var (
	ErrInvalidRange    = errors.New("invalid ack range")
	ErrBrokenIntervals = errors.New("stored ack intervals overlap or touch")
)
