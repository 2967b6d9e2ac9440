package txn

import (
	"errors"
	"fmt"
)

var (
	ErrNoSteps       = errors.New("pipeline has no steps")
	ErrContextClosed = errors.New("transaction context already finished")
)

// PanicError carries a panic recovered from a pipeline step
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in pipeline step: %v", e.Value)
}

// Unwrap exposes a panicked error value
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
