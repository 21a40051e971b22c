package engine

import (
	"errors"
	"fmt"
)

// ErrNotPermitted covers role, membership and current-state failures with a
// single message. Callers cannot tell which check failed.
var ErrNotPermitted = errors.New("action not permitted or invalid state")

// ErrConcurrentModification is returned when the compare-and-swap write
// finds the connection changed since it was read.
var ErrConcurrentModification = errors.New("connection was modified concurrently")

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
