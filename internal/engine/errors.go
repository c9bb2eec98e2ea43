package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrPastTime rejects a one-time schedule whose target is not in the future.
	ErrPastTime = errors.New("target time is not in the future")
	// ErrNotFound is returned when canceling an unknown job id.
	ErrNotFound = errors.New("no such scheduled job")
	// ErrRecurrenceOverflow means the fast-forward loop exceeded its bound or
	// the calculator stopped advancing. Fatal for that job only.
	ErrRecurrenceOverflow = errors.New("recurrence fast-forward exceeded bound")
	// ErrClosed is returned once the engine has been shut down.
	ErrClosed = errors.New("engine closed")
)

// StorageError wraps a durable-persist failure. The triggering in-memory
// mutation has been rolled back when this is returned.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
