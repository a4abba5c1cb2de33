package storage

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by [Store] implementations. Callers match them
// with [errors.Is].
var (
	// ErrJobNotFound is returned when a job lookup by id has no row.
	ErrJobNotFound = errors.New("storage: job not found")
	// ErrRoomNotFound is returned when a room lookup by id has no row.
	ErrRoomNotFound = errors.New("storage: room not found")
	// ErrBackwardTransition is returned when a patch would move a job's
	// status against the PENDING → PROCESSING → TRANSCRIBED → COMPLETED
	// order or out of a terminal state.
	ErrBackwardTransition = errors.New("storage: backward status transition")
)

// JobCreationError wraps a failure to insert a new job row.
type JobCreationError struct {
	JobID string
	Err   error
}

func (e *JobCreationError) Error() string {
	return fmt.Sprintf("storage: create job %s: %v", e.JobID, e.Err)
}

func (e *JobCreationError) Unwrap() error { return e.Err }

// StorageError wraps any backend failure not covered by a more specific
// error, tagged with the failing operation.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
