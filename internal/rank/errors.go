package rank

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by stores when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when inserting a duplicate job.
	ErrAlreadyExists = errors.New("already exists")
	// ErrInvalidTransition is returned when a guarded status change loses to a concurrent writer.
	ErrInvalidTransition = errors.New("invalid job status transition")
	// ErrJobTerminal is returned when cancelling a job that already finished.
	ErrJobTerminal = errors.New("job already in terminal state")
	// ErrNoKeywords is returned when creating a job with an empty keyword list.
	ErrNoKeywords = errors.New("at least one keyword is required")
	// ErrInvalidProgress is returned when counters would break 0 <= failed <= processed <= total.
	ErrInvalidProgress = errors.New("invalid job progress")
)

// Terminal error texts written onto jobs.
const (
	ErrTextDomainNotFound    = "domain not found"
	ErrTextPendingTimeout    = "timed out in pending state"
	ErrTextProcessingTimeout = "timed out during processing"
)

// TransitionError describes a rejected status change.
type TransitionError struct {
	JobID   string
	Current JobStatus
	Target  JobStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("job %s: cannot move from %s to %s", e.JobID, e.Current, e.Target)
}

// Unwrap lets callers match ErrInvalidTransition with errors.Is.
func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}
