package jobregistry

import (
	"errors"
	"fmt"
)

// Sentinel errors for job registry operations.
var (
	// ErrNotFound indicates the job id does not exist.
	ErrNotFound = errors.New("job not found")

	// ErrValidation indicates an illegal operation; no state was mutated.
	ErrValidation = errors.New("validation error")

	// ErrInvalidTransition indicates a status change outside the lifecycle graph
	// or a write to a terminal job.
	ErrInvalidTransition = fmt.Errorf("%w: invalid status transition", ErrValidation)

	// ErrActiveStatus indicates a delete filter that names an active status.
	ErrActiveStatus = fmt.Errorf("%w: refusing to delete jobs in an active status", ErrValidation)
)

// TransitionError carries the rejected edge.
type TransitionError struct {
	JobID string
	From  Status
	To    Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("job %s: cannot move from %s to %s", e.JobID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// IsNotFound returns true if the error indicates the job does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsValidation returns true if the error indicates a rejected request.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}
