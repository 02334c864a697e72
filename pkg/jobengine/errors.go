package jobengine

import (
	"errors"
	"fmt"

	"github.com/3leaps/audioshelf/pkg/jobregistry"
)

var (
	// ErrNotRunning rejects a pause of a job that is not running.
	ErrNotRunning = fmt.Errorf("%w: job is not running", jobregistry.ErrValidation)

	// ErrNotPaused rejects a resume of a job that is not paused.
	ErrNotPaused = fmt.Errorf("%w: job is not paused", jobregistry.ErrValidation)

	// ErrNotActive rejects a cancel of a job that is neither running nor paused.
	ErrNotActive = fmt.Errorf("%w: job is not running or paused", jobregistry.ErrValidation)

	// ErrNotTerminal rejects a retry of a job that has not finished.
	ErrNotTerminal = fmt.Errorf("%w: only completed or failed jobs can be retried", jobregistry.ErrValidation)

	// ErrNoHandler rejects a task type without a registered handler.
	ErrNoHandler = fmt.Errorf("%w: no handler registered for task type", jobregistry.ErrValidation)

	// ErrShuttingDown is returned by Enqueue and Retry once Shutdown began.
	ErrShuttingDown = errors.New("job engine is shutting down")

	// ErrNotStarted is returned when work is submitted before Start.
	ErrNotStarted = errors.New("job engine is not started")

	// ErrShutdown is the cancellation cause of runs interrupted by Shutdown.
	ErrShutdown = errors.New(jobregistry.InterruptedByShutdown)

	// ErrCancelled is the cancellation cause of runs stopped by Cancel.
	ErrCancelled = errors.New(jobregistry.CancelledByUser)
)
