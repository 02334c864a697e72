package jobengine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"

	"github.com/3leaps/audioshelf/pkg/hub"
	"github.com/3leaps/audioshelf/pkg/jobregistry"
)

// execute is the job goroutine: admit, run, persist the outcome.
func (e *Engine) execute(r *Run) {
	defer e.wg.Done()
	defer func() {
		e.mu.Lock()
		delete(e.runs, r.job.ID)
		e.mu.Unlock()
		r.cancel(nil)
	}()

	logger := e.logger.With(zap.String("job_id", r.job.ID), zap.String("task_type", string(r.job.TaskType)))

	err := r.admit.Wait(r.ctx)
	if err != nil {
		// Never admitted: the job stays QUEUED and recovery fails it on next start.
		logger.Info("job not admitted", zap.Error(err))
		return
	}
	r.slotHeld.Store(true)
	defer func() {
		if r.slotHeld.Swap(false) {
			e.limiter.Release(r.job.TaskType)
		}
	}()

	stream := e.newStream(r)
	var streamWG sync.WaitGroup
	streamWG.Add(1)
	go func() {
		defer streamWG.Done()
		r.drain(context.WithoutCancel(r.ctx), stream)
	}()

	if e.transition(r, jobregistry.StatusRunning, "Running") == nil {
		r.closeEvents()
		streamWG.Wait()
		return
	}
	r.setPhase(jobregistry.StatusRunning)
	logger.Info("job started")

	result, runErr := e.invoke(r)

	r.closeEvents()
	streamWG.Wait()

	if runErr == nil && r.currentPhase() == jobregistry.StatusPaused {
		// The handler returned while suspended without observing the cause.
		runErr = context.Cause(r.ctx)
		if runErr == nil {
			runErr = errors.New("handler returned while paused")
		}
	}
	e.finish(r, result, runErr, logger)
}

// invoke calls the handler, turning a panic into an error.
func (e *Engine) invoke(r *Run) (result any, err error) {
	e.mu.Lock()
	h := e.handlers[r.job.TaskType]
	e.mu.Unlock()
	if h == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, r.job.TaskType)
	}

	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("job handler panicked",
				zap.String("job_id", r.job.ID), zap.Any("panic", rec), zap.ByteString("stack", debug.Stack()))
			result, err = nil, fmt.Errorf("internal error: %v", rec)
		}
	}()
	return h.Run(r.ctx, r)
}

func (e *Engine) finish(r *Run, result any, runErr error, logger *zap.Logger) {
	ctx := context.WithoutCancel(r.ctx)

	if runErr == nil {
		raw, err := marshalResult(result)
		if err != nil {
			runErr = fmt.Errorf("encode result: %w", err)
		} else {
			job, err := e.store.Update(ctx, r.job.ID, jobregistry.Patch{
				Status:        jobregistry.StatusPtr(jobregistry.StatusCompleted),
				StatusMessage: jobregistry.StringPtr("Completed"),
				ResultJSON:    raw,
			})
			if err != nil {
				logger.Error("persist job completion failed", zap.Error(err))
				return
			}
			r.setPhase(jobregistry.StatusCompleted)
			e.appendLog(r.job.ID, "info", "completed")
			e.publish(hub.StatusEvent(job))
			logger.Info("job completed")
			return
		}
	}

	msg := failureMessage(r.ctx, runErr)
	job, err := e.store.Update(ctx, r.job.ID, jobregistry.Patch{
		Status:        jobregistry.StatusPtr(jobregistry.StatusFailed),
		StatusMessage: jobregistry.StringPtr("Failed"),
		ErrorMessage:  jobregistry.StringPtr(msg),
	})
	if err != nil {
		logger.Error("persist job failure failed", zap.Error(err))
		return
	}
	r.setPhase(jobregistry.StatusFailed)
	e.appendLog(r.job.ID, "error", msg)
	e.publish(hub.StatusEvent(job))
	logger.Warn("job failed", zap.String("error", msg))
}

// failureMessage maps a run error to the persisted error_message. A
// cancellation cause wins over whatever the interrupted collaborator
// reported.
func failureMessage(ctx context.Context, err error) string {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, ErrCancelled):
		return jobregistry.CancelledByUser
	case errors.Is(cause, ErrShutdown), errors.Is(err, ErrShutdown):
		return jobregistry.InterruptedByShutdown
	case err == nil:
		return "unknown error"
	}
	return err.Error()
}
