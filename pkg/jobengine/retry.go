package jobengine

import (
	"context"
	"fmt"

	"github.com/3leaps/audioshelf/pkg/jobregistry"
)

// Retry enqueues a new attempt of a finished job. The new job shares the
// task type and normalized payload, points at the root of the chain and gets
// the next attempt number.
func (e *Engine) Retry(ctx context.Context, id string) (*jobregistry.Job, error) {
	if err := e.acceptingWork(); err != nil {
		return nil, err
	}
	src, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !src.Status.IsTerminal() {
		return nil, ErrNotTerminal
	}
	payload, err := jobregistry.NormalizePayload(src.Payload)
	if err != nil {
		return nil, fmt.Errorf("retry %s: %w", id, err)
	}

	root := src.RootID()

	// Attempt numbering reads then writes; serialize so two retries of one
	// chain never share a number.
	e.retryMu.Lock()
	defer e.retryMu.Unlock()

	last, err := e.store.MaxAttempt(ctx, root)
	if err != nil {
		return nil, err
	}
	return e.enqueue(ctx, &jobregistry.Job{
		TaskType:      src.TaskType,
		Attempt:       last + 1,
		OriginalJobID: &root,
	}, payload)
}
