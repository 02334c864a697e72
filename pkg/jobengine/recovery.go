package jobengine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/3leaps/audioshelf/pkg/hub"
	"github.com/3leaps/audioshelf/pkg/jobregistry"
)

// Recover force-fails every job left active by a previous process. It runs in
// one store transaction and is idempotent: a second call affects nothing.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	ids, err := e.store.FailActive(ctx, jobregistry.InterruptedByRestart)
	if err != nil {
		return 0, fmt.Errorf("recover jobs: %w", err)
	}
	for _, id := range ids {
		e.appendLog(id, "warn", jobregistry.InterruptedByRestart)
		if job, err := e.store.Get(ctx, id); err == nil {
			e.publish(hub.StatusEvent(job))
		}
	}
	if len(ids) > 0 {
		e.logger.Warn("failed jobs interrupted by restart", zap.Int("count", len(ids)), zap.Strings("job_ids", ids))
	}
	return len(ids), nil
}
