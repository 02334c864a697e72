package tasks

import (
	"context"

	"github.com/3leaps/audioshelf/pkg/jobengine"
)

type repairHandler struct {
	cfg Config
}

func (h *repairHandler) Run(ctx context.Context, run *jobengine.Run) (any, error) {
	return h.cfg.Repairer.ApplyRepair(ctx, run.Session())
}
