package admission

import (
	"context"
	"fmt"

	"github.com/3leaps/audioshelf/pkg/jobregistry"
)

// DefaultCapacities are the per-task-type caps used when none are configured.
var DefaultCapacities = map[jobregistry.TaskType]int{
	jobregistry.TaskDownload: 3,
	jobregistry.TaskConvert:  2,
	jobregistry.TaskSync:     0,
	jobregistry.TaskRepair:   0,
}

// Limiter holds one Gate per task type.
type Limiter struct {
	gates map[jobregistry.TaskType]*Gate
}

// NewLimiter builds gates for every known task type. Types missing from caps
// fall back to DefaultCapacities.
func NewLimiter(caps map[jobregistry.TaskType]int) *Limiter {
	l := &Limiter{gates: make(map[jobregistry.TaskType]*Gate, len(jobregistry.TaskTypes))}
	for _, tt := range jobregistry.TaskTypes {
		c, ok := caps[tt]
		if !ok {
			c = DefaultCapacities[tt]
		}
		l.gates[tt] = NewGate(c)
	}
	return l
}

func (l *Limiter) gate(tt jobregistry.TaskType) (*Gate, error) {
	g, ok := l.gates[tt]
	if !ok {
		return nil, fmt.Errorf("%w: no admission gate for task type %q", jobregistry.ErrValidation, tt)
	}
	return g, nil
}

// Acquire waits for a slot of the given task type.
func (l *Limiter) Acquire(ctx context.Context, tt jobregistry.TaskType, t Ticket) error {
	g, err := l.gate(tt)
	if err != nil {
		return err
	}
	return g.Acquire(ctx, t)
}

// Reserve queues a ticket for the given task type without blocking.
func (l *Limiter) Reserve(tt jobregistry.TaskType, t Ticket) (*Reservation, error) {
	g, err := l.gate(tt)
	if err != nil {
		return nil, err
	}
	return g.Reserve(t)
}

// Release returns a slot of the given task type.
func (l *Limiter) Release(tt jobregistry.TaskType) {
	if g, err := l.gate(tt); err == nil {
		g.Release()
	}
}

// Close stops admission on every gate.
func (l *Limiter) Close() {
	for _, g := range l.gates {
		g.Close()
	}
}

// Stats reports every gate keyed by task type.
func (l *Limiter) Stats() map[jobregistry.TaskType]GateStats {
	out := make(map[jobregistry.TaskType]GateStats, len(l.gates))
	for tt, g := range l.gates {
		out[tt] = g.Stats()
	}
	return out
}
