package jobengine

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/audioshelf/pkg/admission"
	"github.com/3leaps/audioshelf/pkg/collab"
	"github.com/3leaps/audioshelf/pkg/jobregistry"
	"github.com/3leaps/audioshelf/pkg/telemetry"
	"github.com/3leaps/audioshelf/pkg/toolrun"
)

// Run is the live execution of one job. Handlers receive it to read their
// payload, report progress and register child processes.
//
// Run implements telemetry.Reporter and toolrun.Tracker. Report is also the
// pause checkpoint: a pending pause request suspends the run there.
type Run struct {
	engine  *Engine
	job     jobregistry.Job
	payload jobregistry.Payload

	ctx    context.Context
	cancel context.CancelCauseFunc

	events   chan telemetry.Event
	evMu     sync.Mutex
	evClosed bool

	// inflight counts emitted events the stream has not handled yet.
	flushMu  sync.Mutex
	flushed  *sync.Cond
	inflight int

	admit    *admission.Reservation
	slotHeld atomic.Bool
	cpMu     sync.Mutex // one checkpoint at a time

	ctrlMu         sync.Mutex
	phase          jobregistry.Status
	pauseRequested bool
	resumeCh       chan struct{}
	procs          map[*os.Process]struct{}
}

var (
	_ telemetry.Reporter = (*Run)(nil)
	_ toolrun.Tracker    = (*Run)(nil)
)

func newRun(e *Engine, job *jobregistry.Job, payload jobregistry.Payload) *Run {
	ctx, cancel := context.WithCancelCause(e.baseCtx)
	r := &Run{
		engine:  e,
		job:     *job,
		payload: payload,
		ctx:     ctx,
		cancel:  cancel,
		events:  make(chan telemetry.Event, e.eventBuffer),
		phase:   jobregistry.StatusQueued,
		procs:   map[*os.Process]struct{}{},
	}
	r.flushed = sync.NewCond(&r.flushMu)
	return r
}

// ID returns the job id.
func (r *Run) ID() string { return r.job.ID }

// TaskType returns the job's task type.
func (r *Run) TaskType() jobregistry.TaskType { return r.job.TaskType }

// Job returns the record as it was when the run was created.
func (r *Run) Job() jobregistry.Job { return r.job }

// Payload returns the normalized payload.
func (r *Run) Payload() jobregistry.Payload { return r.payload }

// Session bundles the run for collaborators.
func (r *Run) Session() collab.Session {
	return collab.Session{JobID: r.job.ID, Reporter: r, Tracker: r}
}

// Log records a line in the job log without progress.
func (r *Run) Log(ctx context.Context, line string) error {
	return r.Report(ctx, telemetry.LogOnly, line, nil)
}

// Report forwards one observation to the job's telemetry stream. Events with
// a percent are pause checkpoints.
func (r *Run) Report(ctx context.Context, percent float64, line string, meta map[string]any) error {
	r.emit(telemetry.Event{JobID: r.job.ID, Percent: percent, Line: line, Meta: meta, At: time.Now()})
	if percent < 0 {
		return nil
	}
	return r.checkpoint(ctx)
}

func (r *Run) emit(ev telemetry.Event) {
	r.evMu.Lock()
	defer r.evMu.Unlock()
	if r.evClosed {
		return
	}
	r.track(1)
	select {
	case r.events <- ev:
		return
	default:
	}
	select {
	case r.events <- ev:
	case <-r.ctx.Done():
		r.track(-1)
	}
}

func (r *Run) track(delta int) {
	r.flushMu.Lock()
	r.inflight += delta
	if r.inflight <= 0 {
		r.inflight = 0
		r.flushed.Broadcast()
	}
	r.flushMu.Unlock()
}

// drain feeds the stream until the events channel is closed.
func (r *Run) drain(ctx context.Context, s *telemetry.Stream) {
	for ev := range r.events {
		s.Handle(ctx, ev)
		r.track(-1)
	}
}

// flush waits until every emitted event has been handled, so a status change
// is never overtaken by an older progress write.
func (r *Run) flush() {
	r.flushMu.Lock()
	for r.inflight > 0 {
		r.flushed.Wait()
	}
	r.flushMu.Unlock()
}

func (r *Run) closeEvents() {
	r.evMu.Lock()
	defer r.evMu.Unlock()
	if !r.evClosed {
		r.evClosed = true
		close(r.events)
	}
}

// Attach registers a child process so pause, resume and cancel reach it.
func (r *Run) Attach(p *os.Process) func() {
	if p == nil {
		return func() {}
	}
	r.ctrlMu.Lock()
	r.procs[p] = struct{}{}
	paused := r.phase == jobregistry.StatusPaused
	r.ctrlMu.Unlock()
	if paused {
		r.signal([]*os.Process{p}, toolrun.Suspend, "suspend")
	}
	return func() {
		r.ctrlMu.Lock()
		delete(r.procs, p)
		r.ctrlMu.Unlock()
	}
}

func (r *Run) processes() []*os.Process {
	out := make([]*os.Process, 0, len(r.procs))
	for p := range r.procs {
		out = append(out, p)
	}
	return out
}

func (r *Run) signal(procs []*os.Process, fn func(*os.Process) error, what string) {
	for _, p := range procs {
		if err := fn(p); err != nil && err != os.ErrProcessDone {
			r.engine.logger.Warn("signal collaborator process failed",
				zap.String("job_id", r.job.ID), zap.String("action", what), zap.Int("pid", p.Pid), zap.Error(err))
		}
	}
}

func (r *Run) currentPhase() jobregistry.Status {
	r.ctrlMu.Lock()
	defer r.ctrlMu.Unlock()
	return r.phase
}

func (r *Run) setPhase(st jobregistry.Status) {
	r.ctrlMu.Lock()
	r.phase = st
	r.ctrlMu.Unlock()
}

// requestPause marks the run for suspension at its next checkpoint.
func (r *Run) requestPause() error {
	r.ctrlMu.Lock()
	defer r.ctrlMu.Unlock()
	if r.phase != jobregistry.StatusRunning {
		return ErrNotRunning
	}
	r.pauseRequested = true
	return nil
}

// requestResume wakes a suspended checkpoint.
func (r *Run) requestResume() error {
	r.ctrlMu.Lock()
	defer r.ctrlMu.Unlock()
	if r.phase != jobregistry.StatusPaused || r.resumeCh == nil {
		return ErrNotPaused
	}
	close(r.resumeCh)
	r.resumeCh = nil
	return nil
}

// checkpoint honours a pending pause request: it suspends attached processes,
// persists PAUSED, gives the admission slot back and blocks until resumed or
// cancelled. On resume the slot is re-acquired in FIFO order before the run
// is marked RUNNING again.
func (r *Run) checkpoint(ctx context.Context) error {
	r.cpMu.Lock()
	defer r.cpMu.Unlock()

	r.ctrlMu.Lock()
	if !r.pauseRequested {
		r.ctrlMu.Unlock()
		return nil
	}
	r.pauseRequested = false
	r.phase = jobregistry.StatusPaused
	resume := make(chan struct{})
	r.resumeCh = resume
	procs := r.processes()
	r.ctrlMu.Unlock()

	e := r.engine
	r.signal(procs, toolrun.Suspend, "suspend")
	r.flush()
	e.transition(r, jobregistry.StatusPaused, "Paused")
	if r.slotHeld.Swap(false) {
		e.limiter.Release(r.job.TaskType)
	}

	select {
	case <-resume:
	case <-r.ctx.Done():
		return context.Cause(r.ctx)
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := e.limiter.Acquire(r.ctx, r.job.TaskType, admission.Ticket{JobID: r.job.ID, CreatedAt: r.job.CreatedAt}); err != nil {
		if err == admission.ErrClosed {
			return ErrShutdown
		}
		return context.Cause(r.ctx)
	}
	r.slotHeld.Store(true)

	r.ctrlMu.Lock()
	r.phase = jobregistry.StatusRunning
	procs = r.processes()
	r.ctrlMu.Unlock()

	e.transition(r, jobregistry.StatusRunning, "Resumed")
	r.signal(procs, toolrun.Continue, "continue")
	return nil
}

func marshalResult(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return t, nil
	case []byte:
		return t, nil
	}
	return json.Marshal(v)
}
