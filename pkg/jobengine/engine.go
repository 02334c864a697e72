// Package jobengine runs background jobs: admission, execution, pause and
// resume, cancellation, retry lineage, crash recovery and graceful shutdown.
//
// The job store is the source of truth. Every state change is persisted
// before it is broadcast.
package jobengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/audioshelf/pkg/admission"
	"github.com/3leaps/audioshelf/pkg/hub"
	"github.com/3leaps/audioshelf/pkg/jobregistry"
	"github.com/3leaps/audioshelf/pkg/telemetry"
)

// DefaultShutdownGrace is how long Shutdown waits for running jobs.
const DefaultShutdownGrace = 10 * time.Second

// DefaultEventBuffer is the per-run telemetry channel size.
const DefaultEventBuffer = 256

// Handler executes one task type.
type Handler interface {
	Run(ctx context.Context, run *Run) (result any, err error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, run *Run) (any, error)

func (f HandlerFunc) Run(ctx context.Context, run *Run) (any, error) { return f(ctx, run) }

// Broadcaster delivers events to observers. *hub.Hub satisfies it.
type Broadcaster interface {
	Publish(ev hub.Event) int
	Close()
}

// Options configures an Engine.
type Options struct {
	Store         *jobregistry.Store
	Hub           Broadcaster
	Limiter       *admission.Limiter
	Handlers      map[jobregistry.TaskType]Handler
	Logger        *zap.Logger
	ShutdownGrace time.Duration
	MetaInterval  time.Duration
	EventBuffer   int
}

// Engine owns every live job of the process.
type Engine struct {
	store    *jobregistry.Store
	logs     *jobregistry.LogStore
	hub      Broadcaster
	limiter  *admission.Limiter
	handlers map[jobregistry.TaskType]Handler
	logger   *zap.Logger

	grace        time.Duration
	metaInterval time.Duration
	eventBuffer  int

	baseCtx    context.Context
	baseCancel context.CancelCauseFunc

	mu      sync.Mutex
	runs    map[string]*Run
	started bool
	closing bool
	wg      sync.WaitGroup

	retryMu sync.Mutex
	// admitMu orders job creation and gate reservation together.
	admitMu sync.Mutex
}

// New builds an engine. Store is required; a nil Hub or Limiter gets a
// default instance.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("job engine requires a store")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Hub == nil {
		opts.Hub = hub.New(opts.Logger)
	}
	if opts.Limiter == nil {
		opts.Limiter = admission.NewLimiter(nil)
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = DefaultShutdownGrace
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = DefaultEventBuffer
	}

	e := &Engine{
		store:        opts.Store,
		logs:         opts.Store.Logs(),
		hub:          opts.Hub,
		limiter:      opts.Limiter,
		handlers:     map[jobregistry.TaskType]Handler{},
		logger:       opts.Logger,
		grace:        opts.ShutdownGrace,
		metaInterval: opts.MetaInterval,
		eventBuffer:  opts.EventBuffer,
		runs:         map[string]*Run{},
	}
	for tt, h := range opts.Handlers {
		e.handlers[tt] = h
	}
	e.baseCtx, e.baseCancel = context.WithCancelCause(context.Background())
	return e, nil
}

// Register installs the handler for a task type. It must be called before
// Start.
func (e *Engine) Register(tt jobregistry.TaskType, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[tt] = h
}

// Start runs recovery and then opens admission. It returns the number of
// jobs recovery force-failed.
func (e *Engine) Start(ctx context.Context) (int, error) {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return 0, nil
	}
	e.mu.Unlock()

	n, err := e.Recover(ctx)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	e.started = true
	e.mu.Unlock()
	e.logger.Info("job engine started", zap.Int("recovered", n))
	return n, nil
}

// Enqueue creates a job, moves it to QUEUED and schedules it.
func (e *Engine) Enqueue(ctx context.Context, tt jobregistry.TaskType, payload jobregistry.Payload) (*jobregistry.Job, error) {
	return e.enqueue(ctx, &jobregistry.Job{TaskType: tt}, payload)
}

func (e *Engine) enqueue(ctx context.Context, job *jobregistry.Job, payload jobregistry.Payload) (*jobregistry.Job, error) {
	if err := e.acceptingWork(); err != nil {
		return nil, err
	}
	if _, err := jobregistry.ParseTaskType(string(job.TaskType)); err != nil {
		return nil, err
	}
	if err := payload.Validate(job.TaskType); err != nil {
		return nil, err
	}
	e.mu.Lock()
	_, ok := e.handlers[job.TaskType]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, job.TaskType)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	job.Payload = raw
	job.BookASIN = payload.PrimaryASIN()

	e.admitMu.Lock()
	defer e.admitMu.Unlock()

	if err := e.store.Create(ctx, job); err != nil {
		return nil, err
	}
	queued, err := e.store.Update(ctx, job.ID, jobregistry.Patch{
		Status:        jobregistry.StatusPtr(jobregistry.StatusQueued),
		StatusMessage: jobregistry.StringPtr("Queued"),
	})
	if err != nil {
		return nil, err
	}
	e.appendLog(job.ID, "info", fmt.Sprintf("queued %s job (attempt %d)", job.TaskType, queued.Attempt))

	r := newRun(e, queued, payload)
	e.mu.Lock()
	if e.closing {
		e.mu.Unlock()
		// Left QUEUED; the next start's recovery fails it.
		return queued, ErrShuttingDown
	}
	res, err := e.limiter.Reserve(queued.TaskType, admission.Ticket{JobID: queued.ID, CreatedAt: queued.CreatedAt})
	if err != nil {
		e.mu.Unlock()
		if errors.Is(err, admission.ErrClosed) {
			return queued, ErrShuttingDown
		}
		return queued, err
	}
	r.admit = res
	e.runs[queued.ID] = r
	e.wg.Add(1)
	e.mu.Unlock()

	e.publish(hub.StatusEvent(queued))
	go e.execute(r)
	return queued, nil
}

func (e *Engine) acceptingWork() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closing {
		return ErrShuttingDown
	}
	if !e.started {
		return ErrNotStarted
	}
	return nil
}

func (e *Engine) lookup(ctx context.Context, id string) (*jobregistry.Job, *Run, error) {
	job, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	e.mu.Lock()
	r := e.runs[id]
	e.mu.Unlock()
	return job, r, nil
}

// Pause requests suspension of a RUNNING job. The job becomes PAUSED at its
// next progress checkpoint.
func (e *Engine) Pause(ctx context.Context, id string) error {
	job, r, err := e.lookup(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != jobregistry.StatusRunning || r == nil {
		return ErrNotRunning
	}
	if err := r.requestPause(); err != nil {
		return err
	}
	e.appendLog(id, "info", "pause requested")
	return nil
}

// Resume continues a PAUSED job from where it stopped.
func (e *Engine) Resume(ctx context.Context, id string) error {
	_, r, err := e.lookup(ctx, id)
	if err != nil {
		return err
	}
	if r == nil {
		return ErrNotPaused
	}
	if err := r.requestResume(); err != nil {
		return err
	}
	e.appendLog(id, "info", "resume requested")
	return nil
}

// Cancel stops a RUNNING or PAUSED job. Its processes are killed and the job
// fails with "cancelled by user".
func (e *Engine) Cancel(ctx context.Context, id string) error {
	_, r, err := e.lookup(ctx, id)
	if err != nil {
		return err
	}
	if r == nil {
		return ErrNotActive
	}
	switch r.currentPhase() {
	case jobregistry.StatusRunning, jobregistry.StatusPaused:
	default:
		return ErrNotActive
	}
	e.appendLog(id, "warn", "cancel requested")
	r.cancel(ErrCancelled)
	return nil
}

// Get returns one job.
func (e *Engine) Get(ctx context.Context, id string) (*jobregistry.Job, error) {
	return e.store.Get(ctx, id)
}

// List returns jobs matching the filter.
func (e *Engine) List(ctx context.Context, f jobregistry.ListFilter) ([]jobregistry.Job, error) {
	return e.store.List(ctx, f)
}

// Logs returns the last n lines of a job's log.
func (e *Engine) Logs(ctx context.Context, id string, n int) ([]string, error) {
	if _, err := e.store.Get(ctx, id); err != nil {
		return nil, err
	}
	if e.logs == nil {
		return nil, nil
	}
	return e.logs.Tail(id, n)
}

// Delete removes terminal history.
func (e *Engine) Delete(ctx context.Context, f jobregistry.DeleteFilter) (int, error) {
	return e.store.Delete(ctx, f)
}

// Stats reports admission state per task type.
func (e *Engine) Stats() map[jobregistry.TaskType]admission.GateStats {
	return e.limiter.Stats()
}

// Active returns the number of live runs.
func (e *Engine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.runs)
}

// Ready reports whether the engine accepts work.
func (e *Engine) Ready() bool {
	return e.acceptingWork() == nil
}

// Shutdown stops admission, cancels paused jobs, waits up to the grace
// period for running jobs and then cancels the rest. Jobs still waiting for a
// slot stay QUEUED and are failed by the next start's recovery.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closing {
		e.mu.Unlock()
		return nil
	}
	e.closing = true
	runs := make([]*Run, 0, len(e.runs))
	for _, r := range e.runs {
		runs = append(runs, r)
	}
	e.mu.Unlock()

	e.logger.Info("job engine shutting down", zap.Int("active", len(runs)), zap.Duration("grace", e.grace))
	e.limiter.Close()
	for _, r := range runs {
		if r.currentPhase() == jobregistry.StatusPaused {
			r.cancel(ErrShutdown)
		}
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(e.grace)
	defer timer.Stop()

	var err error
	select {
	case <-done:
	case <-timer.C:
		e.logger.Warn("shutdown grace elapsed, interrupting running jobs")
		e.baseCancel(ErrShutdown)
	case <-ctx.Done():
		err = ctx.Err()
		e.baseCancel(ErrShutdown)
	}

	select {
	case <-done:
	case <-time.After(e.grace):
		e.logger.Error("jobs did not stop after interruption")
		if err == nil {
			err = fmt.Errorf("shutdown: %d jobs still running", e.Active())
		}
	}

	e.hub.Close()
	return err
}

// transition persists a status change, logs it and broadcasts it.
func (e *Engine) transition(r *Run, to jobregistry.Status, msg string) *jobregistry.Job {
	job, err := e.store.Update(context.WithoutCancel(r.ctx), r.job.ID, jobregistry.Patch{
		Status:        jobregistry.StatusPtr(to),
		StatusMessage: jobregistry.StringPtr(msg),
	})
	if err != nil {
		e.logger.Error("persist job status failed",
			zap.String("job_id", r.job.ID), zap.String("status", string(to)), zap.Error(err))
		return nil
	}
	e.appendLog(r.job.ID, "info", fmt.Sprintf("status %s: %s", to, msg))
	e.publish(hub.StatusEvent(job))
	return job
}

func (e *Engine) publish(ev hub.Event) {
	if e.hub != nil {
		e.hub.Publish(ev)
	}
}

func (e *Engine) appendLog(id, level, msg string) {
	if e.logs == nil {
		return
	}
	if err := e.logs.Append(id, level, msg); err != nil {
		e.logger.Warn("append job log failed", zap.String("job_id", id), zap.Error(err))
	}
}

func (e *Engine) newStream(r *Run) *telemetry.Stream {
	var logs telemetry.LogAppender
	if e.logs != nil {
		logs = e.logs
	}
	return telemetry.NewStream(telemetry.Config{
		JobID:        r.job.ID,
		TaskType:     r.job.TaskType,
		Publisher:    e.hub,
		Store:        e.store,
		Logs:         logs,
		Logger:       e.logger,
		MetaInterval: e.metaInterval,
	})
}
