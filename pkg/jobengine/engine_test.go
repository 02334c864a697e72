package jobengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/audioshelf/pkg/admission"
	"github.com/3leaps/audioshelf/pkg/hub"
	"github.com/3leaps/audioshelf/pkg/jobregistry"
	"github.com/3leaps/audioshelf/pkg/toolrun"
)

type testEnv struct {
	engine *Engine
	store  *jobregistry.Store
	hub    *hub.Hub
}

func openStore(t *testing.T) *jobregistry.Store {
	t.Helper()
	dir := t.TempDir()
	logs := jobregistry.NewLogStore(filepath.Join(dir, "jobs"))
	s, err := jobregistry.Open(context.Background(), jobregistry.Config{Path: filepath.Join(dir, "jobs.db")},
		jobregistry.WithLogStore(logs))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newEnv(t *testing.T, store *jobregistry.Store, caps map[jobregistry.TaskType]int, handlers map[jobregistry.TaskType]Handler) *testEnv {
	t.Helper()
	if store == nil {
		store = openStore(t)
	}
	h := hub.New(nil, hub.WithBufferSize(256))
	e, err := New(Options{
		Store:         store,
		Hub:           h,
		Limiter:       admission.NewLimiter(caps),
		Handlers:      handlers,
		ShutdownGrace: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })
	return &testEnv{engine: e, store: store, hub: h}
}

func (env *testEnv) start(t *testing.T) {
	t.Helper()
	_, err := env.engine.Start(context.Background())
	require.NoError(t, err)
}

func waitStatus(t *testing.T, e *Engine, id string, want jobregistry.Status) *jobregistry.Job {
	t.Helper()
	var last *jobregistry.Job
	require.Eventually(t, func() bool {
		j, err := e.Get(context.Background(), id)
		if err != nil {
			return false
		}
		last = j
		return j.Status == want
	}, 5*time.Second, 5*time.Millisecond, "job %s never reached %s", id, want)
	return last
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting")
	}
	var zero T
	return zero
}

func download(asins ...string) jobregistry.Payload {
	return jobregistry.Payload{ASINs: asins}
}

func TestEngine_RunsJobToCompletion(t *testing.T) {
	h := HandlerFunc(func(ctx context.Context, r *Run) (any, error) {
		for _, p := range []float64{10, 50, 90} {
			if err := r.Report(ctx, p, "", nil); err != nil {
				return nil, err
			}
		}
		return map[string]any{"files": []string{"B001.aaxc"}}, nil
	})
	env := newEnv(t, nil, nil, map[jobregistry.TaskType]Handler{jobregistry.TaskDownload: h})
	env.start(t)
	sub := env.hub.Subscribe(hub.TopicJobs)

	job, err := env.engine.Enqueue(context.Background(), jobregistry.TaskDownload, download("B001"))
	require.NoError(t, err)
	assert.Equal(t, jobregistry.StatusQueued, job.Status)
	require.NotNil(t, job.BookASIN)
	assert.Equal(t, "B001", *job.BookASIN)

	done := waitStatus(t, env.engine, job.ID, jobregistry.StatusCompleted)
	assert.Equal(t, 100, done.ProgressPercent)
	assert.NotNil(t, done.CompletedAt)
	assert.JSONEq(t, `{"files":["B001.aaxc"]}`, string(done.ResultJSON))

	var statuses []string
	for len(statuses) == 0 || statuses[len(statuses)-1] != string(jobregistry.StatusCompleted) {
		ev := receive(t, sub.C())
		if ev.Type == hub.EventStatus {
			statuses = append(statuses, ev.Status)
		}
	}
	assert.Equal(t, []string{"queued", "running", "completed"}, statuses)

	require.Eventually(t, func() bool {
		logs, err := env.engine.Logs(context.Background(), job.ID, 50)
		return err == nil && len(logs) > 0 && strings.HasSuffix(logs[len(logs)-1], "completed")
	}, time.Second, 5*time.Millisecond)
}

func TestEngine_AdmissionIsCappedAndFIFO(t *testing.T) {
	var (
		running atomic.Int32
		peak    atomic.Int32
		mu      sync.Mutex
		order   []string
	)
	release := make(chan struct{})
	h := HandlerFunc(func(ctx context.Context, r *Run) (any, error) {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		mu.Lock()
		order = append(order, r.ID())
		mu.Unlock()
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return nil, nil
	})
	env := newEnv(t, nil, map[jobregistry.TaskType]int{jobregistry.TaskDownload: 1},
		map[jobregistry.TaskType]Handler{jobregistry.TaskDownload: h})
	env.start(t)

	var ids []string
	for _, asin := range []string{"A", "B", "C", "D"} {
		j, err := env.engine.Enqueue(context.Background(), jobregistry.TaskDownload, download(asin))
		require.NoError(t, err)
		ids = append(ids, j.ID)
	}

	require.Eventually(t, func() bool {
		return env.engine.Stats()[jobregistry.TaskDownload].Waiting == len(ids)-1
	}, 5*time.Second, 5*time.Millisecond)
	for range ids {
		release <- struct{}{}
	}
	for _, id := range ids {
		waitStatus(t, env.engine, id, jobregistry.StatusCompleted)
	}

	assert.Equal(t, int32(1), peak.Load())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, ids, order)
}

func TestEngine_ConcurrentEnqueueStartsInCreationOrder(t *testing.T) {
	for trial := 0; trial < 10; trial++ {
		var (
			mu    sync.Mutex
			order []string
		)
		release := make(chan struct{})
		h := HandlerFunc(func(ctx context.Context, r *Run) (any, error) {
			mu.Lock()
			order = append(order, r.ID())
			mu.Unlock()
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return nil, nil
		})
		env := newEnv(t, nil, map[jobregistry.TaskType]int{jobregistry.TaskDownload: 1},
			map[jobregistry.TaskType]Handler{jobregistry.TaskDownload: h})
		env.start(t)

		const n = 8
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := env.engine.Enqueue(context.Background(), jobregistry.TaskDownload, download(fmt.Sprintf("B%02d", i)))
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		created, err := env.engine.List(context.Background(), jobregistry.ListFilter{TaskType: jobregistry.TaskDownload})
		require.NoError(t, err)
		require.Len(t, created, n)
		for range created {
			release <- struct{}{}
		}
		var want []string
		for _, j := range created {
			waitStatus(t, env.engine, j.ID, jobregistry.StatusCompleted)
			want = append(want, j.ID)
		}

		mu.Lock()
		assert.Equal(t, want, order, "trial %d", trial)
		mu.Unlock()
	}
}

// checkpointHandler reports 40%, waits for proceed, then reports again (a
// pause checkpoint) and finishes.
func checkpointHandler(entered chan<- string, proceed <-chan struct{}) Handler {
	return HandlerFunc(func(ctx context.Context, r *Run) (any, error) {
		if err := r.Report(ctx, 40, "fetching", map[string]any{"speed": "1MB/s"}); err != nil {
			return nil, err
		}
		entered <- r.ID()
		select {
		case <-proceed:
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		}
		if err := r.Report(ctx, 41, "", nil); err != nil {
			return nil, err
		}
		return nil, nil
	})
}

func TestEngine_PauseReleasesSlotAndResumeContinues(t *testing.T) {
	entered := make(chan string, 4)
	proceed := make(chan struct{})
	env := newEnv(t, nil, map[jobregistry.TaskType]int{jobregistry.TaskDownload: 1},
		map[jobregistry.TaskType]Handler{jobregistry.TaskDownload: checkpointHandler(entered, proceed)})
	env.start(t)
	ctx := context.Background()

	a, err := env.engine.Enqueue(ctx, jobregistry.TaskDownload, download("A"))
	require.NoError(t, err)
	assert.Equal(t, a.ID, receive(t, entered))

	b, err := env.engine.Enqueue(ctx, jobregistry.TaskDownload, download("B"))
	require.NoError(t, err)

	require.NoError(t, env.engine.Pause(ctx, a.ID))
	close(proceed)

	paused := waitStatus(t, env.engine, a.ID, jobregistry.StatusPaused)
	assert.Equal(t, 40, paused.ProgressPercent)
	assert.Nil(t, paused.CompletedAt)

	// A's slot went back to the gate, so B runs to completion while A waits.
	assert.Equal(t, b.ID, receive(t, entered))
	waitStatus(t, env.engine, b.ID, jobregistry.StatusCompleted)

	assert.ErrorIs(t, env.engine.Pause(ctx, a.ID), ErrNotRunning)
	require.NoError(t, env.engine.Resume(ctx, a.ID))
	assert.ErrorIs(t, env.engine.Resume(ctx, a.ID), ErrNotPaused)

	done := waitStatus(t, env.engine, a.ID, jobregistry.StatusCompleted)
	assert.Equal(t, 100, done.ProgressPercent)
}

func TestEngine_CancelPausedJob(t *testing.T) {
	entered := make(chan string, 1)
	proceed := make(chan struct{})
	env := newEnv(t, nil, nil,
		map[jobregistry.TaskType]Handler{jobregistry.TaskDownload: checkpointHandler(entered, proceed)})
	env.start(t)
	ctx := context.Background()

	j, err := env.engine.Enqueue(ctx, jobregistry.TaskDownload, download("A"))
	require.NoError(t, err)
	receive(t, entered)
	require.NoError(t, env.engine.Pause(ctx, j.ID))
	close(proceed)
	waitStatus(t, env.engine, j.ID, jobregistry.StatusPaused)

	require.NoError(t, env.engine.Cancel(ctx, j.ID))
	failed := waitStatus(t, env.engine, j.ID, jobregistry.StatusFailed)
	assert.Equal(t, jobregistry.CancelledByUser, failed.ErrorMessage)
	assert.Equal(t, 40, failed.ProgressPercent)

	assert.ErrorIs(t, env.engine.Cancel(ctx, j.ID), ErrNotActive)
}

func TestEngine_CancelRunningJob(t *testing.T) {
	entered := make(chan string, 1)
	h := HandlerFunc(func(ctx context.Context, r *Run) (any, error) {
		entered <- r.ID()
		<-ctx.Done()
		return nil, &toolrun.ExitError{Name: "audible", Code: -1, Err: errors.New("signal: killed")}
	})
	env := newEnv(t, nil, nil, map[jobregistry.TaskType]Handler{jobregistry.TaskDownload: h})
	env.start(t)

	j, err := env.engine.Enqueue(context.Background(), jobregistry.TaskDownload, download("A"))
	require.NoError(t, err)
	receive(t, entered)
	require.NoError(t, env.engine.Cancel(context.Background(), j.ID))

	failed := waitStatus(t, env.engine, j.ID, jobregistry.StatusFailed)
	assert.Equal(t, jobregistry.CancelledByUser, failed.ErrorMessage)
}

func TestEngine_ControlOfUnknownJob(t *testing.T) {
	env := newEnv(t, nil, nil, nil)
	env.start(t)
	ctx := context.Background()

	assert.ErrorIs(t, env.engine.Pause(ctx, "missing"), jobregistry.ErrNotFound)
	assert.ErrorIs(t, env.engine.Resume(ctx, "missing"), jobregistry.ErrNotFound)
	assert.ErrorIs(t, env.engine.Cancel(ctx, "missing"), jobregistry.ErrNotFound)
	_, err := env.engine.Retry(ctx, "missing")
	assert.ErrorIs(t, err, jobregistry.ErrNotFound)
}

func TestEngine_FailureMessages(t *testing.T) {
	handlers := map[jobregistry.TaskType]Handler{
		jobregistry.TaskDownload: HandlerFunc(func(context.Context, *Run) (any, error) {
			return nil, &toolrun.LaunchError{Name: "audible", Err: exec.ErrNotFound}
		}),
		jobregistry.TaskConvert: HandlerFunc(func(context.Context, *Run) (any, error) {
			return nil, &toolrun.ExitError{Name: "ffmpeg", Code: 1, StderrTail: []string{"Invalid data found"}}
		}),
		jobregistry.TaskSync: HandlerFunc(func(context.Context, *Run) (any, error) {
			panic("boom")
		}),
	}
	env := newEnv(t, nil, nil, handlers)
	env.start(t)
	ctx := context.Background()

	launch, err := env.engine.Enqueue(ctx, jobregistry.TaskDownload, download("A"))
	require.NoError(t, err)
	convert, err := env.engine.Enqueue(ctx, jobregistry.TaskConvert, download("A"))
	require.NoError(t, err)
	panicked, err := env.engine.Enqueue(ctx, jobregistry.TaskSync, jobregistry.Payload{})
	require.NoError(t, err)

	j := waitStatus(t, env.engine, launch.ID, jobregistry.StatusFailed)
	assert.Contains(t, j.ErrorMessage, "collaborator launch failed")
	assert.Less(t, j.ProgressPercent, 100)

	j = waitStatus(t, env.engine, convert.ID, jobregistry.StatusFailed)
	assert.Contains(t, j.ErrorMessage, "Invalid data found")

	j = waitStatus(t, env.engine, panicked.ID, jobregistry.StatusFailed)
	assert.Contains(t, j.ErrorMessage, "boom")

	// The sync gate is unbounded but the panicked run must still have released
	// everything it held.
	require.Eventually(t, func() bool { return env.engine.Active() == 0 }, time.Second, 5*time.Millisecond)
}

func TestEngine_EnqueueValidation(t *testing.T) {
	env := newEnv(t, nil, nil, map[jobregistry.TaskType]Handler{
		jobregistry.TaskDownload: HandlerFunc(func(context.Context, *Run) (any, error) { return nil, nil }),
	})
	ctx := context.Background()

	_, err := env.engine.Enqueue(ctx, jobregistry.TaskDownload, download("A"))
	assert.ErrorIs(t, err, ErrNotStarted)

	env.start(t)
	_, err = env.engine.Enqueue(ctx, jobregistry.TaskDownload, jobregistry.Payload{})
	assert.ErrorIs(t, err, jobregistry.ErrValidation)

	_, err = env.engine.Enqueue(ctx, jobregistry.TaskType("upload"), download("A"))
	assert.ErrorIs(t, err, jobregistry.ErrValidation)

	_, err = env.engine.Enqueue(ctx, jobregistry.TaskRepair, jobregistry.Payload{})
	assert.ErrorIs(t, err, ErrNoHandler)

	jobs, err := env.engine.List(ctx, jobregistry.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestEngine_RetryLineage(t *testing.T) {
	var calls atomic.Int32
	h := HandlerFunc(func(context.Context, *Run) (any, error) {
		calls.Add(1)
		return nil, errors.New("network unreachable")
	})
	env := newEnv(t, nil, nil, map[jobregistry.TaskType]Handler{jobregistry.TaskDownload: h})
	env.start(t)
	ctx := context.Background()

	first, err := env.engine.Enqueue(ctx, jobregistry.TaskDownload, download("A", "B"))
	require.NoError(t, err)
	assert.Equal(t, 1, first.Attempt)
	assert.Nil(t, first.OriginalJobID)
	waitStatus(t, env.engine, first.ID, jobregistry.StatusFailed)

	second, err := env.engine.Retry(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, second.Attempt)
	require.NotNil(t, second.OriginalJobID)
	assert.Equal(t, first.ID, *second.OriginalJobID)
	assert.JSONEq(t, `{"asins":["A","B"]}`, string(second.Payload))
	waitStatus(t, env.engine, second.ID, jobregistry.StatusFailed)

	// Retrying the retry still points at the root.
	third, err := env.engine.Retry(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, third.Attempt)
	assert.Equal(t, first.ID, *third.OriginalJobID)
	waitStatus(t, env.engine, third.ID, jobregistry.StatusFailed)

	assert.Equal(t, int32(3), calls.Load())
}

func TestEngine_RetryRejectsActiveJob(t *testing.T) {
	entered := make(chan string, 1)
	proceed := make(chan struct{})
	env := newEnv(t, nil, nil,
		map[jobregistry.TaskType]Handler{jobregistry.TaskDownload: checkpointHandler(entered, proceed)})
	env.start(t)

	j, err := env.engine.Enqueue(context.Background(), jobregistry.TaskDownload, download("A"))
	require.NoError(t, err)
	receive(t, entered)

	_, err = env.engine.Retry(context.Background(), j.ID)
	assert.ErrorIs(t, err, ErrNotTerminal)
	assert.ErrorIs(t, err, jobregistry.ErrValidation)
	close(proceed)
	waitStatus(t, env.engine, j.ID, jobregistry.StatusCompleted)
}

func TestEngine_RetryNormalizesLegacyPayload(t *testing.T) {
	var got atomic.Value
	h := HandlerFunc(func(_ context.Context, r *Run) (any, error) {
		got.Store(r.Payload())
		return nil, nil
	})
	env := newEnv(t, nil, nil, map[jobregistry.TaskType]Handler{jobregistry.TaskDownload: h})
	env.start(t)
	ctx := context.Background()

	legacy := &jobregistry.Job{
		TaskType: jobregistry.TaskDownload,
		Payload:  json.RawMessage(`{"asin":"B00LEGACY","quality":"high"}`),
	}
	require.NoError(t, env.store.Create(ctx, legacy))
	for _, st := range []jobregistry.Status{jobregistry.StatusQueued, jobregistry.StatusRunning, jobregistry.StatusFailed} {
		_, err := env.store.Update(ctx, legacy.ID, jobregistry.Patch{Status: jobregistry.StatusPtr(st)})
		require.NoError(t, err)
	}

	retried, err := env.engine.Retry(ctx, legacy.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"asins":["B00LEGACY"],"quality":"high"}`, string(retried.Payload))
	require.NotNil(t, retried.BookASIN)
	assert.Equal(t, "B00LEGACY", *retried.BookASIN)

	waitStatus(t, env.engine, retried.ID, jobregistry.StatusCompleted)
	p := got.Load().(jobregistry.Payload)
	assert.Equal(t, []string{"B00LEGACY"}, p.ASINs)
	var quality string
	ok, err := p.Option("quality", &quality)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "high", quality)
}

func TestEngine_StartRecoversInterruptedJobs(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	seed := func(progress int, path ...jobregistry.Status) string {
		j := &jobregistry.Job{TaskType: jobregistry.TaskConvert, Payload: json.RawMessage(`{"asins":["X"]}`)}
		require.NoError(t, store.Create(ctx, j))
		for _, st := range path {
			_, err := store.Update(ctx, j.ID, jobregistry.Patch{Status: jobregistry.StatusPtr(st)})
			require.NoError(t, err)
		}
		if progress > 0 {
			_, err := store.Update(ctx, j.ID, jobregistry.Patch{ProgressPercent: jobregistry.IntPtr(progress)})
			require.NoError(t, err)
		}
		return j.ID
	}
	ids := []string{
		seed(0),
		seed(0, jobregistry.StatusQueued),
		seed(100, jobregistry.StatusQueued, jobregistry.StatusRunning),
		seed(55, jobregistry.StatusQueued, jobregistry.StatusRunning, jobregistry.StatusPaused),
	}
	done := seed(0, jobregistry.StatusQueued, jobregistry.StatusRunning, jobregistry.StatusCompleted)

	env := newEnv(t, store, nil, nil)
	n, err := env.engine.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	for _, id := range ids {
		j, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, jobregistry.StatusFailed, j.Status)
		assert.LessOrEqual(t, j.ProgressPercent, 99)
		assert.Contains(t, j.ErrorMessage, jobregistry.InterruptedByRestart)
		assert.NotNil(t, j.CompletedAt)

		logs, err := env.engine.Logs(ctx, id, 5)
		require.NoError(t, err)
		require.NotEmpty(t, logs)
		assert.Contains(t, logs[len(logs)-1], jobregistry.InterruptedByRestart)
	}
	paused, err := store.Get(ctx, ids[3])
	require.NoError(t, err)
	assert.Equal(t, 55, paused.ProgressPercent)

	completed, err := store.Get(ctx, done)
	require.NoError(t, err)
	assert.Equal(t, jobregistry.StatusCompleted, completed.Status)

	again, err := env.engine.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, again)
}

func TestEngine_ShutdownInterruptsRunningJobs(t *testing.T) {
	entered := make(chan string, 2)
	h := HandlerFunc(func(ctx context.Context, r *Run) (any, error) {
		if err := r.Report(ctx, 30, "", nil); err != nil {
			return nil, err
		}
		entered <- r.ID()
		<-ctx.Done()
		return nil, context.Cause(ctx)
	})
	env := newEnv(t, nil, map[jobregistry.TaskType]int{jobregistry.TaskDownload: 1},
		map[jobregistry.TaskType]Handler{jobregistry.TaskDownload: h})
	env.start(t)
	ctx := context.Background()

	running, err := env.engine.Enqueue(ctx, jobregistry.TaskDownload, download("A"))
	require.NoError(t, err)
	receive(t, entered)
	waiting, err := env.engine.Enqueue(ctx, jobregistry.TaskDownload, download("B"))
	require.NoError(t, err)

	require.NoError(t, env.engine.Shutdown(ctx))

	j, err := env.engine.Get(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, jobregistry.StatusFailed, j.Status)
	assert.Equal(t, jobregistry.InterruptedByShutdown, j.ErrorMessage)
	assert.Equal(t, 30, j.ProgressPercent)

	j, err = env.engine.Get(ctx, waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, jobregistry.StatusQueued, j.Status, "never admitted, left for recovery")

	_, err = env.engine.Enqueue(ctx, jobregistry.TaskDownload, download("C"))
	assert.ErrorIs(t, err, ErrShuttingDown)
	_, err = env.engine.Retry(ctx, running.ID)
	assert.ErrorIs(t, err, ErrShuttingDown)
	assert.False(t, env.engine.Ready())
}

func TestEngine_ShutdownWaitsForJobsWithinGrace(t *testing.T) {
	entered := make(chan string, 1)
	release := make(chan struct{})
	h := HandlerFunc(func(ctx context.Context, r *Run) (any, error) {
		entered <- r.ID()
		select {
		case <-release:
			return "ok", nil
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		}
	})
	env := newEnv(t, nil, nil, map[jobregistry.TaskType]Handler{jobregistry.TaskDownload: h})
	env.start(t)

	j, err := env.engine.Enqueue(context.Background(), jobregistry.TaskDownload, download("A"))
	require.NoError(t, err)
	receive(t, entered)

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	require.NoError(t, env.engine.Shutdown(context.Background()))

	got, err := env.engine.Get(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, jobregistry.StatusCompleted, got.Status)
}

func TestFailureMessage(t *testing.T) {
	cancelled, cancel := context.WithCancelCause(context.Background())
	cancel(ErrCancelled)
	shutdown, stop := context.WithCancelCause(context.Background())
	stop(ErrShutdown)

	assert.Equal(t, jobregistry.CancelledByUser, failureMessage(cancelled, errors.New("killed")))
	assert.Equal(t, jobregistry.InterruptedByShutdown, failureMessage(shutdown, errors.New("killed")))
	assert.Equal(t, jobregistry.InterruptedByShutdown, failureMessage(context.Background(), ErrShutdown))
	assert.Equal(t, "disk full", failureMessage(context.Background(), errors.New("disk full")))
}
