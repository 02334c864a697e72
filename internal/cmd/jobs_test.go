package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/audioshelf/pkg/hub"
	"github.com/3leaps/audioshelf/pkg/jobregistry"
)

// seedJob creates a job and walks it through the given statuses.
func seedJob(t *testing.T, store *jobregistry.Store, tt jobregistry.TaskType, path ...jobregistry.Status) *jobregistry.Job {
	t.Helper()
	ctx := context.Background()
	job := &jobregistry.Job{TaskType: tt}
	require.NoError(t, store.Create(ctx, job))
	for _, st := range path {
		var err error
		job, err = store.Update(ctx, job.ID, jobregistry.Patch{Status: jobregistry.StatusPtr(st)})
		require.NoError(t, err)
	}
	return job
}

func seededDataDir(t *testing.T) (string, map[string]*jobregistry.Job) {
	t.Helper()
	dir := t.TempDir()
	cfg := testConfig(t, dir, 0)
	store, err := openStore(context.Background(), cfg)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	jobs := map[string]*jobregistry.Job{
		"done":    seedJob(t, store, jobregistry.TaskSync, jobregistry.StatusQueued, jobregistry.StatusRunning, jobregistry.StatusCompleted),
		"failed":  seedJob(t, store, jobregistry.TaskRepair, jobregistry.StatusQueued, jobregistry.StatusRunning, jobregistry.StatusFailed),
		"running": seedJob(t, store, jobregistry.TaskSync, jobregistry.StatusQueued, jobregistry.StatusRunning),
	}
	require.NoError(t, store.Logs().Append(jobs["done"].ID, "info", "hello from the job"))
	return dir, jobs
}

func TestJobsList(t *testing.T) {
	dir, jobs := seededDataDir(t)

	out, err := runCLI(t, "jobs", "list", "--data-dir", dir, "-o", "json")
	require.NoError(t, err)
	var all []jobregistry.Job
	require.NoError(t, json.Unmarshal([]byte(out), &all))
	assert.Len(t, all, 3)

	out, err = runCLI(t, "jobs", "list", "--data-dir", dir, "--status", "running", "-o", "yaml")
	require.NoError(t, err)
	var running []map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &running))
	require.Len(t, running, 1)
	assert.Equal(t, jobs["running"].ID, running[0]["id"])

	out, err = runCLI(t, "jobs", "list", "--data-dir", dir, "--task-type", "REPAIR")
	require.NoError(t, err)
	assert.Contains(t, out, "JOB ID")
	assert.Contains(t, out, shortJobID(jobs["failed"].ID))
	assert.NotContains(t, out, shortJobID(jobs["done"].ID))

	_, err = runCLI(t, "jobs", "list", "--data-dir", dir, "--status", "bogus")
	require.Error(t, err)
}

func TestJobsStatusAndLogs(t *testing.T) {
	dir, jobs := seededDataDir(t)

	out, err := runCLI(t, "jobs", "status", jobs["done"].ID, "--data-dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "100%")

	out, err = runCLI(t, "jobs", "logs", jobs["done"].ID, "--data-dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "hello from the job")

	_, err = runCLI(t, "jobs", "status", "missing", "--data-dir", dir)
	require.Error(t, err)
}

func TestJobsGC(t *testing.T) {
	dir, jobs := seededDataDir(t)
	time.Sleep(5 * time.Millisecond)

	out, err := runCLI(t, "jobs", "gc", "--data-dir", dir, "--max-age", "1ms", "--dry-run")
	require.NoError(t, err)
	assert.Equal(t, "would_delete=2\n", out)

	_, err = runCLI(t, "jobs", "gc", "--data-dir", dir, "--max-age", "1ms", "--status", "running")
	require.Error(t, err, "active statuses are never deleted")

	out, err = runCLI(t, "jobs", "gc", "--data-dir", dir, "--max-age", "1ms", "--status", "failed")
	require.NoError(t, err)
	assert.Equal(t, "deleted=1\n", out)

	out, err = runCLI(t, "jobs", "list", "--data-dir", dir, "-o", "json")
	require.NoError(t, err)
	var left []jobregistry.Job
	require.NoError(t, json.Unmarshal([]byte(out), &left))
	ids := []string{}
	for _, j := range left {
		ids = append(ids, j.ID)
	}
	assert.ElementsMatch(t, []string{jobs["done"].ID, jobs["running"].ID}, ids)

	_, err = runCLI(t, "jobs", "gc", "--data-dir", dir, "--max-age=-1h")
	require.Error(t, err)
}

func TestParseSince(t *testing.T) {
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

	got, err := parseSince("24h", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-24*time.Hour), got)

	got, err = parseSince("2026-01-02T03:04:05Z", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), got)

	_, err = parseSince("yesterday", now)
	assert.True(t, jobregistry.IsValidation(err))
}

func TestEnqueueRequestFromFlags(t *testing.T) {
	newCmd := func() *cobra.Command {
		c := &cobra.Command{}
		c.Flags().AddFlagSet(jobsEnqueueCmd.Flags())
		resetFlags(c)
		return c
	}

	c := newCmd()
	require.NoError(t, c.Flags().Set("asin", "B1"))
	require.NoError(t, c.Flags().Set("asin", "B2"))
	require.NoError(t, c.Flags().Set("quality", "high"))
	require.NoError(t, c.Flags().Set("cover", "true"))
	m, err := enqueueRequestFromFlags(c, []string{"DOWNLOAD"})
	require.NoError(t, err)
	assert.Equal(t, "download", m.TaskType)
	assert.Equal(t, []string{"B1", "B2"}, m.Payload["asins"])
	assert.Equal(t, "high", m.Payload["quality"])
	assert.Equal(t, true, m.Payload["cover"])

	c = newCmd()
	require.NoError(t, c.Flags().Set("quality", "ultra"))
	_, err = enqueueRequestFromFlags(c, []string{"download"})
	require.Error(t, err, "schema rejects unknown quality")

	_, err = enqueueRequestFromFlags(newCmd(), nil)
	assert.True(t, jobregistry.IsValidation(err))
}

func TestPrintEvent(t *testing.T) {
	var buf bytes.Buffer
	ts := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	printEvent(&buf, hub.Event{Type: hub.EventProgress, JobID: "0123456789", ProgressPercent: 42, Message: "chapter 3", Timestamp: ts})
	printEvent(&buf, hub.Event{Type: hub.EventMeta, JobID: "0123456789", Meta: map[string]any{"speed": "2x", "eta": 30}, Timestamp: ts})

	out := buf.String()
	assert.Contains(t, out, "01234567  42% chapter 3")
	assert.Contains(t, out, "meta eta=30 speed=2x")
}

func TestIsFinal(t *testing.T) {
	assert.True(t, isFinal(hub.Event{Type: hub.EventStatus, Status: "failed"}))
	assert.True(t, isFinal(hub.Event{Type: hub.EventSnapshot, Status: "completed"}))
	assert.False(t, isFinal(hub.Event{Type: hub.EventStatus, Status: "paused"}))
	assert.False(t, isFinal(hub.Event{Type: hub.EventProgress, Status: "completed"}))
}
