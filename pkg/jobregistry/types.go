package jobregistry

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TaskType is the category of a job. Each task type has its own admission gate.
//
// NOTE: These values are persisted in the jobs table and are part of the stable
// on-disk contract.
type TaskType string

const (
	TaskDownload TaskType = "download"
	TaskConvert  TaskType = "convert"
	TaskSync     TaskType = "sync"
	TaskRepair   TaskType = "repair"
)

// TaskTypes lists every known task type in a stable order.
var TaskTypes = []TaskType{TaskDownload, TaskConvert, TaskSync, TaskRepair}

// ParseTaskType accepts any casing ("DOWNLOAD", "download").
func ParseTaskType(s string) (TaskType, error) {
	t := TaskType(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range TaskTypes {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: unknown task type %q", ErrValidation, s)
}

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ActiveStatuses are the non-terminal states. Rows in these states are never
// deleted and are force-failed by recovery.
var ActiveStatuses = []Status{StatusPending, StatusQueued, StatusRunning, StatusPaused}

// TerminalStatuses are absorbing.
var TerminalStatuses = []Status{StatusCompleted, StatusFailed}

// ParseStatus accepts any casing ("RUNNING", "running").
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case StatusPending, StatusQueued, StatusRunning, StatusPaused, StatusCompleted, StatusFailed:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrValidation, s)
}

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) IsActive() bool {
	return !s.IsTerminal()
}

var transitions = map[Status][]Status{
	StatusPending: {StatusQueued},
	StatusQueued:  {StatusRunning},
	StatusRunning: {StatusPaused, StatusCompleted, StatusFailed},
	// paused -> failed is taken only when a suspended run is cancelled or shut down.
	StatusPaused: {StatusRunning, StatusFailed},
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
// A same-state "transition" is allowed for non-terminal states so progress
// updates can reuse the same write path.
func CanTransition(from, to Status) bool {
	if from == to {
		return !from.IsTerminal()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Messages written by the engine and recovery. They are matched by clients,
// keep them stable.
const (
	InterruptedByRestart  = "interrupted by restart"
	InterruptedByShutdown = "interrupted by shutdown"
	CancelledByUser       = "cancelled by user"
)

// Job is one schedulable unit of background work.
type Job struct {
	ID              string          `json:"id"`
	TaskType        TaskType        `json:"task_type"`
	Status          Status          `json:"status"`
	BookASIN        *string         `json:"book_asin,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	ProgressPercent int             `json:"progress_percent"`
	StatusMessage   string          `json:"status_message,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	ResultJSON      json.RawMessage `json:"result_json,omitempty"`
	Attempt         int             `json:"attempt"`
	OriginalJobID   *string         `json:"original_job_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// RootID returns the id of the first attempt in this job's retry chain.
func (j *Job) RootID() string {
	if j.OriginalJobID != nil && strings.TrimSpace(*j.OriginalJobID) != "" {
		return *j.OriginalJobID
	}
	return j.ID
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Statuses      []Status
	TaskType      TaskType
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Limit         int
}

// DeleteFilter selects terminal history for deletion.
//
// An empty Statuses slice means all terminal statuses. Before applies to
// completed_at (falling back to created_at).
type DeleteFilter struct {
	Statuses   []Status
	Before     *time.Time
	RemoveLogs bool
}

// Patch is one atomic mutation of a job row. Nil fields are left unchanged.
type Patch struct {
	Status          *Status
	ProgressPercent *int
	StatusMessage   *string
	ErrorMessage    *string
	ResultJSON      json.RawMessage
}

// StatusPtr, IntPtr and StringPtr are small helpers for building patches.
func StatusPtr(s Status) *Status { return &s }
func IntPtr(v int) *int { return &v }
func StringPtr(v string) *string { return &v }
