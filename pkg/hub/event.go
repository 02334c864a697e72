// Package hub fans job lifecycle and progress events out to live observers.
//
// Delivery is best-effort: a subscriber whose buffer is full misses the
// event and the publisher never blocks. The durable record is the job store.
package hub

import (
	"time"

	"github.com/3leaps/audioshelf/pkg/jobregistry"
)

// EventType identifies the kind of event.
type EventType string

const (
	// EventSnapshot is sent once to a new per-job subscriber.
	EventSnapshot EventType = "snapshot"
	// EventStatus is a lifecycle transition (queued, running, paused, ...).
	EventStatus EventType = "status"
	// EventProgress carries a progress percent and human readable message.
	EventProgress EventType = "progress"
	// EventMeta carries structured collaborator metadata (speed, eta, ...).
	EventMeta EventType = "meta"
	// EventPong answers a client ping.
	EventPong EventType = "pong"
)

// Event is the envelope delivered to subscribers and written to WebSockets.
type Event struct {
	Type            EventType        `json:"type"`
	JobID           string           `json:"job_id,omitempty"`
	TaskType        string           `json:"task_type,omitempty"`
	Status          string           `json:"status,omitempty"`
	ProgressPercent int              `json:"progress_percent"`
	Message         string           `json:"message,omitempty"`
	Error           string           `json:"error,omitempty"`
	Meta            map[string]any   `json:"meta,omitempty"`
	Job             *jobregistry.Job `json:"job,omitempty"`
	Logs            []string         `json:"logs,omitempty"`
	Timestamp       time.Time        `json:"timestamp"`
}

// StatusEvent builds the lifecycle event for a job record.
func StatusEvent(j *jobregistry.Job) Event {
	return Event{
		Type:            EventStatus,
		JobID:           j.ID,
		TaskType:        string(j.TaskType),
		Status:          string(j.Status),
		ProgressPercent: j.ProgressPercent,
		Message:         j.StatusMessage,
		Error:           j.ErrorMessage,
		Timestamp:       j.UpdatedAt,
	}
}

// SnapshotEvent builds the initial event for a per-job subscriber.
func SnapshotEvent(j *jobregistry.Job, logs []string) Event {
	ev := StatusEvent(j)
	ev.Type = EventSnapshot
	ev.Job = j
	ev.Logs = logs
	ev.Timestamp = time.Now().UTC()
	return ev
}
