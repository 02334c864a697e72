// Package telemetry turns raw collaborator progress into throttled broadcasts
// and durable progress updates.
package telemetry

import (
	"context"
	"time"
)

// LogOnly marks an event that carries a log line but no progress.
const LogOnly = -1.0

// Event is one progress observation from a running job.
type Event struct {
	JobID   string
	Percent float64
	Line    string
	Meta    map[string]any
	At      time.Time
}

// IsLogOnly reports whether the event carries no progress.
func (e Event) IsLogOnly() bool {
	return e.Percent < 0
}

// Reporter is handed to collaborators for reporting progress.
//
// Report may block while the job is paused and returns an error when the job
// is cancelled while blocked. Collaborators should stop work on error.
type Reporter interface {
	Report(ctx context.Context, percent float64, line string, meta map[string]any) error
}

// Discard is a Reporter that drops everything.
var Discard Reporter = discard{}

type discard struct{}

func (discard) Report(context.Context, float64, string, map[string]any) error { return nil }

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, percent float64, line string, meta map[string]any) error

func (f ReporterFunc) Report(ctx context.Context, percent float64, line string, meta map[string]any) error {
	return f(ctx, percent, line, meta)
}
