package telemetry

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/audioshelf/pkg/hub"
	"github.com/3leaps/audioshelf/pkg/jobregistry"
)

// DefaultMetaInterval is the minimum spacing between metadata broadcasts.
const DefaultMetaInterval = 500 * time.Millisecond

// messageStep is the percent granularity of status messages.
const messageStep = 5

// Publisher delivers events to live observers.
type Publisher interface {
	Publish(ev hub.Event) int
}

// ProgressStore persists progress. *jobregistry.Store satisfies it.
type ProgressStore interface {
	Update(ctx context.Context, id string, p jobregistry.Patch) (*jobregistry.Job, error)
}

// LogAppender records every event line. *jobregistry.LogStore satisfies it.
type LogAppender interface {
	Append(jobID, level, message string) error
}

// Config wires a Stream for one job.
type Config struct {
	JobID        string
	TaskType     jobregistry.TaskType
	Publisher    Publisher
	Store        ProgressStore
	Logs         LogAppender
	Logger       *zap.Logger
	MetaInterval time.Duration
}

// Stream applies the broadcast policy for one job:
//
//   - every event is appended to the job log
//   - log-only events stop there
//   - a message broadcast is sent whenever progress reaches a new 5% step
//   - metadata broadcasts are rate limited to one per MetaInterval
//   - every broadcast is persisted with a single store update
//
// Broadcast and persistence failures are logged and never surface to the job.
type Stream struct {
	cfg      Config
	logger   *zap.Logger
	throttle *rate.Limiter

	lastStep   int
	lastMsgPct int
}

// NewStream creates a stream. Handle and Run must not be called concurrently.
func NewStream(cfg Config) *Stream {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.MetaInterval <= 0 {
		cfg.MetaInterval = DefaultMetaInterval
	}
	return &Stream{
		cfg:        cfg,
		logger:     cfg.Logger.With(zap.String("job_id", cfg.JobID)),
		throttle:   rate.NewLimiter(rate.Every(cfg.MetaInterval), 1),
		lastMsgPct: -1,
	}
}

// Run consumes events until the channel is closed.
func (s *Stream) Run(ctx context.Context, events <-chan Event) {
	for ev := range events {
		s.Handle(ctx, ev)
	}
}

// Handle processes one event and returns the number of broadcasts it caused
// (0 or 1).
func (s *Stream) Handle(ctx context.Context, ev Event) int {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	s.appendLog(ev)
	if ev.IsLogOnly() {
		return 0
	}

	pct := clampPercent(ev.Percent)
	meta := copyMeta(ev.Meta)

	var out hub.Event
	switch {
	case s.crossesStep(pct):
		s.lastStep = pct / messageStep
		s.lastMsgPct = pct
		out = hub.Event{Type: hub.EventProgress, Message: ProgressMessage(s.cfg.TaskType, pct)}
		// The step message always goes out; its metadata rides along only
		// when the throttle window is open.
		if len(meta) > 0 && s.throttle.AllowN(ev.At, 1) {
			out.Meta = meta
		}
	case len(meta) > 0 && s.throttle.AllowN(ev.At, 1):
		out = hub.Event{Type: hub.EventMeta, Meta: meta}
	default:
		return 0
	}

	out.JobID = s.cfg.JobID
	out.TaskType = string(s.cfg.TaskType)
	out.Status = string(jobregistry.StatusRunning)
	out.ProgressPercent = pct
	out.Timestamp = time.Now().UTC()

	s.persist(ctx, out)
	if s.cfg.Publisher != nil {
		s.cfg.Publisher.Publish(out)
	}
	return 1
}

func (s *Stream) crossesStep(pct int) bool {
	if pct/messageStep > s.lastStep {
		return true
	}
	return pct%messageStep == 0 && pct != s.lastMsgPct
}

func (s *Stream) persist(ctx context.Context, ev hub.Event) {
	if s.cfg.Store == nil {
		return
	}
	patch := jobregistry.Patch{ProgressPercent: jobregistry.IntPtr(ev.ProgressPercent)}
	if ev.Message != "" {
		patch.StatusMessage = jobregistry.StringPtr(ev.Message)
	}
	if _, err := s.cfg.Store.Update(ctx, s.cfg.JobID, patch); err != nil {
		s.logger.Warn("persist progress failed", zap.Int("percent", ev.ProgressPercent), zap.Error(err))
	}
}

func (s *Stream) appendLog(ev Event) {
	if s.cfg.Logs == nil {
		return
	}
	line := ev.Line
	if line == "" {
		if ev.IsLogOnly() {
			return
		}
		line = fmt.Sprintf("progress %d%%", clampPercent(ev.Percent))
	}
	level := "info"
	if v, ok := ev.Meta["level"].(string); ok && strings.TrimSpace(v) != "" {
		level = v
	}
	if err := s.cfg.Logs.Append(s.cfg.JobID, level, line); err != nil {
		s.logger.Warn("append job log failed", zap.Error(err))
	}
}

// ProgressMessage is the status text stored and broadcast at each step.
func ProgressMessage(tt jobregistry.TaskType, pct int) string {
	verb := "Working"
	switch tt {
	case jobregistry.TaskDownload:
		verb = "Downloading"
	case jobregistry.TaskConvert:
		verb = "Converting"
	case jobregistry.TaskSync:
		verb = "Syncing library"
	case jobregistry.TaskRepair:
		verb = "Repairing library"
	}
	return fmt.Sprintf("%s %d%%", verb, pct)
}

func clampPercent(p float64) int {
	if math.IsNaN(p) || p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return int(math.Floor(p))
}

func copyMeta(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if k == "percent" || k == "level" {
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
