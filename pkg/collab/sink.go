package collab

import (
	"context"
	"sync"

	"github.com/3leaps/audioshelf/pkg/toolrun"
)

// LineKind classifies one line of tool output.
type LineKind int

const (
	// LinePlain is logged without progress.
	LinePlain LineKind = iota
	// LineProgress carries a percent and is reported.
	LineProgress
	// LineSkip is dropped.
	LineSkip
)

// ParseFunc classifies a line and extracts progress from it.
type ParseFunc func(line string) (kind LineKind, percent float64, meta map[string]any)

// LineSink forwards tool output lines to a session. Lines from stdout and
// stderr are serialized and the first reporting error is kept; later lines
// are ignored once reporting failed.
type LineSink struct {
	ctx     context.Context
	session Session
	parse   ParseFunc
	scale   func(float64) float64

	mu  sync.Mutex
	err error
}

// NewLineSink returns a sink. scale maps the tool's own percent onto the job's
// overall percent; nil keeps it unchanged.
func NewLineSink(ctx context.Context, s Session, parse ParseFunc, scale func(float64) float64) *LineSink {
	return &LineSink{ctx: ctx, session: s, parse: parse, scale: scale}
}

// Handle implements toolrun.LineFunc.
func (l *LineSink) Handle(_ toolrun.Stream, line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return
	}
	kind, pct, meta := LinePlain, 0.0, map[string]any(nil)
	if l.parse != nil {
		kind, pct, meta = l.parse(line)
	}
	switch kind {
	case LineSkip:
	case LineProgress:
		if l.scale != nil {
			pct = l.scale(pct)
		}
		l.err = l.session.Report(l.ctx, pct, line, meta)
	default:
		l.err = l.session.Log(l.ctx, line)
	}
}

// Err returns the first reporting error.
func (l *LineSink) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}
