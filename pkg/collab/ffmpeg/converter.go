// Package ffmpeg implements the converter and metadata extractor
// collaborators on top of ffmpeg and ffprobe.
package ffmpeg

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/3leaps/audioshelf/pkg/collab"
	"github.com/3leaps/audioshelf/pkg/toolrun"
)

// Converter implements collab.Converter.
type Converter struct {
	Binary    string
	Extractor collab.MetadataExtractor

	run func(ctx context.Context, c toolrun.Command) (*toolrun.Result, error)
}

var _ collab.Converter = (*Converter)(nil)

// NewConverter returns a converter for the given ffmpeg binary ("ffmpeg" when
// empty). The extractor supplies the duration used for progress.
func NewConverter(binary string, extractor collab.MetadataExtractor) *Converter {
	if strings.TrimSpace(binary) == "" {
		binary = "ffmpeg"
	}
	return &Converter{Binary: binary, Extractor: extractor, run: toolrun.Run}
}

// BuildCommand returns the full argv (binary first) for req.
func (c *Converter) BuildCommand(req collab.ConvertRequest) []string {
	args := []string{c.Binary, "-hide_banner", "-nostdin", "-y"}
	if req.ActBytes != "" {
		args = append(args, "-activation_bytes", req.ActBytes)
	}
	args = append(args, "-i", req.InputPath, "-map", "0:a", "-map_chapters", "0", "-c", "copy")
	if req.Metadata != nil {
		keys := make([]string, 0, len(req.Metadata.Tags))
		for k := range req.Metadata.Tags {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			args = append(args, "-metadata", k+"="+req.Metadata.Tags[k])
		}
		if req.Metadata.Title != "" {
			args = append(args, "-metadata", "title="+req.Metadata.Title)
		}
	}
	if f := strings.TrimSpace(req.Format); f != "" {
		args = append(args, "-f", formatMuxer(f))
	}
	args = append(args, "-progress", "pipe:1", "-nostats", req.OutputPath)
	return args
}

func formatMuxer(format string) string {
	switch strings.ToLower(format) {
	case "m4b", "m4a":
		return "ipod"
	default:
		return strings.ToLower(format)
	}
}

// Convert runs ffmpeg and reports progress against the input duration.
func (c *Converter) Convert(ctx context.Context, req collab.ConvertRequest, s collab.Session) (collab.ConvertResult, error) {
	res := collab.ConvertResult{ASIN: req.ASIN, OutputPath: req.OutputPath}
	if req.InputPath == "" || req.OutputPath == "" {
		return res, fmt.Errorf("convert %s: input and output paths are required", req.ASIN)
	}
	if err := os.MkdirAll(filepath.Dir(req.OutputPath), 0o755); err != nil {
		return res, fmt.Errorf("create output dir: %w", err)
	}

	state := &progressState{}
	if req.Metadata != nil {
		state.duration = req.Metadata.DurationSeconds
	} else if c.Extractor != nil {
		if md, err := c.Extractor.Extract(ctx, req.InputPath); err == nil {
			state.duration = md.DurationSeconds
		} else {
			_ = s.Log(ctx, fmt.Sprintf("probe %s: %v", req.InputPath, err))
		}
	}

	parse := func(line string) (collab.LineKind, float64, map[string]any) {
		if state.feed(line) {
			return collab.LineProgress, state.percent(), state.meta()
		}
		if isProgressKey(line) {
			return collab.LineSkip, 0, nil
		}
		return collab.LinePlain, 0, nil
	}
	sink := collab.NewLineSink(ctx, s, parse, nil)

	argv := c.BuildCommand(req)
	_, err := c.run(ctx, toolrun.Command{
		Name:    argv[0],
		Args:    argv[1:],
		Tracker: s,
		OnLine:  sink.Handle,
	})
	if err != nil {
		return res, err
	}
	if err := sink.Err(); err != nil {
		return res, err
	}

	info, err := os.Stat(req.OutputPath)
	if err != nil {
		return res, fmt.Errorf("%w: ffmpeg finished but output is missing: %v", collab.ErrRuntime, err)
	}
	res.Bytes = info.Size()
	return res, nil
}
