package ffmpeg

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/3leaps/audioshelf/pkg/collab"
	"github.com/3leaps/audioshelf/pkg/toolrun"
)

// Prober implements collab.MetadataExtractor with ffprobe.
type Prober struct {
	Binary string

	run func(ctx context.Context, c toolrun.Command) (*toolrun.Result, error)
}

var _ collab.MetadataExtractor = (*Prober)(nil)

// NewProber returns an extractor for the given ffprobe binary ("ffprobe" when
// empty).
func NewProber(binary string) *Prober {
	if strings.TrimSpace(binary) == "" {
		binary = "ffprobe"
	}
	return &Prober{Binary: binary, run: toolrun.Run}
}

// Extract reads container tags, duration and chapters.
func (p *Prober) Extract(ctx context.Context, path string) (*collab.Metadata, error) {
	res, err := p.run(ctx, toolrun.Command{
		Name: p.Binary,
		Args: []string{"-v", "quiet", "-print_format", "json", "-show_format", "-show_chapters", path},
	})
	if err != nil {
		return nil, err
	}
	return DecodeProbe([]byte(strings.Join(res.Stdout, "\n")))
}

type probeOutput struct {
	Format struct {
		Duration string            `json:"duration"`
		Tags     map[string]string `json:"tags"`
	} `json:"format"`
	Chapters []struct {
		StartTime string            `json:"start_time"`
		EndTime   string            `json:"end_time"`
		Tags      map[string]string `json:"tags"`
	} `json:"chapters"`
}

// DecodeProbe parses ffprobe's JSON output.
func DecodeProbe(data []byte) (*collab.Metadata, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: decode ffprobe output: %v", collab.ErrRuntime, err)
	}

	md := &collab.Metadata{Tags: map[string]string{}}
	md.DurationSeconds, _ = strconv.ParseFloat(out.Format.Duration, 64)
	for k, v := range out.Format.Tags {
		k = strings.ToLower(k)
		switch k {
		case "title":
			md.Title = v
		case "artist":
			md.Artist = v
		case "album":
			md.Album = v
		default:
			md.Tags[k] = v
		}
	}
	if len(md.Tags) == 0 {
		md.Tags = nil
	}
	for i, ch := range out.Chapters {
		start, _ := strconv.ParseFloat(ch.StartTime, 64)
		end, _ := strconv.ParseFloat(ch.EndTime, 64)
		title := ch.Tags["title"]
		if title == "" {
			title = fmt.Sprintf("Chapter %d", i+1)
		}
		md.Chapters = append(md.Chapters, collab.Chapter{Title: title, Start: start, End: end})
	}
	return md, nil
}
