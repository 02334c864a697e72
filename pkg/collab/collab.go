// Package collab defines the contracts of the external collaborators a job
// drives: the downloader, the converter, the metadata extractor and the
// library repairer.
package collab

import (
	"context"
	"os"

	"github.com/3leaps/audioshelf/pkg/telemetry"
	"github.com/3leaps/audioshelf/pkg/toolrun"
)

// Failure classes. Errors returned by collaborators should wrap one of these.
var (
	ErrLaunch  = toolrun.ErrLaunch
	ErrRuntime = toolrun.ErrRuntime
)

// Session is what a running job hands its collaborator.
type Session struct {
	JobID    string
	Reporter telemetry.Reporter
	Tracker  toolrun.Tracker
}

// Report forwards to the session reporter, tolerating a nil reporter.
func (s Session) Report(ctx context.Context, percent float64, line string, meta map[string]any) error {
	if s.Reporter == nil {
		return nil
	}
	return s.Reporter.Report(ctx, percent, line, meta)
}

// Log reports a line without progress.
func (s Session) Log(ctx context.Context, line string) error {
	return s.Report(ctx, telemetry.LogOnly, line, nil)
}

// Attach forwards to the session tracker, tolerating a nil tracker.
func (s Session) Attach(p *os.Process) func() {
	if s.Tracker == nil {
		return func() {}
	}
	return s.Tracker.Attach(p)
}

// LibraryItem is one title in the remote library.
type LibraryItem struct {
	ASIN     string   `json:"asin" yaml:"asin"`
	Title    string   `json:"title" yaml:"title"`
	Subtitle string   `json:"subtitle,omitempty" yaml:"subtitle,omitempty"`
	Authors  []string `json:"authors,omitempty" yaml:"authors,omitempty"`
	Narrator []string `json:"narrators,omitempty" yaml:"narrators,omitempty"`
	Series   string   `json:"series,omitempty" yaml:"series,omitempty"`
	Runtime  int      `json:"runtime_minutes,omitempty" yaml:"runtime_minutes,omitempty"`
}

// LibraryOptions narrows a library export.
type LibraryOptions struct {
	Since      string
	IncludeAll bool
}

// DownloadRequest names the titles to fetch.
type DownloadRequest struct {
	ASINs     []string
	OutputDir string
	Quality   string
	Cover     bool
}

// DownloadStatus summarizes a finished download.
type DownloadStatus struct {
	Files      []string `json:"files"`
	Downloaded []string `json:"downloaded"`
	Skipped    []string `json:"skipped,omitempty"`
}

// Downloader fetches titles from the remote service.
type Downloader interface {
	IsAuthenticated(ctx context.Context) (bool, error)
	GetLibrary(ctx context.Context, opts LibraryOptions) ([]LibraryItem, error)
	Download(ctx context.Context, req DownloadRequest, s Session) (DownloadStatus, error)
}

// ConvertRequest describes one conversion.
type ConvertRequest struct {
	ASIN       string
	InputPath  string
	OutputPath string
	ActBytes   string
	Format     string
	Metadata   *Metadata
}

// ConvertResult summarizes a finished conversion.
type ConvertResult struct {
	ASIN       string `json:"asin"`
	OutputPath string `json:"output_path"`
	Bytes      int64  `json:"bytes"`
}

// Converter transcodes downloaded files into the library format.
type Converter interface {
	BuildCommand(req ConvertRequest) []string
	Convert(ctx context.Context, req ConvertRequest, s Session) (ConvertResult, error)
}

// Chapter is one chapter marker.
type Chapter struct {
	Title string  `json:"title" yaml:"title"`
	Start float64 `json:"start" yaml:"start"`
	End   float64 `json:"end" yaml:"end"`
}

// Metadata is what the extractor learns from a media file.
type Metadata struct {
	Title           string            `json:"title,omitempty" yaml:"title,omitempty"`
	Artist          string            `json:"artist,omitempty" yaml:"artist,omitempty"`
	Album           string            `json:"album,omitempty" yaml:"album,omitempty"`
	DurationSeconds float64           `json:"duration_seconds" yaml:"duration_seconds"`
	Chapters        []Chapter         `json:"chapters,omitempty" yaml:"chapters,omitempty"`
	Tags            map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// MetadataExtractor reads metadata from a media file.
type MetadataExtractor interface {
	Extract(ctx context.Context, path string) (*Metadata, error)
}

// RepairSummary reports what a library repair changed.
type RepairSummary struct {
	Updated        int      `json:"updated" yaml:"updated"`
	Inserted       int      `json:"inserted" yaml:"inserted"`
	Deduped        int      `json:"deduped" yaml:"deduped"`
	DuplicateASINs []string `json:"duplicate_asins,omitempty" yaml:"duplicate_asins,omitempty"`
	ReportPath     string   `json:"report_path,omitempty" yaml:"report_path,omitempty"`
}

// Repairer reconciles the local library with the catalog.
type Repairer interface {
	ApplyRepair(ctx context.Context, s Session) (RepairSummary, error)
}
