// Package audible drives audible-cli as the downloader collaborator.
package audible

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/3leaps/audioshelf/pkg/collab"
	"github.com/3leaps/audioshelf/pkg/toolrun"
)

// Client implements collab.Downloader on top of the audible binary.
type Client struct {
	Binary  string
	Profile string
	Logger  *zap.Logger

	run func(ctx context.Context, c toolrun.Command) (*toolrun.Result, error)
}

var _ collab.Downloader = (*Client)(nil)

// New returns a client for the given binary ("audible" when empty).
func New(binary string, logger *zap.Logger) *Client {
	if strings.TrimSpace(binary) == "" {
		binary = "audible"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{Binary: binary, Logger: logger, run: toolrun.Run}
}

func (c *Client) args(args ...string) []string {
	if c.Profile != "" {
		return append([]string{"-P", c.Profile}, args...)
	}
	return args
}

// IsAuthenticated checks that the active profile can reach the account API.
func (c *Client) IsAuthenticated(ctx context.Context) (bool, error) {
	_, err := c.run(ctx, toolrun.Command{
		Name: c.Binary,
		Args: c.args("api", "1.0/customer/information"),
	})
	if err == nil {
		return true, nil
	}
	if toolrun.IsRuntime(err) {
		c.Logger.Debug("audible profile not authenticated", zap.Error(err))
		return false, nil
	}
	return false, err
}

// GetLibrary exports the account library as JSON and decodes it.
func (c *Client) GetLibrary(ctx context.Context, opts collab.LibraryOptions) ([]collab.LibraryItem, error) {
	tmp, err := os.CreateTemp("", "audioshelf-library-*.json")
	if err != nil {
		return nil, fmt.Errorf("create library export file: %w", err)
	}
	path := tmp.Name()
	_ = tmp.Close()
	defer func() { _ = os.Remove(path) }()

	args := []string{"library", "export", "--format", "json", "--output", path}
	if opts.Since != "" {
		args = append(args, "--start-date", opts.Since)
	}
	if opts.IncludeAll {
		args = append(args, "--resolve-podcasts")
	}
	if _, err := c.run(ctx, toolrun.Command{Name: c.Binary, Args: c.args(args...)}); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read library export: %w", err)
	}
	return DecodeLibrary(data)
}

type exportItem struct {
	ASIN      string `json:"asin"`
	Title     string `json:"title"`
	Subtitle  string `json:"subtitle"`
	Authors   string `json:"authors"`
	Narrators string `json:"narrators"`
	Series    string `json:"series_title"`
	Runtime   int    `json:"runtime_length_min"`
}

// DecodeLibrary parses audible-cli's JSON library export.
func DecodeLibrary(data []byte) ([]collab.LibraryItem, error) {
	var raw []exportItem
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode library export: %w", err)
	}
	items := make([]collab.LibraryItem, 0, len(raw))
	for _, r := range raw {
		if strings.TrimSpace(r.ASIN) == "" {
			continue
		}
		items = append(items, collab.LibraryItem{
			ASIN:     strings.TrimSpace(r.ASIN),
			Title:    r.Title,
			Subtitle: r.Subtitle,
			Authors:  splitNames(r.Authors),
			Narrator: splitNames(r.Narrators),
			Series:   r.Series,
			Runtime:  r.Runtime,
		})
	}
	return items, nil
}

func splitNames(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Download fetches each title in turn. Overall progress is spread evenly
// across the requested titles.
func (c *Client) Download(ctx context.Context, req collab.DownloadRequest, s collab.Session) (collab.DownloadStatus, error) {
	var status collab.DownloadStatus
	if len(req.ASINs) == 0 {
		return status, errors.New("no asins to download")
	}
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return status, fmt.Errorf("create download dir: %w", err)
	}

	n := float64(len(req.ASINs))
	for i, asin := range req.ASINs {
		base := float64(i) / n * 100
		_ = s.Log(ctx, fmt.Sprintf("downloading %s (%d/%d)", asin, i+1, len(req.ASINs)))

		args := []string{"download", "--asin", asin, "--aaxc", "--output-dir", req.OutputDir, "--no-confirm", "--overwrite"}
		if req.Quality != "" {
			args = append(args, "--quality", req.Quality)
		}
		if req.Cover {
			args = append(args, "--cover")
		}

		sink := collab.NewLineSink(ctx, s, parseLine, func(p float64) float64 { return base + p/n })
		_, err := c.run(ctx, toolrun.Command{
			Name:    c.Binary,
			Args:    c.args(args...),
			Tracker: s,
			OnLine:  sink.Handle,
		})
		if err != nil {
			return status, err
		}
		if err := sink.Err(); err != nil {
			return status, err
		}

		files, err := FindDownloads(req.OutputDir, asin)
		if err != nil {
			return status, err
		}
		if len(files) == 0 {
			status.Skipped = append(status.Skipped, asin)
			continue
		}
		status.Files = append(status.Files, files...)
		status.Downloaded = append(status.Downloaded, asin)
	}
	return status, nil
}

func parseLine(line string) (collab.LineKind, float64, map[string]any) {
	p, ok := ParseProgress(line)
	if !ok {
		return collab.LinePlain, 0, nil
	}
	return collab.LineProgress, p.Percent, p.Meta()
}

// FindDownloads locates the encrypted audio files audible-cli wrote for asin.
func FindDownloads(dir, asin string) ([]string, error) {
	pattern := "**/*" + asin + "*.{aax,aaxc,mp3,m4b}"
	matches, err := doublestar.Glob(os.DirFS(dir), pattern)
	if err != nil {
		return nil, fmt.Errorf("scan download dir: %w", err)
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, filepath.Join(dir, filepath.FromSlash(m)))
	}
	return out, nil
}
