// Package tasks binds the collaborators to job handlers, one per task type.
package tasks

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/audioshelf/pkg/catalog"
	"github.com/3leaps/audioshelf/pkg/collab"
	"github.com/3leaps/audioshelf/pkg/collab/audible"
	"github.com/3leaps/audioshelf/pkg/jobengine"
	"github.com/3leaps/audioshelf/pkg/jobregistry"
	"github.com/3leaps/audioshelf/pkg/telemetry"
)

// DefaultFormat is the container written into the library.
const DefaultFormat = "m4b"

// Config wires handlers to their collaborators. A nil collaborator leaves the
// matching task type without a handler.
type Config struct {
	Downloader collab.Downloader
	Converter  collab.Converter
	Extractor  collab.MetadataExtractor
	Repairer   collab.Repairer
	Catalog    *catalog.Store

	DownloadDir string
	LibraryDir  string
	Format      string

	// FindInputs locates downloaded files for an ASIN. Defaults to
	// audible.FindDownloads.
	FindInputs func(dir, asin string) ([]string, error)

	Logger *zap.Logger
	Now    func() time.Time
}

// Handlers builds the handler set for cfg.
func Handlers(cfg Config) map[jobregistry.TaskType]jobengine.Handler {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Format == "" {
		cfg.Format = DefaultFormat
	}
	if cfg.FindInputs == nil {
		cfg.FindInputs = audible.FindDownloads
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	out := map[jobregistry.TaskType]jobengine.Handler{}
	if cfg.Downloader != nil {
		out[jobregistry.TaskDownload] = &downloadHandler{cfg: cfg}
		if cfg.Catalog != nil {
			out[jobregistry.TaskSync] = &syncHandler{cfg: cfg}
		}
	}
	if cfg.Converter != nil {
		out[jobregistry.TaskConvert] = &convertHandler{cfg: cfg}
	}
	if cfg.Repairer != nil {
		out[jobregistry.TaskRepair] = &repairHandler{cfg: cfg}
	}
	return out
}

// Register installs every handler cfg can build.
func Register(e *jobengine.Engine, cfg Config) []jobregistry.TaskType {
	var registered []jobregistry.TaskType
	handlers := Handlers(cfg)
	for _, tt := range jobregistry.TaskTypes {
		if h, ok := handlers[tt]; ok {
			e.Register(tt, h)
			registered = append(registered, tt)
		}
	}
	return registered
}

// scaled maps a collaborator's 0-100 onto [from, from+span] of the job.
func scaled(r telemetry.Reporter, from, span float64) telemetry.Reporter {
	return telemetry.ReporterFunc(func(ctx context.Context, percent float64, line string, meta map[string]any) error {
		if percent >= 0 {
			percent = from + percent*span/100
		}
		return r.Report(ctx, percent, line, meta)
	})
}

func stringOption(p jobregistry.Payload, key, def string) (string, error) {
	var v string
	ok, err := p.Option(key, &v)
	if err != nil {
		return "", err
	}
	if !ok || strings.TrimSpace(v) == "" {
		return def, nil
	}
	return v, nil
}

func boolOption(p jobregistry.Payload, key string) (bool, error) {
	var v bool
	_, err := p.Option(key, &v)
	return v, err
}

// pickInput prefers the encrypted audible container over side files.
func pickInput(files []string) string {
	rank := func(path string) int {
		switch strings.ToLower(filepath.Ext(path)) {
		case ".aaxc":
			return 0
		case ".aax":
			return 1
		case ".mp3", ".m4b":
			return 2
		}
		return 3
	}
	best := ""
	for _, f := range files {
		if best == "" || rank(f) < rank(best) {
			best = f
		}
	}
	return best
}

func requireDir(name, dir string) error {
	if strings.TrimSpace(dir) == "" {
		return fmt.Errorf("%w: %s is not configured", jobregistry.ErrValidation, name)
	}
	return nil
}
