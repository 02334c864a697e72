package cmd

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/3leaps/audioshelf/internal/config"
	"github.com/3leaps/audioshelf/pkg/admission"
	"github.com/3leaps/audioshelf/pkg/catalog"
	"github.com/3leaps/audioshelf/pkg/collab/audible"
	"github.com/3leaps/audioshelf/pkg/collab/ffmpeg"
	"github.com/3leaps/audioshelf/pkg/hub"
	"github.com/3leaps/audioshelf/pkg/jobengine"
	"github.com/3leaps/audioshelf/pkg/jobregistry"
	"github.com/3leaps/audioshelf/pkg/tasks"
)

// app is the wired job service behind "serve".
type app struct {
	store  *jobregistry.Store
	hub    *hub.Hub
	engine *jobengine.Engine
	tasks  []jobregistry.TaskType
}

// openStore opens the configured job database with its per-job log directory.
func openStore(ctx context.Context, cfg *config.Config) (*jobregistry.Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	logs := jobregistry.NewLogStore(cfg.JobLogDir())
	store, err := jobregistry.Open(ctx, cfg.StoreConfig(), jobregistry.WithLogStore(logs))
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	return store, nil
}

// buildApp wires the store, hub, limiter, engine and task handlers. The
// engine is not started.
func buildApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	h := hub.New(logger.Named("hub"))
	engine, err := jobengine.New(jobengine.Options{
		Store:         store,
		Hub:           h,
		Limiter:       admission.NewLimiter(cfg.Jobs.Capacities()),
		Logger:        logger.Named("engine"),
		ShutdownGrace: cfg.Jobs.ShutdownGrace,
		MetaInterval:  cfg.Jobs.MetaInterval,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	downloader := audible.New(cfg.Tools.Audible, logger.Named("audible"))
	downloader.Profile = cfg.Tools.AudibleProfile
	prober := ffmpeg.NewProber(cfg.Tools.FFprobe)
	cat := catalog.NewStore(cfg.CatalogPath())

	registered := tasks.Register(engine, tasks.Config{
		Downloader:  downloader,
		Converter:   ffmpeg.NewConverter(cfg.Tools.FFmpeg, prober),
		Extractor:   prober,
		Repairer:    catalog.NewRepairer(cat, cfg.LibraryDir(), cfg.Library.Patterns, cfg.ReportDir()),
		Catalog:     cat,
		DownloadDir: cfg.DownloadDir(),
		LibraryDir:  cfg.LibraryDir(),
		Format:      cfg.Library.Format,
		Logger:      logger.Named("tasks"),
	})

	return &app{store: store, hub: h, engine: engine, tasks: registered}, nil
}
