package tasks

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/3leaps/audioshelf/pkg/collab"
	"github.com/3leaps/audioshelf/pkg/jobengine"
)

// ErrNotAuthenticated fails downloads and syncs before any tool work starts.
var ErrNotAuthenticated = errors.New("downloader is not authenticated, run the audible quickstart first")

type downloadHandler struct {
	cfg Config
}

func (h *downloadHandler) Run(ctx context.Context, run *jobengine.Run) (any, error) {
	if err := requireDir("library.download_dir", h.cfg.DownloadDir); err != nil {
		return nil, err
	}
	p := run.Payload()
	quality, err := stringOption(p, "quality", "")
	if err != nil {
		return nil, err
	}
	cover, err := boolOption(p, "cover")
	if err != nil {
		return nil, err
	}

	ok, err := h.cfg.Downloader.IsAuthenticated(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotAuthenticated
	}

	s := run.Session()
	status, err := h.cfg.Downloader.Download(ctx, collab.DownloadRequest{
		ASINs:     p.ASINs,
		OutputDir: h.cfg.DownloadDir,
		Quality:   quality,
		Cover:     cover,
	}, s)
	if err != nil {
		return nil, err
	}
	if len(status.Downloaded) == 0 {
		return nil, fmt.Errorf("%w: no files were downloaded for %v", collab.ErrRuntime, p.ASINs)
	}
	h.cfg.Logger.Info("download finished",
		zap.String("job_id", run.ID()), zap.Strings("downloaded", status.Downloaded), zap.Strings("skipped", status.Skipped))
	return status, nil
}
