package tasks

import (
	"context"
	"fmt"

	"github.com/3leaps/audioshelf/pkg/catalog"
	"github.com/3leaps/audioshelf/pkg/collab"
	"github.com/3leaps/audioshelf/pkg/jobengine"
)

// SyncOutput is the result of a sync job.
type SyncOutput struct {
	catalog.MergeResult
	Total       int    `json:"total"`
	CatalogPath string `json:"catalog_path"`
}

type syncHandler struct {
	cfg Config
}

func (h *syncHandler) Run(ctx context.Context, run *jobengine.Run) (any, error) {
	p := run.Payload()
	var opts collab.LibraryOptions
	if _, err := p.Option("since", &opts.Since); err != nil {
		return nil, err
	}
	if _, err := p.Option("include_all", &opts.IncludeAll); err != nil {
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
	if err := s.Report(ctx, 5, "exporting library", nil); err != nil {
		return nil, err
	}
	items, err := h.cfg.Downloader.GetLibrary(ctx, opts)
	if err != nil {
		return nil, err
	}
	if err := s.Report(ctx, 60, fmt.Sprintf("library export returned %d items", len(items)), map[string]any{"items": len(items)}); err != nil {
		return nil, err
	}

	snap, err := h.cfg.Catalog.Load()
	if err != nil {
		return nil, err
	}
	res := snap.Merge(items, h.cfg.Now().UTC())
	if err := h.cfg.Catalog.Save(snap); err != nil {
		return nil, err
	}
	if err := s.Report(ctx, 100, fmt.Sprintf("catalog saved: %d inserted, %d updated", res.Inserted, res.Updated), nil); err != nil {
		return nil, err
	}
	return SyncOutput{MergeResult: res, Total: len(snap.Items), CatalogPath: h.cfg.Catalog.Path()}, nil
}
