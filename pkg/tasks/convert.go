package tasks

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/3leaps/audioshelf/pkg/collab"
	"github.com/3leaps/audioshelf/pkg/jobengine"
)

// ConvertOutput is the result of a convert job.
type ConvertOutput struct {
	Results []collab.ConvertResult `json:"results"`
}

type convertHandler struct {
	cfg Config
}

func (h *convertHandler) Run(ctx context.Context, run *jobengine.Run) (any, error) {
	if err := requireDir("library.download_dir", h.cfg.DownloadDir); err != nil {
		return nil, err
	}
	if err := requireDir("library.dir", h.cfg.LibraryDir); err != nil {
		return nil, err
	}
	p := run.Payload()
	format, err := stringOption(p, "format", h.cfg.Format)
	if err != nil {
		return nil, err
	}
	actBytes, err := stringOption(p, "activation_bytes", "")
	if err != nil {
		return nil, err
	}

	s := run.Session()
	span := 100 / float64(len(p.ASINs))
	out := ConvertOutput{}
	for i, asin := range p.ASINs {
		files, err := h.cfg.FindInputs(h.cfg.DownloadDir, asin)
		if err != nil {
			return nil, err
		}
		input := pickInput(files)
		if input == "" {
			return nil, fmt.Errorf("no downloaded file for %s under %s", asin, h.cfg.DownloadDir)
		}

		req := collab.ConvertRequest{
			ASIN:       asin,
			InputPath:  input,
			OutputPath: filepath.Join(h.cfg.LibraryDir, asin+"."+format),
			ActBytes:   actBytes,
			Format:     format,
		}
		if h.cfg.Extractor != nil {
			if md, err := h.cfg.Extractor.Extract(ctx, input); err == nil {
				req.Metadata = md
			} else {
				_ = s.Log(ctx, fmt.Sprintf("metadata for %s unavailable: %v", asin, err))
			}
		}

		_ = s.Log(ctx, fmt.Sprintf("converting %s -> %s", input, req.OutputPath))
		part := collab.Session{JobID: s.JobID, Reporter: scaled(s.Reporter, float64(i)*span, span), Tracker: s.Tracker}
		res, err := h.cfg.Converter.Convert(ctx, req, part)
		if err != nil {
			return nil, err
		}
		out.Results = append(out.Results, res)
	}
	return out, nil
}
