package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/audioshelf/internal/config"
	"github.com/3leaps/audioshelf/internal/observability"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the environment: toolchain, external tools
(audible, ffmpeg, ffprobe), the data directory and the job database.

Examples:
  audioshelf doctor
  audioshelf doctor --data-dir /srv/audioshelf`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

// checkResult is one diagnostic line.
type checkResult struct {
	Name   string
	OK     bool
	Warn   bool
	Detail string
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	log := observability.CLILogger
	log.Info("=== " + config.AppName + " doctor ===")
	log.Info("Running diagnostic checks...")

	results := doctorChecks(cmd.Context(), cfg, exec.LookPath)
	failed := 0
	for i, r := range results {
		line := fmt.Sprintf("[%d/%d] %s... ", i+1, len(results), r.Name)
		switch {
		case r.OK:
			log.Info(line+"ok "+r.Detail, zap.String("check", r.Name))
		case r.Warn:
			log.Warn(line+"warning: "+r.Detail, zap.String("check", r.Name))
		default:
			failed++
			log.Error(line+"FAILED: "+r.Detail, zap.String("check", r.Name))
		}
	}

	if failed > 0 {
		log.Warn("Some checks failed. Review the output above for details.")
		return exitError(foundry.ExitExternalServiceUnavailable, "Diagnostics failed", fmt.Errorf("%d check(s) failed", failed))
	}
	log.Info("All checks passed.")
	return nil
}

// doctorChecks runs every check. lookPath resolves tool binaries.
func doctorChecks(ctx context.Context, cfg *config.Config, lookPath func(string) (string, error)) []checkResult {
	var out []checkResult

	goVersion := runtime.Version()
	out = append(out, checkResult{Name: "Go runtime", OK: true, Detail: fmt.Sprintf("%s %s/%s", goVersion, runtime.GOOS, runtime.GOARCH)})

	v := crucible.GetVersion()
	if v.Crucible != "" && v.Gofulmen != "" {
		out = append(out, checkResult{Name: "Crucible/Gofulmen", OK: true, Detail: fmt.Sprintf("crucible v%s, gofulmen v%s", v.Crucible, v.Gofulmen)})
	} else {
		out = append(out, checkResult{Name: "Crucible/Gofulmen", Detail: "version metadata unavailable"})
	}

	tools := []struct {
		name, bin string
		required  bool
	}{
		{"audible", cfg.Tools.Audible, false},
		{"ffmpeg", cfg.Tools.FFmpeg, true},
		{"ffprobe", cfg.Tools.FFprobe, true},
	}
	for _, t := range tools {
		r := checkResult{Name: "Tool " + t.name}
		path, err := lookPath(t.bin)
		switch {
		case err == nil:
			r.OK, r.Detail = true, path
		case t.required:
			r.Detail = fmt.Sprintf("%q not found on PATH (set tools.%s)", t.bin, t.name)
		default:
			r.Warn, r.Detail = true, fmt.Sprintf("%q not found on PATH; download and sync jobs will fail", t.bin)
		}
		out = append(out, r)
	}

	out = append(out, checkDataDir(cfg.DataDir))
	out = append(out, checkStore(ctx, cfg))
	return out
}

func checkDataDir(dir string) checkResult {
	r := checkResult{Name: "Data directory"}
	if strings.TrimSpace(dir) == "" {
		r.Detail = "data_dir is empty"
		return r
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		r.Detail = err.Error()
		return r
	}
	probe, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		r.Detail = fmt.Sprintf("%s is not writable: %v", dir, err)
		return r
	}
	_ = probe.Close()
	_ = os.Remove(probe.Name())
	abs, _ := filepath.Abs(dir)
	r.OK, r.Detail = true, abs
	return r
}

func checkStore(ctx context.Context, cfg *config.Config) checkResult {
	r := checkResult{Name: "Job database"}
	store, err := openStore(ctx, cfg)
	if err != nil {
		r.Detail = err.Error()
		return r
	}
	defer func() { _ = store.Close() }()
	if err := store.Ping(ctx); err != nil {
		r.Detail = err.Error()
		return r
	}
	sc := cfg.StoreConfig()
	r.OK, r.Detail = true, sc.Path
	if sc.URL != "" {
		r.Detail = sc.URL
	}
	return r
}
