// Package cmd implements the audioshelf command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/audioshelf/internal/config"
	"github.com/3leaps/audioshelf/internal/observability"
	"github.com/3leaps/audioshelf/internal/server/handlers"
)

// VersionInfo is the build metadata injected by main.
type VersionInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

var versionInfo = VersionInfo{Version: "dev", Commit: "unknown", BuildDate: "unknown"}

var (
	configFile string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   config.AppName,
	Short: "Audiobook library job server",
	Long: `audioshelf downloads, converts and catalogs an audiobook library.

Long running work (download, convert, sync, repair) runs as background jobs
with bounded concurrency per task type, pause/resume, live progress over
WebSocket, and a durable job history that survives restarts.

Examples:
  audioshelf serve
  audioshelf jobs enqueue download --asin B07B4JJ5VT
  audioshelf jobs list --status running,paused
  audioshelf jobs gc --max-age 168h --dry-run`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		observability.InitCLILogger(config.AppName, verbose)
		if configFile != "" {
			if err := os.Setenv(config.ConfigFileEnv, configFile); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default: ./audioshelf.yaml or $XDG_CONFIG_HOME/audioshelf/audioshelf.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose CLI logging")
	rootCmd.PersistentFlags().String("data-dir", "", "Override data_dir")
}

// SetVersionInfo records build metadata for the version command and /version.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo = VersionInfo{Version: version, Commit: commit, BuildDate: buildDate}
	handlers.SetVersionInfo(version, commit, buildDate)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

// loadConfig loads the configuration, applying persistent flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	local := map[string]any{}
	if dir, _ := cmd.Flags().GetString("data-dir"); strings.TrimSpace(dir) != "" {
		local["data_dir"] = dir
	}
	cfg, err := config.Load(cmd.Context(), local)
	if err != nil {
		observability.CLILogger.Error("Failed to load configuration", zap.Error(err))
		return nil, err
	}
	return cfg, nil
}

func exitError(code int, message string, err error) error {
	return &cliError{code: code, msg: message, err: err}
}

// cliError carries the process exit code out of RunE.
type cliError struct {
	code int
	msg  string
	err  error
}

func (e *cliError) Error() string {
	if e.err == nil {
		return e.msg
	}
	return fmt.Sprintf("%s: %v", e.msg, e.err)
}

func (e *cliError) Unwrap() error { return e.err }

// ExitCode returns the exit code for err: the code carried by exitError, or 1.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ce *cliError
	if errors.As(err, &ce) {
		return ce.code
	}
	return 1
}

// ExitWithCode logs and terminates the process.
func ExitWithCode(logger *zap.Logger, code int, msg string, err error) {
	if logger == nil {
		logger = observability.CLILogger
	}
	logger.Error(msg, zap.Error(err), zap.Int("exit_code", code))
	_ = logger.Sync()
	os.Exit(code)
}
