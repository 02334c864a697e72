package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/audioshelf/internal/config"
	"github.com/3leaps/audioshelf/internal/observability"
	"github.com/3leaps/audioshelf/internal/server"
	"github.com/3leaps/audioshelf/internal/server/handlers"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the job server",
	Long: `Run the HTTP/WebSocket job server.

On start, jobs left active by a previous process are marked failed
("interrupted by restart"). On SIGINT/SIGTERM the server stops admitting
work, gives running jobs jobs.shutdown_grace to finish, and fails the rest
with "interrupted by shutdown".

Examples:
  audioshelf serve
  audioshelf serve --port 9000
  AUDIOSHELF_LOG_LEVEL=debug audioshelf serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "", "Override server.host")
	serveCmd.Flags().Int("port", 0, "Override server.port")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		cfg.Server.Host = host
	}
	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.Server.Port = port
	}

	logger, err := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Profile)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, logger)
}

// serve runs until ctx is cancelled or the listener fails.
func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to open job store", err)
	}
	defer func() { _ = a.store.Close() }()

	recovered, err := a.engine.Start(ctx)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to recover interrupted jobs", err)
	}
	logger.Info("accepting jobs",
		zap.Int("recovered", recovered),
		zap.Any("task_types", a.tasks),
		zap.String("data_dir", cfg.DataDir))

	health := handlers.InitHealthManager(versionInfo.Version)
	health.RegisterChecker("jobs_db", handlers.StoreChecker(a.store))
	health.RegisterChecker("engine", handlers.EngineChecker(a.engine))

	srv := server.New(cfg.Server.Host, cfg.Server.Port,
		server.WithJobs(a.engine, a.hub),
		server.WithLogger(logger.Named("http")),
		server.WithLogTail(cfg.Jobs.LogTail),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		// The engine goes first: it closes the hub, which ends the sockets
		// that http.Server.Shutdown does not track.
		engineErr := a.engine.Shutdown(sctx)
		srvErr := srv.Shutdown(sctx)
		return errors.Join(engineErr, srvErr)
	})

	if err := g.Wait(); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Server stopped with error", err)
	}
	logger.Info("server stopped")
	return nil
}
