package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmehdipour/incident-relay/internal/app"
	httpSrv "github.com/jmehdipour/incident-relay/internal/http"
	"github.com/jmehdipour/incident-relay/internal/logger"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveWithWatcher bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ops HTTP API (optionally with the watcher pipeline)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := logger.Log
		defer func() { _ = log.Sync() }()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		stores, err := app.OpenStores(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() { _ = stores.Close() }()

		deps := httpSrv.Deps{Redis: stores.Redis, Logger: log}
		if stores.Archive != nil {
			deps.Archive = stores.Archive
		}
		if stores.Results != nil {
			deps.Results = stores.Results
		}

		var run func(context.Context) error
		if serveWithWatcher {
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			p, err := app.NewPipeline(ctx, cfg, stores, log)
			if err != nil {
				return err
			}
			defer func() { _ = p.Close() }()
			deps.Channels = p.Dispatcher
			deps.Jobs = p.Orchestrator
			run = p.Run
		}

		server := httpSrv.NewServer(cfg.HTTP, deps)
		serveUntilDone(ctx, stop, log, run,
			func() error { return server.Start(cfg.HTTP.Addr) },
			server.Shutdown,
		)
		return nil
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveWithWatcher, "watch", false, "also run the watcher pipeline in this process")
}

// serveUntilDone runs the server, and the pipeline when run is set, until
// ctx ends or either of them exits. The pipeline is drained before the
// server shuts down and before the caller's deferred store closes run.
func serveUntilDone(
	ctx context.Context,
	stop context.CancelFunc,
	log *zap.Logger,
	run func(context.Context) error,
	start func() error,
	shutdown func(context.Context) error,
) {
	srvErr := make(chan error, 1)
	go func() { srvErr <- start() }()

	var pipeDone chan error
	if run != nil {
		pipeDone = make(chan error, 1)
		go func() { pipeDone <- run(ctx) }()
	}

	select {
	case <-ctx.Done():
		log.Info("signal received, shutting down")
	case err := <-srvErr:
		if err != nil {
			log.Error("server exited", zap.Error(err))
		}
	case err := <-pipeDone:
		if err != nil {
			log.Error("pipeline exited", zap.Error(err))
		}
		pipeDone = nil
	}
	stop()

	if pipeDone != nil {
		if err := <-pipeDone; err != nil {
			log.Error("pipeline exited", zap.Error(err))
		}
		log.Info("pipeline drained")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(shutdownCtx); err != nil {
		log.Warn("server shutdown", zap.Error(err))
	}
}
