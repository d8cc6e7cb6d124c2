package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmehdipour/incident-relay/internal/app"
	"github.com/jmehdipour/incident-relay/internal/config"
	"github.com/jmehdipour/incident-relay/internal/logger"
	"github.com/jmehdipour/incident-relay/internal/metrics"
	"github.com/jmehdipour/incident-relay/internal/watcher"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var metricsAddr string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Start the incident watcher (poll | stream)",
}

var watchPollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Poll the upstream incident listing on an interval",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWatch(cmd, watcher.ModePoll)
	},
}

var watchStreamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Consume incident envelopes from Kafka",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWatch(cmd, watcher.ModeStream)
	},
}

func init() {
	watchCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", ":9102", "address for /metrics (empty disables)")
	watchCmd.AddCommand(watchPollCmd)
	watchCmd.AddCommand(watchStreamCmd)
}

func runWatch(cmd *cobra.Command, mode string) error {
	// 1) load config
	cfgPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.Watcher.Mode = mode
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger.Init(cfg.Log.Level)
	log := logger.Log.With(zap.String("mode", mode))
	defer func() { _ = log.Sync() }()

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2) stores and pipeline
	stores, err := app.OpenStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = stores.Close() }()

	p, err := app.NewPipeline(ctx, cfg, stores, log)
	if err != nil {
		return err
	}
	defer func() { _ = p.Close() }()

	// 3) metrics endpoint
	if metricsAddr != "" {
		srv := &http.Server{Addr: metricsAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	// 4) run until signal
	log.Info("worker started", zap.Strings("channels", p.Dispatcher.Channels()))
	err = p.Run(ctx)
	log.Info("worker stopped")
	return err
}
