// Package app wires the relay pipeline from configuration. Both the worker
// and the serve command build their processes through it.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmehdipour/incident-relay/internal/alert"
	"github.com/jmehdipour/incident-relay/internal/channel"
	"github.com/jmehdipour/incident-relay/internal/config"
	"github.com/jmehdipour/incident-relay/internal/db"
	"github.com/jmehdipour/incident-relay/internal/dedup"
	"github.com/jmehdipour/incident-relay/internal/dispatcher"
	"github.com/jmehdipour/incident-relay/internal/kafka"
	"github.com/jmehdipour/incident-relay/internal/render"
	"github.com/jmehdipour/incident-relay/internal/repository"
	"github.com/jmehdipour/incident-relay/internal/service/orchestrator"
	"github.com/jmehdipour/incident-relay/internal/watcher"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Stores holds the optional backing stores. A nil member means the store is
// not configured.
type Stores struct {
	MySQL      *sqlx.DB
	ClickHouse *sqlx.DB
	Redis      *redis.Client

	Archive *repository.JobsRepositoryImpl
	Results repository.CHResultsRepository
}

// OpenStores connects to every store with a non-empty address.
func OpenStores(ctx context.Context, cfg config.Config) (*Stores, error) {
	s := &Stores{}
	if cfg.MySQL.Enabled() {
		mysqlDB, err := db.NewMySQL(ctx, cfg.MySQL)
		if err != nil {
			return nil, fmt.Errorf("mysql connect: %w", err)
		}
		s.MySQL = mysqlDB
		s.Archive = repository.NewJobsRepository(mysqlDB)
	}
	if cfg.ClickHouse.Enabled() {
		chDB, err := db.NewClickHouse(ctx, cfg.ClickHouse)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("clickhouse connect: %w", err)
		}
		s.ClickHouse = chDB
		s.Results = repository.NewCHResultsRepository(chDB)
	}
	if cfg.Redis.Enabled() {
		rdb, err := db.NewRedis(ctx, cfg.Redis)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("redis connect: %w", err)
		}
		s.Redis = rdb
	}
	return s, nil
}

func (s *Stores) Close() error {
	var errs []error
	if s.MySQL != nil {
		errs = append(errs, s.MySQL.Close())
	}
	if s.ClickHouse != nil {
		errs = append(errs, s.ClickHouse.Close())
	}
	if s.Redis != nil {
		errs = append(errs, s.Redis.Close())
	}
	return errors.Join(errs...)
}

// BuildDispatcher builds every configured channel adapter and its publisher.
func BuildDispatcher(ctx context.Context, cfg config.Config, log *zap.Logger) (*dispatcher.Dispatcher, error) {
	channels := cfg.ResolvedChannels()
	adapters, err := channel.NewRegistry().Build(ctx, channels, log)
	if err != nil {
		return nil, fmt.Errorf("build channels: %w", err)
	}
	return dispatcher.Build(cfg.Publisher, channels, adapters, log)
}

// Pipeline is a fully wired watcher → orchestrator → dispatcher chain.
type Pipeline struct {
	Dispatcher   *dispatcher.Dispatcher
	Orchestrator *orchestrator.Service
	Watcher      *watcher.Watcher
	Alerts       *alert.Manager

	consumer  *kafka.Consumer
	archive   *repository.JobsRepositoryImpl
	retention time.Duration
	log       *zap.Logger
}

// NewPipeline wires the pipeline on top of already opened stores.
func NewPipeline(ctx context.Context, cfg config.Config, st *Stores, log *zap.Logger) (*Pipeline, error) {
	disp, err := BuildDispatcher(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	if errs := disp.Authenticate(ctx); len(errs) > 0 {
		for name, err := range errs {
			log.Warn("channel authentication failed", zap.String("channel", name), zap.Error(err))
		}
	}

	sink, err := alert.NewSink(cfg.Alerts, log)
	if err != nil {
		return nil, fmt.Errorf("alert sink: %w", err)
	}
	alerts := alert.NewManager(cfg.Alerts, sink, log)
	renderer, err := render.New(cfg.Templates())
	if err != nil {
		return nil, fmt.Errorf("templates: %w", err)
	}

	opts := orchestrator.Options{
		Renderer:  renderer,
		Publisher: disp,
		Alerts:    alerts,
		Retention: cfg.Jobs.Retention,
		Logger:    log,
	}
	if st.Archive != nil {
		opts.Store = st.Archive
	}
	if st.Results != nil {
		opts.Recorder = st.Results
	}
	orch, err := orchestrator.New(opts)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		Dispatcher:   disp,
		Orchestrator: orch,
		Alerts:       alerts,
		archive:      st.Archive,
		retention:    cfg.Jobs.ArchiveRetention,
		log:          log,
	}

	wo := watcher.Options{
		Config:    cfg.Watcher,
		Submitter: orch,
		Targets:   cfg.Watcher.Targets,
		Logger:    log,
	}
	if len(wo.Targets) == 0 {
		wo.Targets = cfg.EnabledChannelNames()
	}

	switch cfg.Dedup.Backend {
	case "redis":
		if st.Redis == nil {
			return nil, errors.New("dedup backend redis needs redis.addr")
		}
		wo.Dedup = dedup.NewRedis(st.Redis, cfg.Dedup.Key, cfg.Dedup.TTL)
	default:
		wo.Dedup = dedup.NewMemory(cfg.Dedup.MaxKeys)
	}
	switch cfg.Watcher.MarkStore {
	case "redis":
		if st.Redis == nil {
			return nil, errors.New("mark store redis needs redis.addr")
		}
		wo.Marks = watcher.NewRedisMarks(st.Redis, cfg.Watcher.MarkKey)
	default:
		wo.Marks = &watcher.MemoryMarks{}
	}

	switch cfg.Watcher.Mode {
	case watcher.ModeStream:
		consumer, err := kafka.NewConsumer(cfg.Kafka, log)
		if err != nil {
			return nil, fmt.Errorf("kafka consumer: %w", err)
		}
		p.consumer = consumer
		wo.Stream = consumer
	default:
		src, err := watcher.NewHTTPSource(cfg.Upstream)
		if err != nil {
			return nil, fmt.Errorf("upstream source: %w", err)
		}
		wo.Source = src
	}

	w, err := watcher.New(wo)
	if err != nil {
		p.Close()
		return nil, err
	}
	p.Watcher = w
	return p, nil
}

// Run runs the watcher and archive retention until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	if p.archive != nil && p.retention > 0 {
		go p.pruneArchive(ctx)
	}
	return p.Watcher.Run(ctx)
}

func (p *Pipeline) pruneArchive(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.archive.DeleteCompletedBefore(ctx, time.Now().Add(-p.retention))
			if err != nil {
				p.log.Error("prune job archive", zap.Error(err))
				continue
			}
			if n > 0 {
				p.log.Info("pruned job archive", zap.Int64("deleted", n))
			}
		}
	}
}

func (p *Pipeline) Close() error {
	if p.consumer != nil {
		return p.consumer.Close()
	}
	return nil
}
