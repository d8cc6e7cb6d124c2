package http

import (
	"context"
	"net/http"
	"time"

	"github.com/jmehdipour/incident-relay/internal/config"
	"github.com/jmehdipour/incident-relay/internal/dispatcher"
	"github.com/jmehdipour/incident-relay/internal/http/middleware"
	"github.com/jmehdipour/incident-relay/internal/metrics"
	"github.com/jmehdipour/incident-relay/internal/model"
	"github.com/jmehdipour/incident-relay/internal/repository"
	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ChannelLister reports per-channel health and quota.
type ChannelLister interface {
	Status() []dispatcher.ChannelStatus
}

// JobReader exposes jobs held by a running pipeline.
type JobReader interface {
	Job(ctx context.Context, eventID string) (model.PublishJob, bool, error)
	Jobs() []model.PublishJob
}

// Deps are the optional backends behind the ops API. Nil members turn the
// routes depending on them into 503s.
type Deps struct {
	Channels ChannelLister
	Jobs     JobReader
	Archive  repository.JobsRepository
	Results  repository.CHResultsRepository
	Redis    *redis.Client
	Logger   *zap.Logger
}

type Server struct {
	e   *echo.Echo
	log *zap.Logger
}

func NewServer(cfg config.HTTPConfig, d Deps) *Server {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Logger.SetLevel(log.WARN)
	e.Use(echoMid.Recover(), echoMid.Logger())

	metrics.MustRegister(prometheus.DefaultRegisterer)

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// health
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	// middlewares
	authMW := middleware.APIKeyMiddleware(cfg.APIKeys)
	rlMW := middleware.RateLimitMiddleware(middleware.RateLimitConfig{
		Redis:          d.Redis,
		RPS:            cfg.RateLimitRPS,
		KeyPrefix:      "relay:rl:",
		Window:         time.Second,
		RetryAfterHint: true,
	})

	// routes
	v1 := e.Group("/v1", authMW, rlMW)
	v1.GET("/channels", listChannelsHandler(d.Channels))
	v1.GET("/jobs", listJobsHandler(d.Jobs, d.Archive))
	v1.GET("/jobs/:event_id", getJobHandler(d.Jobs, d.Archive))
	v1.GET("/reports/results", listResultsHandler(d.Results))
	v1.GET("/reports/summary", summaryHandler(d.Results))

	return &Server{e: e, log: d.Logger.Named("http")}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.e }

func (s *Server) Start(addr string) error {
	s.log.Info("listening", zap.String("addr", addr))
	return s.e.Start(addr)
}
func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }
