package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmehdipour/incident-relay/internal/channel"
	"github.com/jmehdipour/incident-relay/internal/config"
	"github.com/jmehdipour/incident-relay/internal/metrics"
	"github.com/jmehdipour/incident-relay/internal/model"
	"go.uber.org/zap"
)

var (
	ErrRateLimitExceeded = errors.New("hourly publish limit reached")
	ErrCoolingDown       = errors.New("channel is cooling down after a remote rate limit")
)

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Publisher wraps one channel adapter with the local hourly limit, the
// remote cooldown gate and bounded exponential retries.
type Publisher struct {
	adapter  channel.Adapter
	limiter  *RateLimiter
	cooldown *Cooldown
	cfg      config.PublisherConfig
	sleep    Sleeper
	log      *zap.Logger

	// serialises reserve -> publish -> record for this channel
	mu sync.Mutex
}

func NewPublisher(a channel.Adapter, limiter *RateLimiter, cfg config.PublisherConfig, log *zap.Logger) *Publisher {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 2 * time.Second
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 10 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Publisher{
		adapter:  a,
		limiter:  limiter,
		cooldown: NewCooldown(cfg.RemoteCooldown),
		cfg:      cfg,
		sleep:    sleepCtx,
		log:      log.With(zap.String("channel", a.Name())),
	}
}

func (p *Publisher) Name() string             { return p.adapter.Name() }
func (p *Publisher) Adapter() channel.Adapter { return p.adapter }

// Backoff is the delay slept after the given failed attempt (1-based).
func (p *Publisher) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		attempt = 30
	}
	return p.cfg.BaseDelay * time.Duration(1<<(attempt-1))
}

// Publish delivers c to the channel and never returns an error: every
// outcome is folded into the ChannelResult.
func (p *Publisher) Publish(ctx context.Context, c model.Content) model.ChannelResult {
	name := p.adapter.Name()

	if !p.adapter.Enabled() {
		return p.finish(model.Failed(name, model.ErrKindChannelDisabled, channel.ErrDisabled))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.cooldown.TryAcquire() {
		r := model.Failed(name, model.ErrKindRemoteRateLimited,
			fmt.Errorf("%w until %s", ErrCoolingDown, p.cooldown.Until().UTC().Format(time.RFC3339)))
		r.RateLimited = true
		return p.finish(r)
	}
	tripped := false
	defer func() {
		if !tripped {
			p.cooldown.Release()
		}
	}()

	if !p.limiter.TryReserve() {
		return p.finish(model.Failed(name, model.ErrKindRateLimitExceeded, ErrRateLimitExceeded))
	}

	if err := p.adapter.Validate(c); err != nil {
		return p.finish(model.Failed(name, model.ErrKindInvalidContent, err))
	}

	start := time.Now()
	defer func() {
		metrics.PublishDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}()

	var (
		last     error
		attempts int
	)
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		attempts = attempt
		ref, err := p.attempt(ctx, c)
		if err == nil {
			p.limiter.RecordSuccess()
			metrics.PublishAttempts.WithLabelValues(name, "success").Inc()
			p.log.Info("published", zap.Int("attempt", attempt), zap.String("ref", ref))
			return p.finish(model.ChannelResult{
				Channel:           name,
				Success:           true,
				ExternalReference: ref,
				Attempts:          attempt,
			})
		}
		last = err

		if rl, ok := channel.AsRateLimit(err); ok {
			metrics.PublishAttempts.WithLabelValues(name, "remote_rate_limited").Inc()
			tripped = true
			p.cooldown.Trip(rl.RetryAfter)
			p.log.Warn("remote rate limit, entering cooldown",
				zap.Int("attempt", attempt),
				zap.Duration("retry_after", rl.RetryAfter),
				zap.Time("until", p.cooldown.Until()))
			r := model.Failed(name, model.ErrKindRemoteRateLimited, err)
			r.Attempts = attempt
			r.RateLimited = true
			return p.finish(r)
		}

		if channel.IsPermanent(err) {
			metrics.PublishAttempts.WithLabelValues(name, "permanent").Inc()
			p.log.Warn("permanent publish failure", zap.Int("attempt", attempt), zap.Error(err))
			r := model.Failed(name, model.ErrKindPermanent, err)
			r.Attempts = attempt
			return p.finish(r)
		}

		outcome := "transient"
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = "timeout"
		}
		metrics.PublishAttempts.WithLabelValues(name, outcome).Inc()
		p.log.Warn("publish attempt failed", zap.Int("attempt", attempt), zap.Error(err))

		if attempt == p.cfg.MaxAttempts || ctx.Err() != nil {
			break
		}
		if err := p.sleep(ctx, p.Backoff(attempt)); err != nil {
			break
		}
	}

	r := model.Failed(name, model.ErrKindTransient, last)
	r.Attempts = attempts
	return p.finish(r)
}

func (p *Publisher) attempt(ctx context.Context, c model.Content) (string, error) {
	actx, cancel := context.WithTimeout(ctx, p.cfg.AttemptTimeout)
	defer cancel()
	return p.adapter.Publish(actx, c)
}

func (p *Publisher) finish(r model.ChannelResult) model.ChannelResult {
	kind := "ok"
	if !r.Success {
		kind = r.ErrorKind.String()
	}
	metrics.PublishResults.WithLabelValues(r.Channel, kind).Inc()
	if p.limiter != nil {
		metrics.RateLimitRemaining.WithLabelValues(r.Channel).Set(float64(p.limiter.Remaining()))
	}
	return r
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
