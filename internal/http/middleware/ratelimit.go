package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
)

// RateLimitConfig config for Redis-based RPS limiter.
type RateLimitConfig struct {
	Redis          *redis.Client
	RPS            int           // 0 disables limiting
	KeyPrefix      string        // e.g. "relay:rl:"
	Window         time.Duration // usually 1s
	RetryAfterHint bool          // set Retry-After header when limited
}

// window is a fixed-window counter shared by every API replica through redis.
type window struct {
	rdb    *redis.Client
	prefix string
	size   time.Duration
}

// hit counts one request for client and returns the count in the current
// window plus the time left until the window rolls over.
func (w window) hit(ctx context.Context, client string, now time.Time) (int64, time.Duration, error) {
	slot := now.UnixNano() / int64(w.size)
	key := w.prefix + client + ":" + strconv.FormatInt(slot, 10)

	pipe := w.rdb.TxPipeline()
	cnt := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, w.size*2)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, err
	}
	reset := time.Duration((slot+1)*int64(w.size) - now.UnixNano())
	return cnt.Val(), reset, nil
}

// RateLimitMiddleware limits each API client, or each remote IP when
// authentication is disabled, to RPS requests per window. Redis failures
// let the request through.
func RateLimitMiddleware(cfg RateLimitConfig) echo.MiddlewareFunc {
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "relay:rl:"
	}
	if cfg.RPS <= 0 || cfg.Redis == nil {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	w := window{rdb: cfg.Redis, prefix: cfg.KeyPrefix, size: cfg.Window}
	limit := int64(cfg.RPS)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			client, ok := ClientFromCtx(c)
			if !ok {
				client = "ip:" + c.RealIP()
			}

			count, reset, err := w.hit(c.Request().Context(), client, time.Now())
			if err != nil {
				return next(c)
			}

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", strconv.FormatInt(limit, 10))
			h.Set("X-RateLimit-Remaining", strconv.FormatInt(max(limit-count, 0), 10))

			if count > limit {
				if cfg.RetryAfterHint {
					h.Set("Retry-After", strconv.Itoa(max(int(reset.Round(time.Second)/time.Second), 1)))
				}
				return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "rate limited"})
			}
			return next(c)
		}
	}
}
