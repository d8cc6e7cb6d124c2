package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmehdipour/incident-relay/internal/kafka"
)

// Source is a paged upstream listing polled in poll mode. Fetch returns
// raw records whose timestamp is at or after since.
type Source interface {
	Fetch(ctx context.Context, since time.Time) ([]json.RawMessage, error)
}

// Stream is a long-lived subscription used in stream mode.
type Stream interface {
	Fetch(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, m kafka.Message) error
}

// RateLimitedError is returned by a Source when the upstream throttles.
// RetryAfter is zero when no hint was given.
type RateLimitedError struct {
	Status     int
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("upstream rate limited: status=%d retry_after=%s", e.Status, e.RetryAfter)
}
