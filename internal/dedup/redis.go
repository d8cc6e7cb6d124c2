package dedup

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis keeps the seen set in a single redis set so it survives restarts.
type Redis struct {
	rdb *redis.Client
	key string
	ttl time.Duration
}

func NewRedis(rdb *redis.Client, key string, ttl time.Duration) *Redis {
	if key == "" {
		key = "relay:dedup"
	}
	return &Redis{rdb: rdb, key: key, ttl: ttl}
}

func (r *Redis) Contains(ctx context.Context, id string) (bool, error) {
	return r.rdb.SIsMember(ctx, r.key, id).Result()
}

// MarkSeen adds id and, when a TTL is configured, refreshes the expiry of
// the whole set.
func (r *Redis) MarkSeen(ctx context.Context, id string) error {
	pipe := r.rdb.TxPipeline()
	pipe.SAdd(ctx, r.key, id)
	if r.ttl > 0 {
		pipe.Expire(ctx, r.key, r.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (r *Redis) Forget(ctx context.Context, id string) error {
	return r.rdb.SRem(ctx, r.key, id).Err()
}
