package watcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// MarkStore persists the watcher's high-water mark.
type MarkStore interface {
	Load(ctx context.Context) (time.Time, error)
	Save(ctx context.Context, t time.Time) error
}

type MemoryMarks struct {
	mu sync.Mutex
	t  time.Time
}

func (m *MemoryMarks) Load(context.Context) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.t, nil
}

func (m *MemoryMarks) Save(_ context.Context, t time.Time) error {
	m.mu.Lock()
	m.t = t
	m.mu.Unlock()
	return nil
}

// RedisMarks stores the mark as an RFC3339Nano string under one key.
type RedisMarks struct {
	rdb *redis.Client
	key string
}

func NewRedisMarks(rdb *redis.Client, key string) *RedisMarks {
	if key == "" {
		key = "relay:watcher:mark"
	}
	return &RedisMarks{rdb: rdb, key: key}
}

func (r *RedisMarks) Load(ctx context.Context) (time.Time, error) {
	v, err := r.rdb.Get(ctx, r.key).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, v)
}

func (r *RedisMarks) Save(ctx context.Context, t time.Time) error {
	return r.rdb.Set(ctx, r.key, t.UTC().Format(time.RFC3339Nano), 0).Err()
}
