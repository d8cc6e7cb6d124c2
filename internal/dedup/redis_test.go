package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestRedisContainsAfterMarkSeen(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestRedis(t)
	s := NewRedis(rdb, "relay:seen", 0)

	if ok, err := s.Contains(ctx, "E1"); err != nil || ok {
		t.Fatalf("fresh set: ok=%v err=%v", ok, err)
	}
	if err := s.MarkSeen(ctx, "E1"); err != nil {
		t.Fatalf("MarkSeen: %v", err)
	}
	if ok, err := s.Contains(ctx, "E1"); err != nil || !ok {
		t.Fatalf("after MarkSeen: ok=%v err=%v", ok, err)
	}
	if ttl := mr.TTL("relay:seen"); ttl != 0 {
		t.Fatalf("no ttl configured, got %s", ttl)
	}

	// a second store on the same key sees the id, as after a restart
	if ok, _ := NewRedis(rdb, "relay:seen", 0).Contains(ctx, "E1"); !ok {
		t.Fatal("id not visible through a new store")
	}
}

func TestRedisTTLRefreshAndExpiry(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestRedis(t)
	s := NewRedis(rdb, "relay:seen", time.Hour)

	_ = s.MarkSeen(ctx, "E1")
	if ttl := mr.TTL("relay:seen"); ttl != time.Hour {
		t.Fatalf("ttl = %s, want 1h", ttl)
	}

	mr.FastForward(30 * time.Minute)
	_ = s.MarkSeen(ctx, "E2")
	if ttl := mr.TTL("relay:seen"); ttl != time.Hour {
		t.Fatalf("ttl not refreshed: %s", ttl)
	}

	mr.FastForward(time.Hour + time.Second)
	if ok, _ := s.Contains(ctx, "E1"); ok {
		t.Fatal("set should have expired")
	}
}

func TestRedisForget(t *testing.T) {
	ctx := context.Background()
	_, rdb := newTestRedis(t)
	s := NewRedis(rdb, "", 0)

	_ = s.MarkSeen(ctx, "E1")
	if err := s.Forget(ctx, "E1"); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if ok, _ := s.Contains(ctx, "E1"); ok {
		t.Fatal("E1 still seen after Forget")
	}
}

func TestRedisErrorsSurface(t *testing.T) {
	mr, rdb := newTestRedis(t)
	s := NewRedis(rdb, "relay:seen", 0)
	mr.Close()

	if _, err := s.Contains(context.Background(), "E1"); err == nil {
		t.Fatal("expected error with redis down")
	}
}
