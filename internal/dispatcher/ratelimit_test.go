package dispatcher

import (
	"testing"
	"time"
)

func TestRateLimiterRejectsNonPositiveLimit(t *testing.T) {
	if _, err := NewRateLimiter(0); err == nil {
		t.Fatal("expected error for zero limit")
	}
}

func TestRateLimiterSlidingWindow(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r, _ := NewRateLimiter(2)
	r.now = func() time.Time { return now }

	if !r.TryReserve() {
		t.Fatal("empty window must allow")
	}
	// TryReserve alone commits nothing.
	if !r.TryReserve() || r.Remaining() != 2 {
		t.Fatalf("reserve must not record, remaining=%d", r.Remaining())
	}

	r.RecordSuccess()
	now = now.Add(10 * time.Minute)
	r.RecordSuccess()
	if r.TryReserve() {
		t.Fatal("full window must reject")
	}

	now = now.Add(50*time.Minute + time.Second) // first entry is now older than an hour
	if !r.TryReserve() {
		t.Fatal("expired entry should free a slot")
	}
	if got := r.Remaining(); got != 1 {
		t.Fatalf("expected 1 remaining, got %d", got)
	}
}

// For any sequence of attempts, successes within any rolling hour never
// exceed the maximum when callers record only after a successful reserve.
func TestRateLimiterInvariant(t *testing.T) {
	const max = 5
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	r, _ := NewRateLimiter(max)
	r.now = func() time.Time { return now }

	var recorded []time.Time
	for i := 0; i < 500; i++ {
		now = now.Add(time.Duration(i%7+1) * time.Minute)
		if r.TryReserve() {
			r.RecordSuccess()
			recorded = append(recorded, now)
		}
	}

	for i, start := range recorded {
		n := 0
		for _, ts := range recorded[i:] {
			if ts.Sub(start) < time.Hour {
				n++
			}
		}
		if n > max {
			t.Fatalf("window starting %s holds %d successes, max %d", start, n, max)
		}
	}
}
