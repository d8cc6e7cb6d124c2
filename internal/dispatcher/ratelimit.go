package dispatcher

import (
	"fmt"
	"sync"
	"time"
)

const rateWindow = time.Hour

// RateLimiter is a sliding one-hour window of successful publishes for a
// single channel. TryReserve only checks; RecordSuccess commits a slot.
type RateLimiter struct {
	mu     sync.Mutex
	max    int
	window []time.Time
	now    func() time.Time
}

func NewRateLimiter(maxPerHour int) (*RateLimiter, error) {
	if maxPerHour <= 0 {
		return nil, fmt.Errorf("hourly limit must be > 0, got %d", maxPerHour)
	}
	return &RateLimiter{max: maxPerHour, now: time.Now}, nil
}

// TryReserve prunes expired entries and reports whether another publish fits.
func (r *RateLimiter) TryReserve() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune()
	return len(r.window) < r.max
}

func (r *RateLimiter) RecordSuccess() {
	r.mu.Lock()
	r.window = append(r.window, r.now())
	r.mu.Unlock()
}

func (r *RateLimiter) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune()
	if n := r.max - len(r.window); n > 0 {
		return n
	}
	return 0
}

func (r *RateLimiter) Max() int { return r.max }

// prune drops timestamps older than one hour; caller holds mu.
func (r *RateLimiter) prune() {
	cutoff := r.now().Add(-rateWindow)
	i := 0
	for i < len(r.window) && !r.window[i].After(cutoff) {
		i++
	}
	if i > 0 {
		r.window = append(r.window[:0], r.window[i:]...)
	}
}
