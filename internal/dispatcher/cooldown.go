package dispatcher

import (
	"sync"
	"time"
)

type state int

const (
	closed state = iota
	open
	halfOpen
)

// Cooldown gates a channel after it signalled throttling. While open no
// publish reaches the channel; once the deadline passes a single trial is
// let through, and the gate closes again unless the trial is throttled too.
type Cooldown struct {
	mu            sync.Mutex
	st            state
	openFor       time.Duration
	nextTryAt     time.Time
	trialInFlight bool
	now           func() time.Time
}

func NewCooldown(openFor time.Duration) *Cooldown {
	if openFor <= 0 {
		openFor = time.Minute
	}
	return &Cooldown{openFor: openFor, now: time.Now}
}

// Ready reports whether a call would currently be let through.
func (c *Cooldown) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.st {
	case open:
		return c.now().After(c.nextTryAt) && !c.trialInFlight
	case halfOpen:
		return !c.trialInFlight
	default:
		return true
	}
}

func (c *Cooldown) TryAcquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.st {
	case closed:
		return true
	case open:
		if c.now().After(c.nextTryAt) && !c.trialInFlight {
			c.st = halfOpen
			c.trialInFlight = true
			return true
		}
		return false
	case halfOpen:
		if !c.trialInFlight {
			c.trialInFlight = true
			return true
		}
		return false
	default:
		return true
	}
}

// Trip opens the gate for d, or the default duration when d <= 0.
func (c *Cooldown) Trip(d time.Duration) {
	if d <= 0 {
		d = c.openFor
	}
	c.mu.Lock()
	c.st = open
	c.nextTryAt = c.now().Add(d)
	c.trialInFlight = false
	c.mu.Unlock()
}

// Release closes the gate after a call that was not throttled.
func (c *Cooldown) Release() {
	c.mu.Lock()
	c.st = closed
	c.trialInFlight = false
	c.mu.Unlock()
}

// Until returns the end of the current cooldown, zero when closed.
func (c *Cooldown) Until() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.st == closed {
		return time.Time{}
	}
	return c.nextTryAt
}
