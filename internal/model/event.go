package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMalformedRecord marks upstream data that cannot become an Event.
// Such records are dropped and never retried.
var ErrMalformedRecord = errors.New("malformed record")

// DefaultFutureTolerance bounds how far in the future an event timestamp may be.
const DefaultFutureTolerance = 5 * time.Minute

// Event is a confirmed incident ingested from the upstream source.
// It is read-only once built by the watcher.
type Event struct {
	ID             string    `json:"id"`
	Source         string    `json:"source,omitempty"`
	SourceURL      string    `json:"source_url,omitempty"`
	Category       string    `json:"category"`
	Magnitude      float64   `json:"magnitude"` // e.g. USD loss
	Chain          string    `json:"chain"`
	Timestamp      time.Time `json:"timestamp"`
	Description    string    `json:"description,omitempty"`
	RecoveryStatus string    `json:"recovery_status,omitempty"`
}

// Validate checks the event invariants against now.
func (e Event) Validate(now time.Time, tolerance time.Duration) error {
	if tolerance <= 0 {
		tolerance = DefaultFutureTolerance
	}
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrMalformedRecord)
	}
	if e.Magnitude < 0 {
		return fmt.Errorf("%w: negative magnitude %v", ErrMalformedRecord, e.Magnitude)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrMalformedRecord)
	}
	if e.Timestamp.After(now.Add(tolerance)) {
		return fmt.Errorf("%w: timestamp %s is in the future", ErrMalformedRecord, e.Timestamp.Format(time.RFC3339))
	}
	return nil
}
