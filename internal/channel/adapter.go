package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmehdipour/incident-relay/internal/model"
)

var (
	ErrDisabled       = errors.New("channel disabled")
	ErrInvalidContent = errors.New("invalid content")
)

// Adapter is implemented once per channel kind. Publish returns an opaque
// external reference (message id or URL) on success.
type Adapter interface {
	Name() string
	Kind() string
	Enabled() bool
	Authenticate(ctx context.Context) error
	Validate(c model.Content) error
	Publish(ctx context.Context, c model.Content) (string, error)
	Status() HealthInfo
}

// HealthInfo is a point-in-time view of a channel for operators.
type HealthInfo struct {
	Channel       string     `json:"channel"`
	Kind          string     `json:"kind"`
	Enabled       bool       `json:"enabled"`
	Authenticated bool       `json:"authenticated"`
	LastError     string     `json:"last_error,omitempty"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt *time.Time `json:"last_failure_at,omitempty"`
	Identity      string     `json:"identity,omitempty"`
}

// RateLimitError is returned when the remote surface throttles us.
// RetryAfter is zero when the remote gave no hint.
type RateLimitError struct {
	Channel    string
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: rate limited (retry after %s): %v", e.Channel, e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("%s: rate limited: %v", e.Channel, e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// PermanentError marks a failure that retrying cannot fix (bad request,
// forbidden chat, rejected message).
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// AsRateLimit reports whether err carries a remote rate-limit signal.
func AsRateLimit(err error) (*RateLimitError, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}

func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// health is embedded by adapters to track Status().
type health struct {
	mu            sync.Mutex
	authenticated bool
	identity      string
	lastErr       string
	lastSuccess   time.Time
	lastFailure   time.Time
}

func (h *health) setAuth(ok bool, identity string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.authenticated = ok
	if identity != "" {
		h.identity = identity
	}
	if err != nil {
		h.lastErr = err.Error()
	}
}

func (h *health) observe(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := time.Now()
	if err != nil {
		h.lastErr = err.Error()
		h.lastFailure = now
		return
	}
	h.lastSuccess = now
}

func (h *health) snapshot(name, kind string, enabled bool) HealthInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	info := HealthInfo{
		Channel:       name,
		Kind:          kind,
		Enabled:       enabled,
		Authenticated: h.authenticated,
		LastError:     h.lastErr,
		Identity:      h.identity,
	}
	if !h.lastSuccess.IsZero() {
		t := h.lastSuccess
		info.LastSuccessAt = &t
	}
	if !h.lastFailure.IsZero() {
		t := h.lastFailure
		info.LastFailureAt = &t
	}
	return info
}

// disabled stands in for channels that are configured but switched off.
type disabled struct {
	name, kind string
}

// Disabled returns an adapter that refuses every publish.
func Disabled(name, kind string) Adapter { return &disabled{name: name, kind: kind} }

func (d *disabled) Name() string                       { return d.name }
func (d *disabled) Kind() string                       { return d.kind }
func (d *disabled) Enabled() bool                      { return false }
func (d *disabled) Authenticate(context.Context) error { return ErrDisabled }
func (d *disabled) Validate(model.Content) error       { return ErrDisabled }
func (d *disabled) Publish(context.Context, model.Content) (string, error) {
	return "", ErrDisabled
}
func (d *disabled) Status() HealthInfo {
	return HealthInfo{Channel: d.name, Kind: d.kind}
}
