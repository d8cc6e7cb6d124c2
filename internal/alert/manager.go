// Package alert escalates consecutive failure streaks to operators.
package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmehdipour/incident-relay/internal/config"
	"github.com/jmehdipour/incident-relay/internal/metrics"
	"github.com/jmehdipour/incident-relay/internal/model"
	"go.uber.org/zap"
)

// Sink delivers an alert to operators.
type Sink interface {
	Send(ctx context.Context, a model.Alert) error
}

// Manager counts consecutive failures per key. Once a key's streak reaches
// the threshold an alert is sent, at most once per cooldown window.
type Manager struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	counts    map[string]int
	lastAlert map[string]time.Time

	sink Sink
	log  *zap.Logger
	now  func() time.Time
}

func NewManager(cfg config.AlertsConfig, sink Sink, log *zap.Logger) *Manager {
	if cfg.Threshold < 1 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 15 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	if sink == nil {
		sink = NewLogSink(log)
	}
	return &Manager{
		threshold: cfg.Threshold,
		cooldown:  cfg.Cooldown,
		counts:    make(map[string]int),
		lastAlert: make(map[string]time.Time),
		sink:      sink,
		log:       log,
		now:       time.Now,
	}
}

// TrackFailure records one more failure for key and reports whether an
// alert was emitted.
func (m *Manager) TrackFailure(ctx context.Context, key string, details map[string]any) bool {
	m.mu.Lock()
	m.counts[key]++
	n := m.counts[key]
	if n < m.threshold {
		m.mu.Unlock()
		return false
	}
	now := m.now()
	prev, alerted := m.lastAlert[key]
	if alerted && now.Sub(prev) < m.cooldown {
		m.mu.Unlock()
		return false
	}
	m.lastAlert[key] = now
	m.mu.Unlock()

	a := model.Alert{
		Title:     fmt.Sprintf("%s failing", key),
		Message:   fmt.Sprintf("%s failed %d times in a row", key, n),
		Severity:  severityFor(n, m.threshold),
		Details:   withCount(details, n),
		Timestamp: now,
	}
	if err := m.sink.Send(ctx, a); err != nil {
		m.log.Error("alert send failed", zap.String("key", key), zap.Error(err))
		m.mu.Lock()
		if m.lastAlert[key].Equal(now) {
			if alerted {
				m.lastAlert[key] = prev
			} else {
				delete(m.lastAlert, key)
			}
		}
		m.mu.Unlock()
		return false
	}

	metrics.Alerts.WithLabelValues(a.Severity.String()).Inc()
	m.log.Warn("alert emitted", zap.String("key", key), zap.Int("failures", n))
	return true
}

// ResetFailureCount clears the streak for key after a success.
func (m *Manager) ResetFailureCount(key string) {
	m.mu.Lock()
	delete(m.counts, key)
	m.mu.Unlock()
}

func (m *Manager) Count(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[key]
}

func severityFor(n, threshold int) model.Severity {
	if n >= 2*threshold {
		return model.SeverityCritical
	}
	return model.SeverityError
}

func withCount(details map[string]any, n int) map[string]any {
	out := make(map[string]any, len(details)+1)
	for k, v := range details {
		out[k] = v
	}
	out["consecutive_failures"] = n
	return out
}
