package dispatcher

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jmehdipour/incident-relay/internal/channel"
	"github.com/jmehdipour/incident-relay/internal/config"
	"github.com/jmehdipour/incident-relay/internal/metrics"
	"github.com/jmehdipour/incident-relay/internal/model"
	"go.uber.org/zap"
)

// ChannelStatus is the operator view of one channel and its publisher.
type ChannelStatus struct {
	channel.HealthInfo
	HourlyLimit   int        `json:"hourly_limit"`
	Remaining     int        `json:"remaining"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
	Ready         bool       `json:"ready"` // false while cooling down
}

// Dispatcher routes content to the publisher of a named channel.
type Dispatcher struct {
	publishers map[string]*Publisher
	names      []string
}

func NewDispatcher(pubs ...*Publisher) *Dispatcher {
	d := &Dispatcher{publishers: make(map[string]*Publisher, len(pubs))}
	for _, p := range pubs {
		d.publishers[p.Name()] = p
		d.names = append(d.names, p.Name())
	}
	sort.Strings(d.names)
	return d
}

// Build wires one publisher per configured channel using the adapters
// built by the channel registry.
func Build(cfg config.PublisherConfig, channels []config.ChannelConfig, adapters map[string]channel.Adapter, log *zap.Logger) (*Dispatcher, error) {
	pubs := make([]*Publisher, 0, len(channels))
	for _, c := range channels {
		a, ok := adapters[c.Name]
		if !ok {
			return nil, fmt.Errorf("no adapter for channel %q", c.Name)
		}
		limiter, err := NewRateLimiter(c.HourlyLimit)
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", c.Name, err)
		}
		pubs = append(pubs, NewPublisher(a, limiter, cfg, log))
	}
	return NewDispatcher(pubs...), nil
}

// Publish sends c to the named channel. Unknown channels are reported as
// disabled rather than failing the caller.
func (d *Dispatcher) Publish(ctx context.Context, name string, c model.Content) model.ChannelResult {
	p, ok := d.publishers[name]
	if !ok {
		return model.Failed(name, model.ErrKindChannelDisabled, fmt.Errorf("%w: %s is not configured", channel.ErrDisabled, name))
	}
	return p.Publish(ctx, c)
}

func (d *Dispatcher) Channels() []string {
	return append([]string(nil), d.names...)
}

func (d *Dispatcher) Publisher(name string) (*Publisher, bool) {
	p, ok := d.publishers[name]
	return p, ok
}

// Authenticate authenticates every enabled channel and returns the
// failures keyed by channel name.
func (d *Dispatcher) Authenticate(ctx context.Context) map[string]error {
	failed := make(map[string]error)
	for _, name := range d.names {
		a := d.publishers[name].adapter
		if !a.Enabled() {
			metrics.ChannelAuthenticated.WithLabelValues(name).Set(0)
			continue
		}
		if err := a.Authenticate(ctx); err != nil {
			failed[name] = err
			metrics.ChannelAuthenticated.WithLabelValues(name).Set(0)
			continue
		}
		metrics.ChannelAuthenticated.WithLabelValues(name).Set(1)
	}
	return failed
}

func (d *Dispatcher) Status() []ChannelStatus {
	out := make([]ChannelStatus, 0, len(d.names))
	for _, name := range d.names {
		p := d.publishers[name]
		st := ChannelStatus{
			HealthInfo:  p.adapter.Status(),
			HourlyLimit: p.limiter.Max(),
			Remaining:   p.limiter.Remaining(),
			Ready:       p.cooldown.Ready(),
		}
		if until := p.cooldown.Until(); !until.IsZero() {
			st.CooldownUntil = &until
		}
		out = append(out, st)
	}
	return out
}
