package channel

import (
	"context"
	"fmt"

	"github.com/jmehdipour/incident-relay/internal/config"
	"go.uber.org/zap"
)

// Factory builds an adapter for one configured channel.
type Factory func(ctx context.Context, cfg config.ChannelConfig, log *zap.Logger) (Adapter, error)

// Registry maps channel kinds to their factories.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns a registry with the built-in telegram, webhook and
// email kinds registered.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register(config.KindTelegram, func(_ context.Context, c config.ChannelConfig, log *zap.Logger) (Adapter, error) {
		return NewTelegram(c.Name, c.Enabled, c.Telegram, c.Timeout, log)
	})
	r.Register(config.KindWebhook, func(_ context.Context, c config.ChannelConfig, log *zap.Logger) (Adapter, error) {
		return NewWebhook(c.Name, c.Enabled, c.Webhook, c.Timeout, log)
	})
	r.Register(config.KindEmail, func(ctx context.Context, c config.ChannelConfig, log *zap.Logger) (Adapter, error) {
		return NewEmail(ctx, c.Name, c.Enabled, c.Email, log)
	})
	return r
}

func (r *Registry) Register(kind string, f Factory) {
	r.factories[kind] = f
}

// Build constructs one adapter per configured channel, keyed by name.
// Disabled channels get a stub so publishes report ChannelDisabled.
func (r *Registry) Build(ctx context.Context, cfgs []config.ChannelConfig, log *zap.Logger) (map[string]Adapter, error) {
	out := make(map[string]Adapter, len(cfgs))
	for _, c := range cfgs {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if _, dup := out[c.Name]; dup {
			return nil, fmt.Errorf("duplicate channel %q", c.Name)
		}
		if !c.Enabled {
			out[c.Name] = Disabled(c.Name, c.Kind)
			continue
		}
		f, ok := r.factories[c.Kind]
		if !ok {
			return nil, fmt.Errorf("channel %s: no factory for kind %q", c.Name, c.Kind)
		}
		a, err := f(ctx, c, log)
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", c.Name, err)
		}
		out[c.Name] = a
	}
	return out, nil
}
