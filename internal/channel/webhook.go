package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jmehdipour/incident-relay/internal/config"
	"github.com/jmehdipour/incident-relay/internal/model"
	"github.com/jmehdipour/incident-relay/internal/util"
	"go.uber.org/zap"
)

const (
	formatJSON    = "json"
	formatDiscord = "discord"
	formatSlack   = "slack"
)

// WebhookAdapter posts content as JSON to a webhook URL (Discord, Slack or a
// plain JSON receiver).
type WebhookAdapter struct {
	health

	name    string
	enabled bool
	cfg     config.WebhookConfig
	client  *http.Client
	log     *zap.Logger
}

func NewWebhook(name string, enabled bool, cfg config.WebhookConfig, timeout time.Duration, log *zap.Logger) (*WebhookAdapter, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if cfg.Format == "" {
		cfg.Format = formatJSON
	}
	switch cfg.Format {
	case formatJSON, formatDiscord, formatSlack:
	default:
		return nil, fmt.Errorf("webhook %s: unknown format %q", name, cfg.Format)
	}
	if cfg.MaxLength <= 0 && cfg.Format == formatDiscord {
		cfg.MaxLength = 2000
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &WebhookAdapter{
		name:    name,
		enabled: enabled,
		cfg:     cfg,
		client:  &http.Client{Timeout: timeout},
		log:     log.With(zap.String("channel", name)),
	}, nil
}

func (a *WebhookAdapter) Name() string  { return a.name }
func (a *WebhookAdapter) Kind() string  { return config.KindWebhook }
func (a *WebhookAdapter) Enabled() bool { return a.enabled }

// Authenticate only checks the URL; webhook secrets live in the URL or headers.
func (a *WebhookAdapter) Authenticate(ctx context.Context) error {
	u, err := url.Parse(a.cfg.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		if err == nil {
			err = fmt.Errorf("invalid webhook url %q", a.cfg.URL)
		}
		a.setAuth(false, "", err)
		return err
	}
	a.setAuth(true, u.Host, nil)
	return nil
}

func (a *WebhookAdapter) Validate(c model.Content) error {
	return validateText(c, a.cfg.MaxLength)
}

func (a *WebhookAdapter) Publish(ctx context.Context, c model.Content) (string, error) {
	ref, err := a.post(ctx, c)
	a.observe(err)
	return ref, err
}

func (a *WebhookAdapter) Status() HealthInfo {
	return a.snapshot(a.name, config.KindWebhook, a.enabled)
}

func (a *WebhookAdapter) body(c model.Content) any {
	switch a.cfg.Format {
	case formatDiscord:
		m := map[string]any{"content": c.Text}
		if a.cfg.Username != "" {
			m["username"] = a.cfg.Username
		}
		return m
	case formatSlack:
		return map[string]any{"text": c.Text}
	default:
		return c
	}
}

func (a *WebhookAdapter) post(ctx context.Context, c model.Content) (string, error) {
	b, err := json.Marshal(a.body(c))
	if err != nil {
		return "", Permanent(fmt.Errorf("marshal webhook body: %w", err))
	}

	target := a.cfg.URL
	if a.cfg.Format == formatDiscord && !strings.Contains(target, "wait=") {
		// discord only returns the created message with wait=true
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + "wait=true"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(b))
	if err != nil {
		return "", Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range a.cfg.Headers {
		req.Header.Set(k, v)
	}

	res, err := a.client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))

	switch {
	case res.StatusCode == http.StatusTooManyRequests:
		return "", &RateLimitError{
			Channel:    a.name,
			RetryAfter: util.RetryAfter(res.Header, time.Now()),
			Err:        fmt.Errorf("status=%d", res.StatusCode),
		}
	case res.StatusCode >= 500:
		return "", fmt.Errorf("webhook=%s status=%d", a.name, res.StatusCode)
	case res.StatusCode/100 != 2:
		return "", Permanent(fmt.Errorf("webhook=%s status=%d body=%s", a.name, res.StatusCode, truncate(string(raw), 200)))
	}

	return webhookRef(res, raw), nil
}

func webhookRef(res *http.Response, raw []byte) string {
	var created struct {
		ID string `json:"id"`
		TS string `json:"ts"`
	}
	if len(raw) > 0 && json.Unmarshal(raw, &created) == nil {
		if created.ID != "" {
			return created.ID
		}
		if created.TS != "" {
			return created.TS
		}
	}
	return res.Header.Get("Location")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var _ Adapter = (*WebhookAdapter)(nil)
