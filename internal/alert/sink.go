package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/jmehdipour/incident-relay/internal/config"
	"github.com/jmehdipour/incident-relay/internal/model"
	"go.uber.org/zap"
	tele "gopkg.in/telebot.v4"
)

// LogSink writes alerts to the structured log.
type LogSink struct{ log *zap.Logger }

func NewLogSink(log *zap.Logger) *LogSink {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogSink{log: log.Named("alert")}
}

func (s *LogSink) Send(_ context.Context, a model.Alert) error {
	fields := []zap.Field{
		zap.String("severity", a.Severity.String()),
		zap.String("message", a.Message),
		zap.Time("at", a.Timestamp),
		zap.Any("details", a.Details),
	}
	switch a.Severity {
	case model.SeverityCritical, model.SeverityError:
		s.log.Error(a.Title, fields...)
	case model.SeverityWarning:
		s.log.Warn(a.Title, fields...)
	default:
		s.log.Info(a.Title, fields...)
	}
	return nil
}

// WebhookSink POSTs the alert as JSON.
type WebhookSink struct {
	url    string
	client *http.Client
}

func NewWebhookSink(url string, timeout time.Duration) *WebhookSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSink{url: url, client: &http.Client{Timeout: timeout}}
}

func (s *WebhookSink) Send(ctx context.Context, a model.Alert) error {
	b, err := json.Marshal(a)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode/100 != 2 {
		return fmt.Errorf("alert webhook status=%d", res.StatusCode)
	}
	return nil
}

// TelegramSink sends alerts to an operator chat.
type TelegramSink struct {
	bot    *tele.Bot
	chatID int64
}

func NewTelegramSink(cfg config.TelegramSinkConfig) (*TelegramSink, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram alert token is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.APIURL,
		Token:   cfg.Token,
		Client:  &http.Client{Timeout: 10 * time.Second},
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &TelegramSink{bot: b, chatID: cfg.ChatID}, nil
}

func (s *TelegramSink) Send(ctx context.Context, a model.Alert) error {
	done := make(chan error, 1)
	go func() {
		_, err := s.bot.Send(&tele.Chat{ID: s.chatID}, formatText(a), &tele.SendOptions{DisableWebPagePreview: true})
		done <- err
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func formatText(a model.Alert) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s\n%s", strings.ToUpper(a.Severity.String()), a.Title, a.Message)
	keys := make([]string, 0, len(a.Details))
	for k := range a.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, "\n%s: %v", k, a.Details[k])
	}
	return sb.String()
}

// Multi fans an alert out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Send(ctx context.Context, a model.Alert) error {
	var errs []error
	for _, s := range m {
		if err := s.Send(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NewSink builds the configured sinks; the log sink is always present.
func NewSink(cfg config.AlertsConfig, log *zap.Logger) (Sink, error) {
	sinks := Multi{NewLogSink(log)}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, NewWebhookSink(cfg.WebhookURL, 0))
	}
	if cfg.Telegram.Token != "" {
		tg, err := NewTelegramSink(cfg.Telegram)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, tg)
	}
	return sinks, nil
}
