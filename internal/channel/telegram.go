package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jmehdipour/incident-relay/internal/config"
	"github.com/jmehdipour/incident-relay/internal/model"
	"go.uber.org/zap"
	tele "gopkg.in/telebot.v4"
)

const telegramMaxLength = 4096

var (
	retryAfterRe = regexp.MustCompile(`retry after (\d+)`)
	tgCodeRe     = regexp.MustCompile(`\((\d{3})\)\s*$`)
)

// TelegramAdapter posts to a chat (optionally a forum thread) via the Bot API.
type TelegramAdapter struct {
	health

	name    string
	enabled bool
	cfg     config.TelegramConfig
	bot     *tele.Bot
	log     *zap.Logger
}

func NewTelegram(name string, enabled bool, cfg config.TelegramConfig, timeout time.Duration, log *zap.Logger) (*TelegramAdapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = telegramMaxLength
	}
	if log == nil {
		log = zap.NewNop()
	}

	// Offline skips getMe here; Authenticate does it explicitly.
	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.APIURL,
		Token:   cfg.Token,
		Client:  &http.Client{Timeout: timeout},
		Offline: true,
	})
	if err != nil {
		return nil, err
	}

	return &TelegramAdapter{
		name:    name,
		enabled: enabled,
		cfg:     cfg,
		bot:     b,
		log:     log.With(zap.String("channel", name)),
	}, nil
}

func (a *TelegramAdapter) Name() string  { return a.name }
func (a *TelegramAdapter) Kind() string  { return config.KindTelegram }
func (a *TelegramAdapter) Enabled() bool { return a.enabled }

func (a *TelegramAdapter) Authenticate(ctx context.Context) error {
	type result struct {
		raw []byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		raw, err := a.bot.Raw("getMe", nil)
		ch <- result{raw, err}
	}()

	var r result
	select {
	case <-ctx.Done():
		return ctx.Err()
	case r = <-ch:
	}
	if r.err != nil {
		a.setAuth(false, "", r.err)
		return fmt.Errorf("telegram getMe: %w", r.err)
	}

	var me struct {
		Result struct {
			Username string `json:"username"`
		} `json:"result"`
	}
	_ = json.Unmarshal(r.raw, &me)
	a.setAuth(true, me.Result.Username, nil)
	a.log.Info("telegram authenticated", zap.String("bot", me.Result.Username))
	return nil
}

func (a *TelegramAdapter) Validate(c model.Content) error {
	return validateText(c, a.cfg.MaxLength)
}

func (a *TelegramAdapter) Publish(ctx context.Context, c model.Content) (string, error) {
	ref, err := a.send(ctx, c)
	a.observe(err)
	return ref, err
}

func (a *TelegramAdapter) Status() HealthInfo {
	return a.snapshot(a.name, config.KindTelegram, a.enabled)
}

func (a *TelegramAdapter) send(ctx context.Context, c model.Content) (string, error) {
	opts := &tele.SendOptions{
		ParseMode:             tele.ParseMode(a.cfg.ParseMode),
		DisableWebPagePreview: a.cfg.DisablePreview,
		ThreadID:              a.cfg.ThreadID,
	}

	type result struct {
		msg *tele.Message
		err error
	}
	// telebot has no context support; the http client timeout bounds the call.
	ch := make(chan result, 1)
	go func() {
		m, err := a.bot.Send(&tele.Chat{ID: a.cfg.ChatID}, c.Text, opts)
		ch <- result{m, err}
	}()

	var r result
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r = <-ch:
	}
	if r.err != nil {
		return "", a.classify(r.err)
	}
	if r.msg == nil {
		return "", errors.New("telegram: empty send response")
	}

	if a.cfg.PublicUsername != "" {
		return fmt.Sprintf("https://t.me/%s/%d", strings.TrimPrefix(a.cfg.PublicUsername, "@"), r.msg.ID), nil
	}
	return fmt.Sprintf("telegram:%d:%d", a.cfg.ChatID, r.msg.ID), nil
}

// classify maps Bot API failures onto the channel error taxonomy.
func (a *TelegramAdapter) classify(err error) error {
	code, retryAfter := telegramDetails(err)

	msg := strings.ToLower(err.Error())
	if code == http.StatusTooManyRequests || strings.Contains(msg, "too many requests") {
		if retryAfter == 0 {
			if m := retryAfterRe.FindStringSubmatch(msg); m != nil {
				n, _ := strconv.Atoi(m[1])
				retryAfter = time.Duration(n) * time.Second
			}
		}
		return &RateLimitError{Channel: a.name, RetryAfter: retryAfter, Err: err}
	}

	if code == 0 {
		if m := tgCodeRe.FindStringSubmatch(msg); m != nil {
			code, _ = strconv.Atoi(m[1])
		}
	}
	if code >= 400 && code < 500 {
		return Permanent(err)
	}
	return err
}

// telegramDetails walks the error chain for telebot's typed errors.
func telegramDetails(err error) (code int, retryAfter time.Duration) {
	for e := err; e != nil; e = errors.Unwrap(e) {
		switch te := any(e).(type) {
		case tele.FloodError:
			return http.StatusTooManyRequests, time.Duration(te.RetryAfter) * time.Second
		case *tele.FloodError:
			return http.StatusTooManyRequests, time.Duration(te.RetryAfter) * time.Second
		case *tele.Error:
			return te.Code, 0
		}
	}
	return 0, 0
}

var _ Adapter = (*TelegramAdapter)(nil)
