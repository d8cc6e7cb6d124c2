package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

//go:embed defaults.yaml
var defaults []byte

// ---- Root ----

type Config struct {
	Log        LogConfig       `mapstructure:"log"`
	HTTP       HTTPConfig      `mapstructure:"http"`
	MySQL      DatabaseConfig  `mapstructure:"mysql"`
	ClickHouse DatabaseConfig  `mapstructure:"clickhouse"`
	Redis      RedisConfig     `mapstructure:"redis"`
	Kafka      KafkaConfig     `mapstructure:"kafka"`
	Upstream   UpstreamConfig  `mapstructure:"upstream"`
	Watcher    WatcherConfig   `mapstructure:"watcher"`
	Dedup      DedupConfig     `mapstructure:"dedup"`
	Publisher  PublisherConfig `mapstructure:"publisher"`
	Alerts     AlertsConfig    `mapstructure:"alerts"`
	Jobs       JobsConfig      `mapstructure:"jobs"`
	Channels   []ChannelConfig `mapstructure:"channels"`
}

// ---- Leaf structs ----

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type HTTPConfig struct {
	Addr         string   `mapstructure:"addr"`
	APIKeys      []string `mapstructure:"api_keys"`
	RateLimitRPS int      `mapstructure:"rate_limit_rps"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idletime"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

func (c DatabaseConfig) Enabled() bool { return strings.TrimSpace(c.DSN) != "" }

type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

func (c RedisConfig) Enabled() bool { return strings.TrimSpace(c.Addr) != "" }

type KafkaConfig struct {
	Brokers        []string `mapstructure:"brokers"`
	Topic          string   `mapstructure:"topic"`
	GroupID        string   `mapstructure:"group_id"`
	MinBytes       int      `mapstructure:"min_bytes"`
	MaxBytes       int      `mapstructure:"max_bytes"`
	CommitInterval int      `mapstructure:"commit_interval_ms"`
}

// UpstreamConfig describes the paged incident listing polled in poll mode.
type UpstreamConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	Path          string        `mapstructure:"path"`
	APIKey        string        `mapstructure:"api_key"`
	PageSize      int           `mapstructure:"page_size"`
	MaxPages      int           `mapstructure:"max_pages"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Burst         int           `mapstructure:"burst"`
	UserAgent     string        `mapstructure:"user_agent"`
}

type WatcherConfig struct {
	Mode                   string        `mapstructure:"mode"` // poll | stream
	Interval               time.Duration `mapstructure:"interval"`
	MinMagnitude           float64       `mapstructure:"min_magnitude"`
	AllowedCategories      []string      `mapstructure:"allowed_categories"`
	AllowedChains          []string      `mapstructure:"allowed_chains"`
	MaxSubmissionsPerCycle int           `mapstructure:"max_submissions_per_cycle"`
	RateLimitBackoff       time.Duration `mapstructure:"rate_limit_backoff"`
	FutureTolerance        time.Duration `mapstructure:"future_tolerance"`
	Targets                []string      `mapstructure:"targets"` // empty = every configured channel
	MessageTypes           []string      `mapstructure:"message_types"`
	MarkStore              string        `mapstructure:"mark_store"` // memory | redis
	MarkKey                string        `mapstructure:"mark_key"`
}

type DedupConfig struct {
	Backend string        `mapstructure:"backend"` // memory | redis
	Key     string        `mapstructure:"key"`
	TTL     time.Duration `mapstructure:"ttl"`
	MaxKeys int           `mapstructure:"max_keys"`
}

type PublisherConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
	RemoteCooldown time.Duration `mapstructure:"remote_cooldown"`
}

type AlertsConfig struct {
	Threshold  int                `mapstructure:"threshold"`
	Cooldown   time.Duration      `mapstructure:"cooldown"`
	WebhookURL string             `mapstructure:"webhook_url"`
	Telegram   TelegramSinkConfig `mapstructure:"telegram"`
}

type TelegramSinkConfig struct {
	Token  string `mapstructure:"token"`
	ChatID int64  `mapstructure:"chat_id"`
	APIURL string `mapstructure:"api_url"`
}

type JobsConfig struct {
	Retention        time.Duration `mapstructure:"retention"`         // in-memory jobs
	ArchiveRetention time.Duration `mapstructure:"archive_retention"` // MySQL archive, 0 keeps forever
}

// ---- Channels ----

const (
	KindTelegram = "telegram"
	KindWebhook  = "webhook"
	KindEmail    = "email"
)

type ChannelConfig struct {
	Name        string         `mapstructure:"name"`
	Kind        string         `mapstructure:"kind"`
	Enabled     bool           `mapstructure:"enabled"`
	HourlyLimit int            `mapstructure:"hourly_limit"`
	Timeout     time.Duration  `mapstructure:"timeout"`
	Template    string         `mapstructure:"template"` // text/template body, default when empty
	Telegram    TelegramConfig `mapstructure:"telegram"`
	Webhook     WebhookConfig  `mapstructure:"webhook"`
	Email       EmailConfig    `mapstructure:"email"`
}

type TelegramConfig struct {
	Token          string `mapstructure:"token"`
	ChatID         int64  `mapstructure:"chat_id"`
	ThreadID       int    `mapstructure:"thread_id"`
	ParseMode      string `mapstructure:"parse_mode"`
	DisablePreview bool   `mapstructure:"disable_preview"`
	PublicUsername string `mapstructure:"public_username"` // builds t.me links when set
	APIURL         string `mapstructure:"api_url"`
	MaxLength      int    `mapstructure:"max_length"`
}

type WebhookConfig struct {
	URL       string            `mapstructure:"url"`
	Format    string            `mapstructure:"format"` // json | discord | slack
	Username  string            `mapstructure:"username"`
	Headers   map[string]string `mapstructure:"headers"`
	MaxLength int               `mapstructure:"max_length"`
}

type EmailConfig struct {
	Region   string   `mapstructure:"region"`
	Endpoint string   `mapstructure:"endpoint"`
	From     string   `mapstructure:"from"`
	To       []string `mapstructure:"to"`
}

// Validate fails fast on configuration that would otherwise surface deep
// inside a publish call.
func (c Config) Validate() error {
	var errs []error

	switch c.Watcher.Mode {
	case "poll":
		if strings.TrimSpace(c.Upstream.BaseURL) == "" {
			errs = append(errs, errors.New("upstream.base_url is required in poll mode"))
		}
	case "stream":
		if len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "" {
			errs = append(errs, errors.New("kafka.brokers and kafka.topic are required in stream mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("watcher.mode must be poll or stream, got %q", c.Watcher.Mode))
	}
	if c.Watcher.MinMagnitude < 0 {
		errs = append(errs, errors.New("watcher.min_magnitude must be >= 0"))
	}
	if (c.Dedup.Backend == "redis" || c.Watcher.MarkStore == "redis") && !c.Redis.Enabled() {
		errs = append(errs, errors.New("redis.addr is required for redis dedup or mark store"))
	}
	if c.Publisher.MaxAttempts < 1 {
		errs = append(errs, errors.New("publisher.max_attempts must be >= 1"))
	}
	if c.Alerts.Threshold < 1 {
		errs = append(errs, errors.New("alerts.threshold must be >= 1"))
	}

	names := make(map[string]bool, len(c.Channels))
	for i, ch := range c.Channels {
		if err := ch.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("channels[%d]: %w", i, err))
		}
		if names[ch.Name] {
			errs = append(errs, fmt.Errorf("channels[%d]: duplicate name %q", i, ch.Name))
		}
		names[ch.Name] = true
		// the telegram client cannot be cancelled mid-send, so its own
		// timeout must end before the publisher gives up on the attempt
		if ch.Kind == KindTelegram && ch.Timeout > 0 && c.Publisher.AttemptTimeout > 0 && ch.Timeout > c.Publisher.AttemptTimeout {
			errs = append(errs, fmt.Errorf("channels[%d]: %s: timeout %s exceeds publisher.attempt_timeout %s",
				i, ch.Name, ch.Timeout, c.Publisher.AttemptTimeout))
		}
	}
	for _, t := range c.Watcher.Targets {
		if !names[t] {
			errs = append(errs, fmt.Errorf("watcher.targets: unknown channel %q", t))
		}
	}

	return errors.Join(errs...)
}

func (c ChannelConfig) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return errors.New("name is required")
	}
	if c.HourlyLimit <= 0 {
		return fmt.Errorf("%s: hourly_limit must be > 0", c.Name)
	}
	switch c.Kind {
	case KindTelegram:
		if c.Enabled && (c.Telegram.Token == "" || c.Telegram.ChatID == 0) {
			return fmt.Errorf("%s: telegram.token and telegram.chat_id are required", c.Name)
		}
	case KindWebhook:
		if c.Enabled && c.Webhook.URL == "" {
			return fmt.Errorf("%s: webhook.url is required", c.Name)
		}
	case KindEmail:
		if c.Enabled && (c.Email.From == "" || len(c.Email.To) == 0) {
			return fmt.Errorf("%s: email.from and email.to are required", c.Name)
		}
	default:
		return fmt.Errorf("%s: unknown kind %q", c.Name, c.Kind)
	}
	return nil
}

// EnabledChannelNames returns the enabled channel names in config order.
func (c Config) EnabledChannelNames() []string {
	out := make([]string, 0, len(c.Channels))
	for _, ch := range c.Channels {
		if ch.Enabled {
			out = append(out, ch.Name)
		}
	}
	return out
}

// ResolvedChannels returns the channels with a zero timeout set to
// publisher.attempt_timeout.
func (c Config) ResolvedChannels() []ChannelConfig {
	out := make([]ChannelConfig, len(c.Channels))
	copy(out, c.Channels)
	for i := range out {
		if out[i].Timeout <= 0 && c.Publisher.AttemptTimeout > 0 {
			out[i].Timeout = c.Publisher.AttemptTimeout
		}
	}
	return out
}

// Templates returns the per-channel template overrides.
func (c Config) Templates() map[string]string {
	out := make(map[string]string)
	for _, ch := range c.Channels {
		if strings.TrimSpace(ch.Template) != "" {
			out[ch.Name] = ch.Template
		}
	}
	return out
}

// Load reads embedded defaults, merges user YAML (if provided), and applies env overrides (RELAY_*).
func Load(path string) (Config, error) {
	v := viper.New()

	// embedded defaults
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("merge %s: %w", path, err)
		}
	}

	// env override (RELAY_WATCHER_MODE, RELAY_REDIS_ADDR, ...)
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
