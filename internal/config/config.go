// Package config loads and validates tracker configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces every environment override, e.g. RESTOCK_SERVER_PORT.
const EnvPrefix = "RESTOCK"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server        ServerConfig       `mapstructure:"server"`
	Auth          AuthConfig         `mapstructure:"auth"`
	Logging       LoggingConfig      `mapstructure:"logging"`
	Store         StoreConfig        `mapstructure:"store"`
	Mirror        MirrorConfig       `mapstructure:"mirror"`
	Scheduler     SchedulerConfig    `mapstructure:"scheduler"`
	HTTP          HTTPConfig         `mapstructure:"http"`
	Headless      HeadlessConfig     `mapstructure:"headless"`
	Sources       SourcesConfig      `mapstructure:"sources"`
	Notify        NotifyConfig       `mapstructure:"notify"`
	Gateway       GatewayConfig      `mapstructure:"gateway"`
	Subscriptions SubscriptionConfig `mapstructure:"subscriptions"`
}

// ServerConfig controls the admin HTTP server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
	// Level overrides the mode's default level ("debug", "info", "warn", "error").
	Level string `mapstructure:"level"`
	// Format is "console" or "json"; empty follows Development.
	Format string `mapstructure:"format"`
}

// StoreConfig locates the local state files.
type StoreConfig struct {
	StateFile        string        `mapstructure:"state_file"`
	NotificationFile string        `mapstructure:"notification_file"`
	SendCountFile    string        `mapstructure:"send_count_file"`
	HistoryFile      string        `mapstructure:"history_file"`
	LockTimeout      time.Duration `mapstructure:"lock_timeout"`
	LockRetry        time.Duration `mapstructure:"lock_retry"`
}

// Mirror kinds.
const (
	MirrorNone  = "none"
	MirrorLocal = "local"
	MirrorGCS   = "gcs"
)

// MirrorConfig selects where state snapshots are copied after each write.
type MirrorConfig struct {
	Kind    string `mapstructure:"kind"`
	BaseDir string `mapstructure:"base_dir"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
	Object  string `mapstructure:"object"`
	// Restore seeds a missing or unreadable state file from the mirror.
	Restore bool `mapstructure:"restore"`
}

// SchedulerConfig bounds runs, shutdown, and failure backoff.
type SchedulerConfig struct {
	RunTimeout      time.Duration `mapstructure:"run_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBackoff      time.Duration `mapstructure:"max_backoff"`
	BackoffFactor   float64       `mapstructure:"backoff_factor"`
}

// HTTPConfig configures the fetch client and per-host pacing.
type HTTPConfig struct {
	TimeoutSeconds   int           `mapstructure:"timeout_seconds"`
	UserAgent        string        `mapstructure:"user_agent"`
	UserAgents       []string      `mapstructure:"user_agents"`
	Retries          int           `mapstructure:"retries"`
	RateLimitRPS     float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst   int           `mapstructure:"rate_limit_burst"`
	ChallengePenalty time.Duration `mapstructure:"challenge_penalty"`
	// MaxPenalty caps the escalated pause after repeated challenges.
	MaxPenalty time.Duration `mapstructure:"max_penalty"`
	// HostLimits overrides rate_limit_rps and rate_limit_burst per hostname.
	HostLimits []HostLimitConfig `mapstructure:"host_limits"`
}

// HostLimitConfig paces a single host. It is a list entry rather than a map
// value because viper splits map keys on dots.
type HostLimitConfig struct {
	Host  string  `mapstructure:"host"`
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// HeadlessConfig configures the headless fallback.
type HeadlessConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
	// WaitSelector must be present before the rendered DOM is captured.
	WaitSelector string `mapstructure:"wait_selector"`
	LoadImages   bool   `mapstructure:"load_images"`
}

// SourcesConfig groups the vendor adapters.
type SourcesConfig struct {
	Shopify ShopifyConfig `mapstructure:"shopify"`
	Amazon  AmazonConfig  `mapstructure:"amazon"`
}

// ShopifyConfig configures the Shopify catalogue adapter.
type ShopifyConfig struct {
	IntervalSeconds int           `mapstructure:"interval_seconds"`
	ProductsURL     string        `mapstructure:"products_url"`
	StoreURL        string        `mapstructure:"store_url"`
	BaseDelay       time.Duration `mapstructure:"base_delay"`
	Jitter          time.Duration `mapstructure:"jitter"`
	CrossCheck      bool          `mapstructure:"cross_check"`
	NoExpand        []string      `mapstructure:"no_expand"`
}

// AmazonConfig configures the Amazon page adapter. ASINs are "ASIN" or
// "ASIN:Title" entries.
type AmazonConfig struct {
	IntervalSeconds int           `mapstructure:"interval_seconds"`
	BaseURL         string        `mapstructure:"base_url"`
	ASINs           []string      `mapstructure:"asins"`
	BaseDelay       time.Duration `mapstructure:"base_delay"`
	Jitter          time.Duration `mapstructure:"jitter"`
}

// NotifyConfig configures the notification dispatcher.
type NotifyConfig struct {
	Cooldown         time.Duration `mapstructure:"cooldown"`
	NotifyOutOfStock bool          `mapstructure:"notify_out_of_stock"`
	Concurrency      int           `mapstructure:"concurrency"`
	TrackerURL       string        `mapstructure:"tracker_url"`
	DailyCap         int           `mapstructure:"daily_cap"`
}

// Gateway kinds.
const (
	GatewayLog      = "log"
	GatewayMemory   = "memory"
	GatewayTelegram = "telegram"
	GatewayPubSub   = "pubsub"
)

// GatewayConfig selects the notification delivery channel.
type GatewayConfig struct {
	Kind            string `mapstructure:"kind"`
	TelegramToken   string `mapstructure:"telegram_token"`
	PubSubProjectID string `mapstructure:"pubsub_project_id"`
	PubSubTopic     string `mapstructure:"pubsub_topic"`
}

// Subscription source kinds.
const (
	SubscriptionsMemory   = "memory"
	SubscriptionsSQLite   = "sqlite"
	SubscriptionsPostgres = "postgres"
)

// SubscriptionConfig selects where subscriptions are read from.
type SubscriptionConfig struct {
	Kind          string `mapstructure:"kind"`
	SQLitePath    string `mapstructure:"sqlite_path"`
	PostgresDSN   string `mapstructure:"postgres_dsn"`
	PostgresTable string `mapstructure:"postgres_table"`
}

// LoadDotEnv reads .env style files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 8080)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("logging.format", "")
	v.SetDefault("store.state_file", "data/state.json")
	v.SetDefault("store.notification_file", "data/notifications.json")
	v.SetDefault("store.send_count_file", "data/notification_sends.json")
	v.SetDefault("store.history_file", "data/history.jsonl")
	v.SetDefault("store.lock_timeout", 5*time.Second)
	v.SetDefault("store.lock_retry", 50*time.Millisecond)
	v.SetDefault("mirror.kind", MirrorNone)
	v.SetDefault("mirror.base_dir", "")
	v.SetDefault("mirror.bucket", "")
	v.SetDefault("mirror.prefix", "")
	v.SetDefault("mirror.object", "state.json")
	v.SetDefault("mirror.restore", true)
	v.SetDefault("scheduler.run_timeout", 5*time.Minute)
	v.SetDefault("scheduler.shutdown_timeout", 30*time.Second)
	v.SetDefault("scheduler.max_backoff", time.Hour)
	v.SetDefault("scheduler.backoff_factor", 2.0)
	v.SetDefault("http.timeout_seconds", 20)
	v.SetDefault("http.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36")
	v.SetDefault("http.user_agents", []string{})
	v.SetDefault("http.retries", 1)
	v.SetDefault("http.rate_limit_rps", 0.5)
	v.SetDefault("http.rate_limit_burst", 1)
	v.SetDefault("http.challenge_penalty", 2*time.Minute)
	v.SetDefault("http.max_penalty", 30*time.Minute)
	v.SetDefault("http.host_limits", []HostLimitConfig{})
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("headless.wait_selector", "body")
	v.SetDefault("headless.load_images", false)
	v.SetDefault("sources.shopify.interval_seconds", 60)
	v.SetDefault("sources.shopify.products_url", "")
	v.SetDefault("sources.shopify.store_url", "https://soylent.ca")
	v.SetDefault("sources.shopify.base_delay", 500*time.Millisecond)
	v.SetDefault("sources.shopify.jitter", 2500*time.Millisecond)
	v.SetDefault("sources.shopify.cross_check", true)
	v.SetDefault("sources.shopify.no_expand", []string{})
	v.SetDefault("sources.amazon.interval_seconds", 300)
	v.SetDefault("sources.amazon.base_url", "https://www.amazon.ca")
	v.SetDefault("sources.amazon.asins", []string{})
	v.SetDefault("sources.amazon.base_delay", 5*time.Second)
	v.SetDefault("sources.amazon.jitter", 7*time.Second)
	v.SetDefault("notify.cooldown", time.Hour)
	v.SetDefault("notify.notify_out_of_stock", false)
	v.SetDefault("notify.concurrency", 4)
	v.SetDefault("notify.tracker_url", "")
	v.SetDefault("notify.daily_cap", 0)
	v.SetDefault("gateway.kind", GatewayLog)
	v.SetDefault("gateway.telegram_token", "")
	v.SetDefault("gateway.pubsub_project_id", "")
	v.SetDefault("gateway.pubsub_topic", "")
	v.SetDefault("subscriptions.kind", SubscriptionsMemory)
	v.SetDefault("subscriptions.sqlite_path", "data/subscriptions.db")
	v.SetDefault("subscriptions.postgres_dsn", "")
	v.SetDefault("subscriptions.postgres_table", "subscriptions")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Store.StateFile == "" {
		return fmt.Errorf("store.state_file is required")
	}
	if c.Store.NotificationFile == "" || c.Store.SendCountFile == "" {
		return fmt.Errorf("store.notification_file and store.send_count_file are required")
	}
	if c.Store.LockTimeout <= 0 || c.Store.LockRetry <= 0 {
		return fmt.Errorf("store.lock_timeout and store.lock_retry must be > 0")
	}
	if c.Scheduler.RunTimeout <= 0 || c.Scheduler.ShutdownTimeout <= 0 {
		return fmt.Errorf("scheduler.run_timeout and scheduler.shutdown_timeout must be > 0")
	}
	if c.Scheduler.BackoffFactor < 1 {
		return fmt.Errorf("scheduler.backoff_factor must be >= 1")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.Retries < 0 {
		return fmt.Errorf("http.retries must be >= 0")
	}
	if c.HTTP.RateLimitRPS <= 0 || c.HTTP.RateLimitBurst <= 0 {
		return fmt.Errorf("http.rate_limit_rps and http.rate_limit_burst must be > 0")
	}
	for i, limit := range c.HTTP.HostLimits {
		if strings.TrimSpace(limit.Host) == "" || limit.RPS <= 0 || limit.Burst <= 0 {
			return fmt.Errorf("http.host_limits[%d] needs host, rps > 0 and burst > 0", i)
		}
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Sources.Shopify.BaseDelay < 0 || c.Sources.Shopify.Jitter < 0 ||
		c.Sources.Amazon.BaseDelay < 0 || c.Sources.Amazon.Jitter < 0 {
		return fmt.Errorf("source base_delay and jitter must be >= 0")
	}
	if c.Notify.Cooldown < 0 {
		return fmt.Errorf("notify.cooldown must be >= 0")
	}
	if c.Notify.Concurrency <= 0 {
		return fmt.Errorf("notify.concurrency must be > 0")
	}
	if c.Notify.DailyCap < 0 {
		return fmt.Errorf("notify.daily_cap must be >= 0")
	}

	switch c.Mirror.Kind {
	case MirrorNone, "":
	case MirrorLocal:
		if c.Mirror.BaseDir == "" {
			return fmt.Errorf("mirror.base_dir is required for the local mirror")
		}
	case MirrorGCS:
		if c.Mirror.Bucket == "" {
			return fmt.Errorf("mirror.bucket is required for the gcs mirror")
		}
	default:
		return fmt.Errorf("unknown mirror.kind %q", c.Mirror.Kind)
	}

	switch c.Gateway.Kind {
	case GatewayLog, GatewayMemory:
	case GatewayTelegram:
		if c.Gateway.TelegramToken == "" {
			return fmt.Errorf("gateway.telegram_token is required for the telegram gateway")
		}
	case GatewayPubSub:
		if c.Gateway.PubSubProjectID == "" || c.Gateway.PubSubTopic == "" {
			return fmt.Errorf("gateway.pubsub_project_id and gateway.pubsub_topic are required for the pubsub gateway")
		}
	default:
		return fmt.Errorf("unknown gateway.kind %q", c.Gateway.Kind)
	}

	switch c.Subscriptions.Kind {
	case SubscriptionsMemory:
	case SubscriptionsSQLite:
		if c.Subscriptions.SQLitePath == "" {
			return fmt.Errorf("subscriptions.sqlite_path is required for the sqlite source")
		}
	case SubscriptionsPostgres:
		if c.Subscriptions.PostgresDSN == "" {
			return fmt.Errorf("subscriptions.postgres_dsn is required for the postgres source")
		}
	default:
		return fmt.Errorf("unknown subscriptions.kind %q", c.Subscriptions.Kind)
	}
	return nil
}

// FetchTimeout converts http.timeout_seconds into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// NavTimeout converts headless.nav_timeout_seconds into a duration.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Headless.NavTimeoutSec) * time.Second
}
