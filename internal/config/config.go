// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Tracker   TrackerConfig   `mapstructure:"tracker"`
	KV        KVConfig        `mapstructure:"kv"`
	Authority AuthorityConfig `mapstructure:"authority"`
	Notify    NotifyConfig    `mapstructure:"notify"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// TrackerConfig governs the reconciliation queue state machine.
type TrackerConfig struct {
	InitialDelayHours    int `mapstructure:"initial_delay_hours"`
	RetryIntervalHours   int `mapstructure:"retry_interval_hours"`
	MaxRetryAttempts     int `mapstructure:"max_retry_attempts"`
	BatchSize            int `mapstructure:"batch_size"`
	HistoryKeep          int `mapstructure:"history_keep"`
	PruneMaxAgeDays      int `mapstructure:"prune_max_age_days"`
	CycleIntervalMinutes int `mapstructure:"cycle_interval_minutes"`
}

// KVConfig selects and configures the snapshot persistence backend.
type KVConfig struct {
	Provider string `mapstructure:"provider"`
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
}

// AuthorityConfig configures the index status authority client.
type AuthorityConfig struct {
	Provider           string `mapstructure:"provider"`
	SiteURL            string `mapstructure:"site_url"`
	SitemapURL         string `mapstructure:"sitemap_url"`
	CredentialsJSON    string `mapstructure:"credentials_json"`
	TimeoutSeconds     int    `mapstructure:"timeout_seconds"`
	DailyLimit         int    `mapstructure:"daily_limit"`
	MinIntervalSeconds int    `mapstructure:"min_interval_seconds"`
}

// NotifyConfig holds metadata for indexed-event notifications.
type NotifyConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("INDEXWATCH")
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("tracker.initial_delay_hours", 24)
	v.SetDefault("tracker.retry_interval_hours", 48)
	v.SetDefault("tracker.max_retry_attempts", 5)
	v.SetDefault("tracker.batch_size", 10)
	v.SetDefault("tracker.history_keep", 200)
	v.SetDefault("tracker.prune_max_age_days", 30)
	v.SetDefault("tracker.cycle_interval_minutes", 30)
	v.SetDefault("kv.provider", "memory")
	v.SetDefault("kv.table", "kv_snapshots")
	v.SetDefault("kv.prefix", "indexwatch")
	v.SetDefault("authority.provider", "noop")
	v.SetDefault("authority.timeout_seconds", 15)
	v.SetDefault("authority.daily_limit", 180)
	v.SetDefault("authority.min_interval_seconds", 10)
	v.SetDefault("notify.provider", "noop")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Tracker.BatchSize <= 0 {
		return fmt.Errorf("tracker.batch_size must be > 0")
	}
	if c.Tracker.MaxRetryAttempts < 0 {
		return fmt.Errorf("tracker.max_retry_attempts must be >= 0")
	}
	if c.Tracker.HistoryKeep <= 0 {
		return fmt.Errorf("tracker.history_keep must be > 0")
	}
	switch c.KV.Provider {
	case "memory", "noop":
	case "postgres":
		if c.KV.DSN == "" {
			return fmt.Errorf("kv.dsn must be set when kv.provider is postgres")
		}
	case "gcs":
		if c.KV.Bucket == "" {
			return fmt.Errorf("kv.bucket must be set when kv.provider is gcs")
		}
	default:
		return fmt.Errorf("unknown kv.provider %q", c.KV.Provider)
	}
	switch c.Authority.Provider {
	case "noop":
	case "gsc":
		if c.Authority.SiteURL == "" {
			return fmt.Errorf("authority.site_url must be set when authority.provider is gsc")
		}
	default:
		return fmt.Errorf("unknown authority.provider %q", c.Authority.Provider)
	}
	if c.Notify.Provider == "pubsub" && (c.Notify.ProjectID == "" || c.Notify.TopicName == "") {
		return fmt.Errorf("notify.project_id and notify.topic_name must be set when notify.provider is pubsub")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// InitialDelay converts the first-check delay into a duration.
func (c TrackerConfig) InitialDelay() time.Duration {
	return time.Duration(c.InitialDelayHours) * time.Hour
}

// RetryInterval converts the between-checks delay into a duration.
func (c TrackerConfig) RetryInterval() time.Duration {
	return time.Duration(c.RetryIntervalHours) * time.Hour
}

// CycleInterval converts the host scheduler period into a duration.
func (c TrackerConfig) CycleInterval() time.Duration {
	return time.Duration(c.CycleIntervalMinutes) * time.Minute
}

// AuthorityTimeout converts the authority HTTP timeout into a duration.
func (c AuthorityConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// MinInterval converts the reindex-request spacing into a duration.
func (c AuthorityConfig) MinInterval() time.Duration {
	return time.Duration(c.MinIntervalSeconds) * time.Second
}
