package config

import (
	"fmt"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config holds all configuration for ledgerd
type Config struct {
	DataDir   string `mapstructure:"data_dir"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"` // json, text
	Listen    string `mapstructure:"listen"`

	// Table is the ledger table every route works on
	Table string `mapstructure:"table"`

	Syslog    SyslogConfig    `mapstructure:"syslog"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`

	Storage       StorageConfig       `mapstructure:"storage"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Auth          AuthConfig          `mapstructure:"auth"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
	Backup        BackupConfig        `mapstructure:"backup"`
}

// SyslogConfig forwards log entries to a remote syslog server when Address
// is set
type SyslogConfig struct {
	Address string `mapstructure:"address"` // host:port
	Network string `mapstructure:"network"` // udp, tcp
	Tag     string `mapstructure:"tag"`
}

// RateLimitConfig throttles route calls per client. Zero disables it.
type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// StorageConfig selects and tunes the storage engine
type StorageConfig struct {
	Backend           string `mapstructure:"backend"` // pebble, badger, memory
	SyncWrites        bool   `mapstructure:"sync_writes"`
	CacheSizeMB       int    `mapstructure:"cache_size_mb"`
	MigrateFromBadger bool   `mapstructure:"migrate_from_badger"`
	CompactInterval   int    `mapstructure:"compact_interval"` // minutes, 0 disables
}

// NotificationsConfig lists where dispatch outcomes are delivered
type NotificationsConfig struct {
	Log            bool              `mapstructure:"log"`
	Journal        bool              `mapstructure:"journal"`
	JournalPath    string            `mapstructure:"journal_path"`
	WebhookURL     string            `mapstructure:"webhook_url"`
	WebhookHeaders map[string]string `mapstructure:"webhook_headers"`
	WebhookTimeout int               `mapstructure:"webhook_timeout"` // seconds
	WebhookRetries int               `mapstructure:"webhook_retries"`
}

// AuthConfig enables bearer token checks on the HTTP transport
type AuthConfig struct {
	JWTSecret      string `mapstructure:"jwt_secret"`
	ProtectQueries bool   `mapstructure:"protect_queries"`
}

// Enabled reports whether a signing secret is configured.
func (a AuthConfig) Enabled() bool { return a.JWTSecret != "" }

type MetricsConfig struct {
	Enable bool   `mapstructure:"enable"`
	Path   string `mapstructure:"path"`
}

type BackupConfig struct {
	S3 S3Config `mapstructure:"s3"`
}

// S3Config points at an S3-compatible bucket for table exports
type S3Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	Bucket    string `mapstructure:"bucket"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Prefix    string `mapstructure:"prefix"`
	PathStyle bool   `mapstructure:"path_style"`
}

var tableNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// LEDGERD_STORAGE_BACKEND maps to storage.backend
var envKeyReplacer = strings.NewReplacer(".", "_")

// Load reads configuration from defaults, an optional config file, the
// environment (LEDGERD_ prefix) and command line flags.
func Load(cmd *cobra.Command) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if err := bindFlags(cmd, v); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	if configFile, _ := cmd.Flags().GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("LEDGERD")
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "./data")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("listen", ":7480")
	v.SetDefault("table", "my_table")

	v.SetDefault("syslog.address", "")
	v.SetDefault("syslog.network", "udp")
	v.SetDefault("syslog.tag", "ledgerd")

	v.SetDefault("rate_limit.requests_per_second", 0)
	v.SetDefault("rate_limit.burst", 0)

	v.SetDefault("storage.backend", "pebble")
	v.SetDefault("storage.sync_writes", true)
	v.SetDefault("storage.cache_size_mb", 64)
	v.SetDefault("storage.migrate_from_badger", true)
	v.SetDefault("storage.compact_interval", 0)

	v.SetDefault("notifications.log", true)
	v.SetDefault("notifications.journal", false)
	v.SetDefault("notifications.journal_path", "") // Empty by default, set from data_dir
	v.SetDefault("notifications.webhook_url", "")
	v.SetDefault("notifications.webhook_timeout", 5)
	v.SetDefault("notifications.webhook_retries", 3)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.protect_queries", false)

	v.SetDefault("metrics.enable", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("backup.s3.endpoint", "")
	v.SetDefault("backup.s3.region", "us-east-1")
	v.SetDefault("backup.s3.bucket", "")
	v.SetDefault("backup.s3.access_key", "")
	v.SetDefault("backup.s3.secret_key", "")
	v.SetDefault("backup.s3.prefix", "ledgerd/")
	v.SetDefault("backup.s3.path_style", true)
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	flags := map[string]string{
		"data-dir":   "data_dir",
		"log-level":  "log_level",
		"log-format": "log_format",
		"listen":     "listen",
		"table":      "table",
		"backend":    "storage.backend",
	}

	for flag, key := range flags {
		f := cmd.Flags().Lookup(flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return err
		}
	}

	return nil
}

func validate(cfg *Config) error {
	if cfg.DataDir == "" {
		return fmt.Errorf("data_dir is required: specify via --data-dir flag, config file, or LEDGERD_DATA_DIR environment variable")
	}

	switch cfg.Storage.Backend {
	case "pebble", "badger", "memory":
	default:
		return fmt.Errorf("unsupported storage backend %q (want pebble, badger or memory)", cfg.Storage.Backend)
	}

	if !tableNamePattern.MatchString(cfg.Table) {
		return fmt.Errorf("invalid table name %q: only letters, digits, '_' and '-' are allowed", cfg.Table)
	}

	if cfg.Notifications.WebhookURL != "" {
		u, err := url.Parse(cfg.Notifications.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("notifications.webhook_url must be an http(s) URL, got %q", cfg.Notifications.WebhookURL)
		}
	}

	switch cfg.Syslog.Network {
	case "udp", "tcp", "":
	default:
		return fmt.Errorf("syslog.network must be udp or tcp, got %q", cfg.Syslog.Network)
	}

	if cfg.Storage.CompactInterval < 0 {
		return fmt.Errorf("storage.compact_interval must not be negative")
	}

	if cfg.RateLimit.RequestsPerSecond < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit values must not be negative")
	}
	if cfg.RateLimit.RequestsPerSecond > 0 && cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = int(math.Ceil(cfg.RateLimit.RequestsPerSecond))
	}

	if !filepath.IsAbs(cfg.DataDir) {
		if abs, err := filepath.Abs(cfg.DataDir); err == nil {
			cfg.DataDir = abs
		}
	}

	if _, err := os.Stat(cfg.DataDir); os.IsNotExist(err) {
		logrus.Debugf("Creating data directory: %s", cfg.DataDir)
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	if cfg.Notifications.JournalPath == "" {
		cfg.Notifications.JournalPath = filepath.Join(cfg.DataDir, "notifications.db")
	}

	return nil
}
