package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Storage    StorageConfig    `mapstructure:"storage"`
	Encryption EncryptionConfig `mapstructure:"encryption"`
	Tracking   TrackingConfig   `mapstructure:"tracking"`
	Sync       SyncConfig       `mapstructure:"sync"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type  string      `mapstructure:"type"` // "bolt" or "redis"
	Path  string      `mapstructure:"path"`
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines Redis connection settings. It is shared by the
// redis storage backend and the redis notifier.
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
	KeyPrefix    string `mapstructure:"key_prefix"`
}

// EncryptionConfig defines the at-rest encryption key material
type EncryptionConfig struct {
	Secret    string `mapstructure:"secret"`
	CacheSize int    `mapstructure:"cache_size"`
}

// TrackingConfig defines presence sampling and accounting settings
type TrackingConfig struct {
	IdleSource             string `mapstructure:"idle_source"` // auto, mutter, screensaver, logind
	IdleThreshold          string `mapstructure:"idle_threshold"`
	SampleInterval         string `mapstructure:"sample_interval"`
	BroadcastInterval      string `mapstructure:"broadcast_interval"`
	WallClockJumpThreshold string `mapstructure:"wall_clock_jump_threshold"`
	Timezone               string `mapstructure:"timezone"`
	RetentionDays          int    `mapstructure:"retention_days"`
}

// SyncConfig defines the offline queue and collector settings
type SyncConfig struct {
	CollectorURL   string `mapstructure:"collector_url"`
	UserID         string `mapstructure:"user_id"`
	Interval       string `mapstructure:"interval"`
	BatchSize      int    `mapstructure:"batch_size"`
	RetryDelay     string `mapstructure:"retry_delay"`
	BatchAttempts  int    `mapstructure:"batch_attempts"`
	RequestTimeout string `mapstructure:"request_timeout"`
	SyncOnStart    bool   `mapstructure:"sync_on_start"`
}

// NotifyConfig defines where session-time updates are published
type NotifyConfig struct {
	DBusEnabled  bool        `mapstructure:"dbus_enabled"`
	RedisEnabled bool        `mapstructure:"redis_enabled"`
	RedisChannel string      `mapstructure:"redis_channel"`
	Redis        RedisConfig `mapstructure:"redis"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig defines the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

// DefaultPath returns the per-user configuration file location.
func DefaultPath() string {
	return filepath.Join(xdgDir("XDG_CONFIG_HOME", ".config"), "presenced", "config.yaml")
}

// DefaultDataPath returns the per-user bolt database location.
func DefaultDataPath() string {
	return filepath.Join(xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share")), "presenced", "presenced.bolt")
}

func xdgDir(env, fallback string) string {
	if dir := os.Getenv(env); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return fallback
	}
	return filepath.Join(home, fallback)
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	v.SetConfigFile(configPath)
	v.SetEnvPrefix("PRESENCED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !notFound && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// SetDefaults sets default configuration values
func SetDefaults(v *viper.Viper) {
	// Storage defaults
	v.SetDefault("storage.type", "bolt")
	v.SetDefault("storage.path", DefaultDataPath())
	setRedisDefaults(v, "storage.redis")
	v.SetDefault("storage.redis.key_prefix", "presenced:kv:")

	// Encryption defaults
	v.SetDefault("encryption.secret", "")
	v.SetDefault("encryption.cache_size", 64)

	// Tracking defaults
	v.SetDefault("tracking.idle_source", "auto")
	v.SetDefault("tracking.idle_threshold", "5m")
	v.SetDefault("tracking.sample_interval", "5s")
	v.SetDefault("tracking.broadcast_interval", "5s")
	v.SetDefault("tracking.wall_clock_jump_threshold", "30s")
	v.SetDefault("tracking.timezone", "")
	v.SetDefault("tracking.retention_days", 90)

	// Sync defaults
	v.SetDefault("sync.collector_url", "")
	v.SetDefault("sync.user_id", "")
	v.SetDefault("sync.interval", "15m")
	v.SetDefault("sync.batch_size", 10)
	v.SetDefault("sync.retry_delay", "30s")
	v.SetDefault("sync.batch_attempts", 2)
	v.SetDefault("sync.request_timeout", "30s")
	v.SetDefault("sync.sync_on_start", true)

	// Notify defaults
	v.SetDefault("notify.dbus_enabled", true)
	v.SetDefault("notify.redis_enabled", false)
	v.SetDefault("notify.redis_channel", "attendance_updates")
	setRedisDefaults(v, "notify.redis")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Metrics defaults
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.address", "127.0.0.1:9464")
}

func setRedisDefaults(v *viper.Viper, prefix string) {
	v.SetDefault(prefix+".host", "localhost")
	v.SetDefault(prefix+".port", 6379)
	v.SetDefault(prefix+".password", "")
	v.SetDefault(prefix+".db", 0)
	v.SetDefault(prefix+".pool_size", 10)
	v.SetDefault(prefix+".min_idle_conns", 2)
	v.SetDefault(prefix+".dial_timeout", "5s")
	v.SetDefault(prefix+".read_timeout", "3s")
	v.SetDefault(prefix+".write_timeout", "3s")
}

// validate validates the configuration
func validate(cfg *Config) error {
	switch cfg.Storage.Type {
	case "", "bolt":
		cfg.Storage.Type = "bolt"
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage path is required")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0700); err != nil {
			return fmt.Errorf("failed to create storage directory: %w", err)
		}
	case "redis":
		if cfg.Storage.Redis.Host == "" {
			return fmt.Errorf("storage.redis.host is required for redis storage")
		}
	default:
		return fmt.Errorf("unknown storage type: %q", cfg.Storage.Type)
	}

	if cfg.Encryption.Secret == "" {
		return fmt.Errorf("encryption.secret is required")
	}

	switch cfg.Tracking.IdleSource {
	case "auto", "mutter", "screensaver", "logind":
	default:
		return fmt.Errorf("unknown idle source: %q", cfg.Tracking.IdleSource)
	}

	for name, value := range map[string]string{
		"tracking.idle_threshold":            cfg.Tracking.IdleThreshold,
		"tracking.sample_interval":           cfg.Tracking.SampleInterval,
		"tracking.broadcast_interval":        cfg.Tracking.BroadcastInterval,
		"tracking.wall_clock_jump_threshold": cfg.Tracking.WallClockJumpThreshold,
		"sync.interval":                      cfg.Sync.Interval,
		"sync.retry_delay":                   cfg.Sync.RetryDelay,
		"sync.request_timeout":               cfg.Sync.RequestTimeout,
	} {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if cfg.Tracking.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Tracking.Timezone); err != nil {
			return fmt.Errorf("invalid tracking.timezone: %w", err)
		}
	}

	if cfg.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync.batch_size must be positive, got %d", cfg.Sync.BatchSize)
	}
	if cfg.Sync.BatchAttempts <= 0 {
		return fmt.Errorf("sync.batch_attempts must be positive, got %d", cfg.Sync.BatchAttempts)
	}

	return nil
}

// Location returns the configured timezone, or the system local zone.
func (c TrackingConfig) Location() *time.Location {
	if c.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}
