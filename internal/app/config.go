package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config represents the runtime configuration shared by the agent and the
// server of record.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Capture   CaptureConfig   `mapstructure:"capture"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Retention RetentionConfig `mapstructure:"retention"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`
}

// DatabaseConfig describes connection options for the supported databases.
type DatabaseConfig struct {
	Driver   string       `mapstructure:"driver"`
	Path     string       `mapstructure:"path"`
	DSN      string       `mapstructure:"dsn"`
	Postgres DBAuthConfig `mapstructure:"postgres"`
	MySQL    DBAuthConfig `mapstructure:"mysql"`
}

// DBAuthConfig represents host based database parameters.
type DBAuthConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// CaptureConfig tunes capture-time deduplication.
type CaptureConfig struct {
	DedupWindow         time.Duration `mapstructure:"dedup_window"`
	FuzzyEnabled        bool          `mapstructure:"fuzzy_enabled"`
	SimilarityThreshold float64       `mapstructure:"similarity_threshold"`
}

// SyncConfig tunes the agent-side sync engine.
type SyncConfig struct {
	ServerURL        string        `mapstructure:"server_url"`
	DeviceID         string        `mapstructure:"device_id"`
	BatchSize        int           `mapstructure:"batch_size"`
	MaxBatchSize     int           `mapstructure:"max_batch_size"`
	MaxRetryAttempts int           `mapstructure:"max_retry_attempts"`
	BackoffBase      float64       `mapstructure:"backoff_base"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	AllowOffline     bool          `mapstructure:"allow_offline"`
	ConflictStrategy string        `mapstructure:"conflict_strategy"`
	SyncInterval     time.Duration `mapstructure:"sync_interval"`
	RetryInterval    time.Duration `mapstructure:"retry_interval"`
	Stream           bool          `mapstructure:"stream"`
}

// RetentionConfig controls expired-record cleanup.
type RetentionConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// LoadConfig initialises application configuration using Viper with sensible defaults.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.NewWithOptions(viper.ExperimentalBindStruct())
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("./config")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	setDefaults(v)

	v.SetEnvPrefix("NOTIQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8400)
	v.SetDefault("server.log_level", "info")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/notiq.sqlite")

	v.SetDefault("capture.dedup_window", "10s")
	v.SetDefault("capture.fuzzy_enabled", true)
	v.SetDefault("capture.similarity_threshold", 0.9)

	v.SetDefault("sync.server_url", "http://127.0.0.1:8400")
	v.SetDefault("sync.batch_size", 20)
	v.SetDefault("sync.max_batch_size", 100)
	v.SetDefault("sync.max_retry_attempts", 5)
	v.SetDefault("sync.backoff_base", 2)
	v.SetDefault("sync.max_backoff", "5m")
	v.SetDefault("sync.request_timeout", "30s")
	v.SetDefault("sync.allow_offline", false)
	v.SetDefault("sync.conflict_strategy", "merge")
	v.SetDefault("sync.sync_interval", "1m")
	v.SetDefault("sync.retry_interval", "5m")
	v.SetDefault("sync.stream", true)

	v.SetDefault("retention.enabled", true)
	v.SetDefault("retention.interval", "1h")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
