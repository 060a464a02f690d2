package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	blobcache "github.com/meigma/blobcache"
	"github.com/meigma/blobcache/cache"
	blobhttp "github.com/meigma/blobcache/http"
	"github.com/meigma/blobcache/internal/retry"
)

const envPrefix = "BLOBFETCH"

// Config is the blobfetch configuration. Values come from flags, BLOBFETCH_*
// environment variables and an optional YAML file, in that order of
// precedence.
type Config struct {
	Dir         string        `mapstructure:"dir" validate:"required"`
	Compress    bool          `mapstructure:"compress"`
	Concurrency int           `mapstructure:"concurrency" validate:"gte=1,lte=256"`
	Timeout     time.Duration `mapstructure:"timeout" validate:"gte=0"`

	Cache   CacheConfig   `mapstructure:"cache"`
	Retry   RetryConfig   `mapstructure:"retry"`
	Mirror  MirrorConfig  `mapstructure:"mirror"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// CacheConfig bounds the in-memory cache.
type CacheConfig struct {
	MaxBytes int64 `mapstructure:"max_bytes" validate:"gt=0"`
	MinBytes int64 `mapstructure:"min_bytes" validate:"gte=0,ltfield=MaxBytes"`
}

// RetryConfig controls local fetch retries.
type RetryConfig struct {
	Limit int           `mapstructure:"limit" validate:"gte=1,lte=100"`
	Unit  time.Duration `mapstructure:"unit" validate:"gte=0"`
}

// MirrorConfig selects an optional cloud mirror. At most one of URL and
// S3.Bucket may be set.
type MirrorConfig struct {
	URL      string   `mapstructure:"url" validate:"omitempty,url"`
	MaxBytes int64    `mapstructure:"max_bytes" validate:"gte=0"`
	S3       S3Config `mapstructure:"s3"`
}

// S3Config locates blobs in an S3 compatible bucket.
type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint" validate:"omitempty,url"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// LoggingConfig controls the stderr logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

// MetricsConfig exposes Prometheus metrics while a command runs.
type MetricsConfig struct {
	Addr string `mapstructure:"addr" validate:"omitempty,hostname_port"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("dir", defaultDir())
	v.SetDefault("compress", false)
	v.SetDefault("concurrency", 4)
	v.SetDefault("timeout", 2*time.Minute)
	v.SetDefault("cache.max_bytes", cache.DefaultMaxBytes)
	v.SetDefault("cache.min_bytes", cache.DefaultMinBytes)
	v.SetDefault("retry.limit", retry.DefaultLimit)
	v.SetDefault("retry.unit", blobcache.DefaultBackoffUnit)
	v.SetDefault("mirror.url", "")
	v.SetDefault("mirror.max_bytes", blobhttp.DefaultMaxBytes)
	v.SetDefault("mirror.s3.bucket", "")
	v.SetDefault("mirror.s3.prefix", "")
	v.SetDefault("mirror.s3.region", "")
	v.SetDefault("mirror.s3.endpoint", "")
	v.SetDefault("mirror.s3.access_key_id", "")
	v.SetDefault("mirror.s3.secret_access_key", "")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("metrics.addr", "")
}

// flagKeys maps command line flags onto configuration keys.
var flagKeys = map[string]string{
	"dir":         "dir",
	"compress":    "compress",
	"concurrency": "concurrency",
	"timeout":     "timeout",
	"mirror":      "mirror.url",
	"s3-bucket":   "mirror.s3.bucket",
	"s3-prefix":   "mirror.s3.prefix",
	"s3-endpoint": "mirror.s3.endpoint",
	"s3-region":   "mirror.s3.region",
	"retry-limit": "retry.limit",
	"retry-unit":  "retry.unit",
	"log-level":   "logging.level",
	"log-format":  "logging.format",
	"metrics":     "metrics.addr",
}

// loadConfig resolves the configuration. configPath may be empty.
func loadConfig(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configPath, err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Mirror.URL != "" && c.Mirror.S3.Bucket != "" {
		return errors.New("invalid config: mirror.url and mirror.s3.bucket are mutually exclusive")
	}
	return nil
}

func (c *Config) newLogger() *slog.Logger {
	var level slog.Level
	switch c.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func defaultDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "blobfetch")
	}
	return ".blobfetch"
}
