// Package config loads careunityd settings from defaults, an optional
// YAML file and CAREUNITY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g. CAREUNITY_SERVER_ADDR.
const EnvPrefix = "CAREUNITY"

// Config is the typed view of all settings.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Data     DataConfig     `mapstructure:"data"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Log      LogConfig      `mapstructure:"log"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Cache    CacheConfig    `mapstructure:"cache"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

type DataConfig struct {
	Dir string `mapstructure:"dir"`
}

// UpstreamConfig points at the CareUnity API that queued operations are
// replayed against and that the caching proxy fronts.
type UpstreamConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// SyncConfig tunes the operation queue, replay engine and scheduler.
type SyncConfig struct {
	MaxBatchSize      int           `mapstructure:"max_batch_size"`
	ReplayInterval    time.Duration `mapstructure:"replay_interval"`
	ProbeInterval     time.Duration `mapstructure:"probe_interval"`
	ReplayBatchSize   int           `mapstructure:"replay_batch_size"`
	ReplayConcurrency int           `mapstructure:"replay_concurrency"`
	MaxRetries        int           `mapstructure:"max_retries"`
	BaseBackoff       time.Duration `mapstructure:"base_backoff"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff"`
	Retention         time.Duration `mapstructure:"retention"`
}

type CacheConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// SetDefaults registers every key with its default value.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8090")
	v.SetDefault("data.dir", "./data")
	v.SetDefault("upstream.url", "http://localhost:5000")
	v.SetDefault("upstream.timeout", 30*time.Second)
	v.SetDefault("log.level", "INFO")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("sync.max_batch_size", 100)
	v.SetDefault("sync.replay_interval", 30*time.Second)
	v.SetDefault("sync.probe_interval", 15*time.Second)
	v.SetDefault("sync.replay_batch_size", 50)
	v.SetDefault("sync.replay_concurrency", 4)
	v.SetDefault("sync.max_retries", 5)
	v.SetDefault("sync.base_backoff", time.Minute)
	v.SetDefault("sync.max_backoff", time.Hour)
	v.SetDefault("sync.retention", 7*24*time.Hour)
	v.SetDefault("cache.enabled", true)
}

// Load reads configuration. When path is empty, careunity.yaml is looked up
// in the working directory and in $HOME/.careunity; a missing file is not
// an error in that case.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("careunity")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".careunity"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var problems []string

	if c.Server.Addr == "" {
		problems = append(problems, "server.addr is required")
	}
	if c.Data.Dir == "" {
		problems = append(problems, "data.dir is required")
	}
	if u, err := url.Parse(c.Upstream.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		problems = append(problems, fmt.Sprintf("upstream.url must be an absolute http(s) URL, got %q", c.Upstream.URL))
	}
	if c.Sync.MaxBatchSize < 1 {
		problems = append(problems, "sync.max_batch_size must be positive")
	}
	if c.Sync.ReplayBatchSize < 1 {
		problems = append(problems, "sync.replay_batch_size must be positive")
	}
	if c.Sync.ReplayConcurrency < 1 {
		problems = append(problems, "sync.replay_concurrency must be positive")
	}
	if c.Sync.MaxRetries < 0 {
		problems = append(problems, "sync.max_retries must not be negative")
	}
	if c.Sync.ReplayInterval <= 0 || c.Sync.ProbeInterval <= 0 {
		problems = append(problems, "sync intervals must be positive")
	}
	if c.Sync.BaseBackoff <= 0 || c.Sync.MaxBackoff < c.Sync.BaseBackoff {
		problems = append(problems, "sync.base_backoff must be positive and not exceed sync.max_backoff")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
