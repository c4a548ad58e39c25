// Package config loads digisync settings.
//
// Settings come from digisync.toml, overridden by DIGISYNC_* environment
// variables (a .env file in the working directory is loaded first).
// Nested keys map to env names with underscores: sync.interval is
// DIGISYNC_SYNC_INTERVAL.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// FileName is the config file name searched for in the working directory
// and the data directory.
const FileName = "digisync.toml"

// EnvPrefix prefixes environment overrides.
const EnvPrefix = "DIGISYNC"

// Config is the complete runtime configuration.
type Config struct {
	DataDir   string          `mapstructure:"data_dir" yaml:"data_dir"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Sync      SyncConfig      `mapstructure:"sync" yaml:"sync"`
	Queue     QueueConfig     `mapstructure:"queue" yaml:"queue"`
	Cache     CacheConfig     `mapstructure:"cache" yaml:"cache"`
	Dashboard DashboardConfig `mapstructure:"dashboard" yaml:"dashboard"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`

	// File is the config file that was read, empty when none was found
	File string `mapstructure:"-" yaml:"-"`
}

// ServerConfig addresses the sync API.
type ServerConfig struct {
	URL     string        `mapstructure:"url" yaml:"url"`
	Token   string        `mapstructure:"token" yaml:"token"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// SyncConfig tunes the sync engine and daemon.
type SyncConfig struct {
	Interval      time.Duration `mapstructure:"interval" yaml:"interval"`
	RetryInterval time.Duration `mapstructure:"retry_interval" yaml:"retry_interval"`
	MaxBackoff    time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
	BatchSize     int           `mapstructure:"batch_size" yaml:"batch_size"`
	ManifestLimit int           `mapstructure:"manifest_limit" yaml:"manifest_limit"`
}

// QueueConfig tunes job retries.
type QueueConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
}

// CacheConfig sizes the page cache.
type CacheConfig struct {
	Dir           string        `mapstructure:"dir" yaml:"dir"`
	MaxMB         int64         `mapstructure:"max_mb" yaml:"max_mb"`
	EvictInterval time.Duration `mapstructure:"evict_interval" yaml:"evict_interval"`
}

// DashboardConfig configures the WebSocket status server.
type DashboardConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
}

// LogConfig configures log output and rotation.
type LogConfig struct {
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Verbose    bool   `mapstructure:"verbose" yaml:"verbose"`
}

// defaults lists every key with its default, grouped by table. Durations
// are strings so the same map can be written out as TOML.
func defaults() map[string]map[string]any {
	return map[string]map[string]any{
		"server": {
			"url":     "",
			"token":   "",
			"timeout": "30s",
		},
		"sync": {
			"interval":       "1m",
			"retry_interval": "5s",
			"max_backoff":    "5m",
			"batch_size":     50,
			"manifest_limit": 200,
		},
		"queue": {
			"max_attempts":    8,
			"initial_backoff": "2s",
			"max_backoff":     "5m",
		},
		"cache": {
			"dir":            "",
			"max_mb":         512,
			"evict_interval": "1m",
		},
		"dashboard": {
			"host": "127.0.0.1",
			"port": 7420,
		},
		"log": {
			"file":         "",
			"max_size_mb":  10,
			"max_backups":  3,
			"max_age_days": 28,
			"verbose":      false,
		},
	}
}

// DefaultDataDir returns the per-user data directory.
func DefaultDataDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "digisync")
	}
	return ".digisync"
}

// Load reads configuration. When path is empty, digisync.toml is searched
// in the working directory and then in the data directory; a missing file
// is not an error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("data_dir", DefaultDataDir())
	for table, keys := range defaults() {
		for key, value := range keys {
			v.SetDefault(table+"."+key, value)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(strings.TrimSuffix(FileName, filepath.Ext(FileName)))
		v.AddConfigPath(".")
		v.AddConfigPath(v.GetString("data_dir"))
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
	cfg.File = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks if the Config has valid field values.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be positive")
	}
	if c.Sync.BatchSize < 1 {
		return fmt.Errorf("sync.batch_size must be >= 1 (got %d)", c.Sync.BatchSize)
	}
	if c.Sync.ManifestLimit < 1 {
		return fmt.Errorf("sync.manifest_limit must be >= 1 (got %d)", c.Sync.ManifestLimit)
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be >= 1 (got %d)", c.Queue.MaxAttempts)
	}
	if c.Cache.MaxMB < 1 {
		return fmt.Errorf("cache.max_mb must be >= 1 (got %d)", c.Cache.MaxMB)
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("dashboard.port out of range: %d", c.Dashboard.Port)
	}
	return nil
}

// DBPath is the local database file.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "digisync.db")
}

// CacheDir is the page blob directory.
func (c *Config) CacheDir() string {
	if c.Cache.Dir != "" {
		return c.Cache.Dir
	}
	return filepath.Join(c.DataDir, "pages")
}

// CacheBytes is the page cache budget in bytes.
func (c *Config) CacheBytes() int64 {
	return c.Cache.MaxMB << 20
}

// LogFile is the rotating log file path.
func (c *Config) LogFile() string {
	if c.Log.File != "" {
		return c.Log.File
	}
	return filepath.Join(c.DataDir, "digisync.log")
}

// WriteDefault writes a config file holding every default to path. It
// refuses to overwrite an existing file unless force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists: %s", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	fmt.Fprintf(f, "# digisync configuration\n# Environment variables %s_<TABLE>_<KEY> override these values.\n\n", EnvPrefix)
	if err := toml.NewEncoder(f).Encode(defaults()); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return f.Close()
}
