// Package config loads rcsync configuration.
//
// Values come from, in increasing precedence: built-in defaults, the
// rcsync.toml file in the data directory, RCSYNC_* environment variables
// and command-line flags bound by the CLI.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/repcue/localsync/internal/session"
)

const (
	// FileName is the config file looked up in the data directory.
	FileName = "rcsync.toml"

	// DatabaseName is the database file inside the data directory.
	DatabaseName = "repcue.db"

	// EnvPrefix prefixes every environment override, e.g. RCSYNC_REMOTE_BASE_URL.
	EnvPrefix = "RCSYNC"
)

// Config is the effective configuration.
type Config struct {
	DataDir   string          `mapstructure:"data_dir"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Log       LogConfig       `mapstructure:"log"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-"`
}

type RemoteConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
}

type QueueConfig struct {
	MaxRetries    int           `mapstructure:"max_retries"`
	BaseDelay     time.Duration `mapstructure:"base_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	DeadLetterTTL time.Duration `mapstructure:"dead_letter_ttl"`
}

type SyncConfig struct {
	ScanInterval    time.Duration `mapstructure:"scan_interval"`
	DeliverInterval time.Duration `mapstructure:"deliver_interval"`
	PullInterval    time.Duration `mapstructure:"pull_interval"`
	BatchSize       int           `mapstructure:"batch_size"`
	PullLimit       int           `mapstructure:"pull_limit"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	// File is the rotating log file used by the daemon. Empty means
	// logs/rcsync.log in the data directory.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type DashboardConfig struct {
	Port int `mapstructure:"port"`
}

type MetricsConfig struct {
	// Addr is where the daemon serves /metrics. Empty disables it.
	Addr string `mapstructure:"addr"`
}

// DefaultDataDir returns ~/.repcue, or .repcue in the working directory
// when the home directory is unknown.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".repcue"
	}
	return filepath.Join(home, ".repcue")
}

// NewViper returns a viper instance with defaults and environment
// overrides configured. The CLI binds its flags to it before Load.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetDefault("data_dir", DefaultDataDir())
	v.SetDefault("remote.base_url", "")
	v.SetDefault("remote.timeout", 15*time.Second)
	v.SetDefault("remote.max_retries", 2)
	v.SetDefault("queue.max_retries", 5)
	v.SetDefault("queue.base_delay", time.Second)
	v.SetDefault("queue.max_delay", 5*time.Minute)
	v.SetDefault("queue.dead_letter_ttl", 24*time.Hour)
	v.SetDefault("sync.scan_interval", 30*time.Second)
	v.SetDefault("sync.deliver_interval", 5*time.Second)
	v.SetDefault("sync.pull_interval", time.Minute)
	v.SetDefault("sync.batch_size", 50)
	v.SetDefault("sync.pull_limit", 200)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("dashboard.port", 8787)
	v.SetDefault("metrics.addr", "")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file from the data directory, or from file when it
// is not empty, and returns the validated configuration. A missing file in
// the data directory is not an error; a missing explicit file is.
func Load(v *viper.Viper, file string) (*Config, error) {
	explicit := file != ""
	if !explicit {
		file = filepath.Join(v.GetString("data_dir"), FileName)
	}
	v.SetConfigFile(file)
	v.SetConfigType("toml")

	read := true
	if err := v.ReadInConfig(); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config %s: %w", file, err)
		}
		read = false
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if read {
		cfg.File = file
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Remote.BaseURL != "" {
		u, err := url.Parse(c.Remote.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("remote.base_url must be an http(s) URL (got %q)", c.Remote.BaseURL)
		}
	}
	if c.Remote.Timeout <= 0 {
		return fmt.Errorf("remote.timeout must be positive")
	}
	if c.Queue.MaxRetries < 1 {
		return fmt.Errorf("queue.max_retries must be >= 1 (got %d)", c.Queue.MaxRetries)
	}
	if c.Queue.BaseDelay <= 0 || c.Queue.MaxDelay < c.Queue.BaseDelay {
		return fmt.Errorf("queue delays must satisfy 0 < base_delay <= max_delay")
	}
	if c.Queue.DeadLetterTTL <= 0 {
		return fmt.Errorf("queue.dead_letter_ttl must be positive")
	}
	for name, d := range map[string]time.Duration{
		"sync.scan_interval":    c.Sync.ScanInterval,
		"sync.deliver_interval": c.Sync.DeliverInterval,
		"sync.pull_interval":    c.Sync.PullInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.Sync.BatchSize < 1 || c.Sync.BatchSize > 500 {
		return fmt.Errorf("sync.batch_size must be between 1 and 500 (got %d)", c.Sync.BatchSize)
	}
	if c.Sync.PullLimit < 1 {
		return fmt.Errorf("sync.pull_limit must be >= 1 (got %d)", c.Sync.PullLimit)
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("dashboard.port out of range (got %d)", c.Dashboard.Port)
	}
	return nil
}

// DBPath returns the database file path.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, DatabaseName)
}

// SessionPath returns the session file path.
func (c *Config) SessionPath() string {
	return filepath.Join(c.DataDir, session.FileName)
}

// LogFile returns the daemon log file path.
func (c *Config) LogFile() string {
	if c.Log.File != "" {
		return c.Log.File
	}
	return filepath.Join(c.DataDir, "logs", "rcsync.log")
}

// tree is the TOML layout of Config. Durations are written as strings so
// the file reads back through viper unchanged.
func (c *Config) tree() map[string]any {
	return map[string]any{
		"data_dir": c.DataDir,
		"remote": map[string]any{
			"base_url":    c.Remote.BaseURL,
			"timeout":     c.Remote.Timeout.String(),
			"max_retries": c.Remote.MaxRetries,
		},
		"queue": map[string]any{
			"max_retries":     c.Queue.MaxRetries,
			"base_delay":      c.Queue.BaseDelay.String(),
			"max_delay":       c.Queue.MaxDelay.String(),
			"dead_letter_ttl": c.Queue.DeadLetterTTL.String(),
		},
		"sync": map[string]any{
			"scan_interval":    c.Sync.ScanInterval.String(),
			"deliver_interval": c.Sync.DeliverInterval.String(),
			"pull_interval":    c.Sync.PullInterval.String(),
			"batch_size":       c.Sync.BatchSize,
			"pull_limit":       c.Sync.PullLimit,
		},
		"log": map[string]any{
			"level":        c.Log.Level,
			"file":         c.Log.File,
			"max_size_mb":  c.Log.MaxSizeMB,
			"max_backups":  c.Log.MaxBackups,
			"max_age_days": c.Log.MaxAgeDays,
		},
		"dashboard": map[string]any{
			"port": c.Dashboard.Port,
		},
		"metrics": map[string]any{
			"addr": c.Metrics.Addr,
		},
	}
}

// Encode writes c to w as TOML.
func (c *Config) Encode(w io.Writer) error {
	if err := toml.NewEncoder(w).Encode(c.tree()); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// WriteFile writes c to path as TOML, refusing to overwrite an existing
// file unless force is set.
func (c *Config) WriteFile(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	if err := c.Encode(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
