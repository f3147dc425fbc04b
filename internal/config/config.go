// Package config loads livesync configuration from a YAML file and
// LIVESYNC_* environment variables, with working defaults for a
// standard macOS Messages setup.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full livesync configuration.
type Config struct {
	Source    SourceConfig    `mapstructure:"source"`
	Dest      DestConfig      `mapstructure:"dest"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Log       LogConfig       `mapstructure:"log"`
}

// SourceConfig locates the live chat database.
type SourceConfig struct {
	// Path to chat.db. The WAL file next to it is watched for changes.
	Path string `mapstructure:"path"`
}

// DestConfig locates the destination analytics database.
type DestConfig struct {
	Path string `mapstructure:"path"`
}

// SyncConfig tunes the change detector and the sync loop.
type SyncConfig struct {
	BatchCap         int           `mapstructure:"batch_cap"`
	QuietPeriod      time.Duration `mapstructure:"quiet_period"`
	MaxCoalesce      time.Duration `mapstructure:"max_coalesce"`
	FallbackInterval time.Duration `mapstructure:"fallback_interval"`
}

// DashboardConfig controls the WebSocket monitoring server.
type DashboardConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LogConfig controls file logging for the long-running daemon.
type LogConfig struct {
	// File receives daemon logs. Empty means stderr only.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

func setDefaults(v *viper.Viper) {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	v.SetDefault("source.path", filepath.Join(home, "Library", "Messages", "chat.db"))
	v.SetDefault("dest.path", filepath.Join(home, ".livesync", "analytics.db"))

	v.SetDefault("sync.batch_cap", 500)
	v.SetDefault("sync.quiet_period", 200*time.Millisecond)
	v.SetDefault("sync.max_coalesce", 2*time.Second)
	v.SetDefault("sync.fallback_interval", 30*time.Second)

	v.SetDefault("dashboard.enabled", false)
	v.SetDefault("dashboard.port", 8080)

	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
}

// Load reads configuration. If path is non-empty that file is
// required; otherwise livesync.yaml is searched for in ~/.livesync
// and the current directory, and its absence is fine. Environment
// variables like LIVESYNC_SOURCE_PATH override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("livesync")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("livesync")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".livesync"))
		}
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// Validate rejects configurations the syncer cannot run with.
func (c *Config) Validate() error {
	if c.Source.Path == "" {
		return fmt.Errorf("source.path must be set")
	}
	if c.Dest.Path == "" {
		return fmt.Errorf("dest.path must be set")
	}
	if c.Sync.BatchCap <= 0 {
		return fmt.Errorf("sync.batch_cap must be positive, got %d", c.Sync.BatchCap)
	}
	if c.Sync.QuietPeriod <= 0 {
		return fmt.Errorf("sync.quiet_period must be positive, got %s", c.Sync.QuietPeriod)
	}
	if c.Sync.MaxCoalesce < c.Sync.QuietPeriod {
		return fmt.Errorf("sync.max_coalesce (%s) must be at least sync.quiet_period (%s)",
			c.Sync.MaxCoalesce, c.Sync.QuietPeriod)
	}
	if c.Dashboard.Enabled && (c.Dashboard.Port < 0 || c.Dashboard.Port > 65535) {
		return fmt.Errorf("dashboard.port %d out of range", c.Dashboard.Port)
	}
	return nil
}
