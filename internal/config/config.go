// Package config loads the leveling configuration.
//
// Values come from, in increasing precedence: built-in defaults, the config
// file (config.yaml or config.toml in the leveling home) and LEVELING_*
// environment variables.
package config

import (
	"os"
	"path/filepath"
	"time"
)

// Config is the full configuration.
type Config struct {
	// DataDir holds the database and the flat store. Defaults to Home().
	DataDir string `yaml:"data_dir" mapstructure:"data_dir"`

	Log       LogConfig       `yaml:"log" mapstructure:"log"`
	Sync      SyncConfig      `yaml:"sync" mapstructure:"sync"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Dashboard DashboardConfig `yaml:"dashboard" mapstructure:"dashboard"`
}

// LogConfig selects the log destination. An empty File logs to stderr.
type LogConfig struct {
	File       string `yaml:"file" mapstructure:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days"`
}

// SyncConfig holds the cloud sync credentials.
type SyncConfig struct {
	Enabled  bool          `yaml:"enabled" mapstructure:"enabled"`
	URL      string        `yaml:"url" mapstructure:"url"`
	Token    string        `yaml:"token" mapstructure:"token"`
	UserID   string        `yaml:"user_id" mapstructure:"user_id"`
	Interval time.Duration `yaml:"interval" mapstructure:"interval"`
	Timeout  time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// ServerConfig configures `lvl serve`.
type ServerConfig struct {
	Addr string `yaml:"addr" mapstructure:"addr"`
	// DSN selects Postgres; empty serves from memory.
	DSN         string `yaml:"dsn" mapstructure:"dsn"`
	JWTSecret   string `yaml:"jwt_secret" mapstructure:"jwt_secret"`
	SentryDSN   string `yaml:"sentry_dsn" mapstructure:"sentry_dsn"`
	Environment string `yaml:"environment" mapstructure:"environment"`
}

// DashboardConfig configures `lvl dashboard`.
type DashboardConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// DefaultConfig returns the defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir: Home(),
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Sync: SyncConfig{
			Interval: 30 * time.Second,
			Timeout:  10 * time.Second,
		},
		Server: ServerConfig{
			Addr:        ":3000",
			Environment: "development",
		},
		Dashboard: DashboardConfig{Port: 8080},
	}
}

// SyncConfigured reports whether cloud sync can run: it must be enabled
// and have a URL, a token and a user id.
func (c *Config) SyncConfigured() bool {
	s := c.Sync
	return s.Enabled && s.URL != "" && s.Token != "" && s.UserID != ""
}

// DBPath is the durable store file.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "leveling.db")
}

// FlatDir is the legacy flat store directory.
func (c *Config) FlatDir() string {
	return filepath.Join(c.DataDir, "flat")
}

// Home returns $LEVELING_HOME, or ~/.leveling.
func Home() string {
	if dir := os.Getenv("LEVELING_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".leveling"
	}
	return filepath.Join(home, ".leveling")
}
