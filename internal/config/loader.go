package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load reads the configuration. An empty path searches Home() for a file
// named config.*; a missing file there is not an error. An explicit path
// must exist.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	setDefaults(v, cfg)
	v.SetEnvPrefix("LEVELING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(Home())
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if cfg.DataDir == "" {
		cfg.DataDir = Home()
	}
	return cfg, nil
}

// setDefaults registers every key so environment variables can override
// keys the file does not mention.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("data_dir", cfg.DataDir)

	v.SetDefault("log.file", cfg.Log.File)
	v.SetDefault("log.max_size_mb", cfg.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", cfg.Log.MaxBackups)
	v.SetDefault("log.max_age_days", cfg.Log.MaxAgeDays)

	v.SetDefault("sync.enabled", cfg.Sync.Enabled)
	v.SetDefault("sync.url", cfg.Sync.URL)
	v.SetDefault("sync.token", cfg.Sync.Token)
	v.SetDefault("sync.user_id", cfg.Sync.UserID)
	v.SetDefault("sync.interval", cfg.Sync.Interval)
	v.SetDefault("sync.timeout", cfg.Sync.Timeout)

	v.SetDefault("server.addr", cfg.Server.Addr)
	v.SetDefault("server.dsn", cfg.Server.DSN)
	v.SetDefault("server.jwt_secret", cfg.Server.JWTSecret)
	v.SetDefault("server.sentry_dsn", cfg.Server.SentryDSN)
	v.SetDefault("server.environment", cfg.Server.Environment)

	v.SetDefault("dashboard.port", cfg.Dashboard.Port)
}

// WriteDefault writes the default configuration as YAML to path, creating
// parent directories.
func WriteDefault(path string) error {
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Path returns the default config file location.
func Path() string {
	return filepath.Join(Home(), "config.yaml")
}
