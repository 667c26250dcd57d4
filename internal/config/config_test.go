package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestDefaultConfig(t *testing.T) {
	t.Setenv("LEVELING_HOME", "/tmp/lvl-home")

	cfg := DefaultConfig()
	if cfg.DataDir != "/tmp/lvl-home" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.Sync.Interval != 30*time.Second {
		t.Errorf("Sync.Interval = %v, want 30s", cfg.Sync.Interval)
	}
	if cfg.Dashboard.Port != 8080 {
		t.Errorf("Dashboard.Port = %d, want 8080", cfg.Dashboard.Port)
	}
	if cfg.SyncConfigured() {
		t.Error("SyncConfigured() = true for defaults")
	}
	if got := cfg.DBPath(); got != filepath.Join("/tmp/lvl-home", "leveling.db") {
		t.Errorf("DBPath() = %q", got)
	}
}

func TestSyncConfigured(t *testing.T) {
	full := SyncConfig{Enabled: true, URL: "http://x", Token: "t", UserID: "u"}
	tests := []struct {
		name string
		mod  func(*SyncConfig)
		want bool
	}{
		{"complete", func(*SyncConfig) {}, true},
		{"disabled", func(s *SyncConfig) { s.Enabled = false }, false},
		{"no url", func(s *SyncConfig) { s.URL = "" }, false},
		{"no token", func(s *SyncConfig) { s.Token = "" }, false},
		{"no user", func(s *SyncConfig) { s.UserID = "" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := full
			tt.mod(&s)
			cfg := &Config{Sync: s}
			if got := cfg.SyncConfigured(); got != tt.want {
				t.Errorf("SyncConfigured() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLoad_SearchesHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("LEVELING_HOME", home)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() without a file failed: %v", err)
	}
	if cfg.DataDir != home {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, home)
	}

	writeFile(t, filepath.Join(home, "config.yaml"), `
sync:
  enabled: true
  url: https://sync.example.com
  token: secret
  user_id: u1
  interval: 1m
dashboard:
  port: 9090
`)
	cfg, err = Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if !cfg.SyncConfigured() {
		t.Errorf("SyncConfigured() = false for %+v", cfg.Sync)
	}
	if cfg.Sync.Interval != time.Minute {
		t.Errorf("Sync.Interval = %v, want 1m", cfg.Sync.Interval)
	}
	if cfg.Sync.Timeout != 10*time.Second {
		t.Errorf("Sync.Timeout = %v, want default 10s", cfg.Sync.Timeout)
	}
	if cfg.Dashboard.Port != 9090 {
		t.Errorf("Dashboard.Port = %d, want 9090", cfg.Dashboard.Port)
	}
}

func TestLoad_TOMLAndEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("LEVELING_HOME", dir)
	path := filepath.Join(dir, "custom.toml")
	writeFile(t, path, `
[server]
addr = ":4000"
jwt_secret = "from-file"
`)
	t.Setenv("LEVELING_SERVER_JWT_SECRET", "from-env")
	t.Setenv("LEVELING_SYNC_USER_ID", "env-user")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Server.Addr != ":4000" {
		t.Errorf("Server.Addr = %q, want :4000", cfg.Server.Addr)
	}
	if cfg.Server.JWTSecret != "from-env" {
		t.Errorf("Server.JWTSecret = %q, want env override", cfg.Server.JWTSecret)
	}
	if cfg.Sync.UserID != "env-user" {
		t.Errorf("Sync.UserID = %q, want env-user", cfg.Sync.UserID)
	}
}

func TestLoad_MissingExplicitPath(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load() of a missing explicit path succeeded")
	}
}

func TestWriteDefault(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("LEVELING_HOME", dir)
	path := filepath.Join(dir, "nested", "config.yaml")

	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault() failed: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() of written default failed: %v", err)
	}
	if cfg.Sync.Interval != 30*time.Second || cfg.Server.Addr != ":3000" {
		t.Errorf("round-tripped config = %+v", cfg)
	}
}
