package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*Config)
		expectError bool
	}{
		{
			name:        "default configuration is valid",
			mutate:      func(c *Config) {},
			expectError: false,
		},
		{
			name:        "invalid server port",
			mutate:      func(c *Config) { c.Server.Port = 0 },
			expectError: true,
		},
		{
			name:        "empty bind address",
			mutate:      func(c *Config) { c.Server.Address = "" },
			expectError: true,
		},
		{
			name:        "heartbeat interval too small",
			mutate:      func(c *Config) { c.Lifecycle.HeartbeatInterval = 0 },
			expectError: true,
		},
		{
			name:        "refresh margin above ceiling",
			mutate:      func(c *Config) { c.Lifecycle.RefreshMargin = c.Lifecycle.TransportCeiling + 1 },
			expectError: true,
		},
		{
			name:        "refresh warning above margin",
			mutate:      func(c *Config) { c.Lifecycle.RefreshWarning = c.Lifecycle.RefreshMargin + 1 },
			expectError: true,
		},
		{
			name:        "prefetch above queue capacity",
			mutate:      func(c *Config) { c.Buffers.PlaybackPrefetch = c.Buffers.PlaybackChunks + 1 },
			expectError: true,
		},
		{
			name:        "bad logging level",
			mutate:      func(c *Config) { c.Logging.Level = "verbose" },
			expectError: true,
		},
		{
			name:        "bad logging format",
			mutate:      func(c *Config) { c.Logging.Format = "xml" },
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.expectError && err == nil {
				t.Fatalf("expected validation error, got nil")
			}
			if !tt.expectError && err != nil {
				t.Fatalf("unexpected validation error: %v", err)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
server:
  address: "127.0.0.1"
  port: 9090
lifecycle:
  heartbeat_interval: 15
  transport_ceiling: 3600
  refresh_margin: 600
  refresh_warning: 120
  refresh_timeout: 30
  session_max_hours: 4
buffers:
  capture_seconds: 20
  playback_chunks: 32
  playback_prefetch: 2
logging:
  level: debug
  format: text
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if got := cfg.Lifecycle.RefreshThresholdDuration(); got != 50*time.Minute {
		t.Fatalf("expected refresh threshold 50m, got %v", got)
	}
	if got := cfg.Lifecycle.HeartbeatIntervalDuration(); got != 15*time.Second {
		t.Fatalf("expected heartbeat interval 15s, got %v", got)
	}
	if got := cfg.Buffers.CaptureDuration(); got != 20*time.Second {
		t.Fatalf("expected capture duration 20s, got %v", got)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
