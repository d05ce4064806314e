// Package config loads and validates the server configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Buffers   BufferConfig    `yaml:"buffers"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig contains HTTP/WebSocket listener configuration.
type ServerConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// AuthConfig configures bearer token validation for speakers.
type AuthConfig struct {
	Issuer   string `yaml:"issuer"`
	Audience string `yaml:"audience"`
	JWKSURL  string `yaml:"jwks_url"`
	// TokenUse is the expected token-use claim value (e.g. "access").
	TokenUse string `yaml:"token_use"`
}

// LifecycleConfig contains the heartbeat and refresh timing knobs.
type LifecycleConfig struct {
	HeartbeatInterval int `yaml:"heartbeat_interval"` // seconds
	TransportCeiling  int `yaml:"transport_ceiling"`  // seconds, hard transport cap
	RefreshMargin     int `yaml:"refresh_margin"`     // seconds before ceiling to start refresh
	RefreshWarning    int `yaml:"refresh_warning"`    // seconds before refresh to warn client
	RefreshTimeout    int `yaml:"refresh_timeout"`    // seconds to wait for the successor
	SessionMaxHours   int `yaml:"session_max_hours"`
}

// BufferConfig sizes the client-side audio buffers.
type BufferConfig struct {
	CaptureSeconds   int `yaml:"capture_seconds"`   // capture ring capacity, seconds of audio
	PlaybackChunks   int `yaml:"playback_chunks"`   // playback queue capacity, chunks
	PlaybackPrefetch int `yaml:"playback_prefetch"` // look-ahead chunks to fetch
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Address: "0.0.0.0", Port: 8080},
		Auth:   AuthConfig{TokenUse: "access"},
		Lifecycle: LifecycleConfig{
			HeartbeatInterval: 30,
			TransportCeiling:  7200,
			RefreshMargin:     1200,
			RefreshWarning:    300,
			RefreshTimeout:    60,
			SessionMaxHours:   8,
		},
		Buffers: BufferConfig{
			CaptureSeconds:   30,
			PlaybackChunks:   64,
			PlaybackPrefetch: 3,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads and parses the configuration file, applying defaults for
// omitted sections.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs validation of the configuration.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if err := c.Lifecycle.Validate(); err != nil {
		return fmt.Errorf("lifecycle config: %w", err)
	}
	if err := c.Buffers.Validate(); err != nil {
		return fmt.Errorf("buffers config: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	return nil
}

// Validate validates listener configuration.
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}
	if s.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}
	return nil
}

// Validate validates heartbeat and refresh timing.
func (l *LifecycleConfig) Validate() error {
	if l.HeartbeatInterval < 1 {
		return fmt.Errorf("heartbeat_interval must be at least 1 second, got %d", l.HeartbeatInterval)
	}
	if l.TransportCeiling < 60 {
		return fmt.Errorf("transport_ceiling must be at least 60 seconds, got %d", l.TransportCeiling)
	}
	if l.RefreshMargin < 1 || l.RefreshMargin >= l.TransportCeiling {
		return fmt.Errorf("refresh_margin must be positive and below transport_ceiling, got %d", l.RefreshMargin)
	}
	if l.RefreshWarning < 0 || l.RefreshWarning > l.RefreshMargin {
		return fmt.Errorf("refresh_warning must be between 0 and refresh_margin, got %d", l.RefreshWarning)
	}
	if l.RefreshTimeout < 1 {
		return fmt.Errorf("refresh_timeout must be at least 1 second, got %d", l.RefreshTimeout)
	}
	if l.SessionMaxHours < 1 {
		return fmt.Errorf("session_max_hours must be at least 1, got %d", l.SessionMaxHours)
	}
	return nil
}

// Validate validates buffer sizing.
func (b *BufferConfig) Validate() error {
	if b.CaptureSeconds < 1 {
		return fmt.Errorf("capture_seconds must be at least 1, got %d", b.CaptureSeconds)
	}
	if b.PlaybackChunks < 1 {
		return fmt.Errorf("playback_chunks must be at least 1, got %d", b.PlaybackChunks)
	}
	if b.PlaybackPrefetch < 0 || b.PlaybackPrefetch > b.PlaybackChunks {
		return fmt.Errorf("playback_prefetch must be between 0 and playback_chunks, got %d", b.PlaybackPrefetch)
	}
	return nil
}

// Validate validates logging configuration.
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}
	return nil
}

// HeartbeatIntervalDuration returns the heartbeat interval as a time.Duration.
func (l *LifecycleConfig) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(l.HeartbeatInterval) * time.Second
}

// TransportCeilingDuration returns the transport cap as a time.Duration.
func (l *LifecycleConfig) TransportCeilingDuration() time.Duration {
	return time.Duration(l.TransportCeiling) * time.Second
}

// RefreshThresholdDuration returns the connection age at which a refresh
// begins (ceiling minus margin).
func (l *LifecycleConfig) RefreshThresholdDuration() time.Duration {
	return time.Duration(l.TransportCeiling-l.RefreshMargin) * time.Second
}

// RefreshWarningDuration returns how long before the refresh the advance
// warning is sent.
func (l *LifecycleConfig) RefreshWarningDuration() time.Duration {
	return time.Duration(l.RefreshWarning) * time.Second
}

// RefreshTimeoutDuration returns the successor establishment timeout.
func (l *LifecycleConfig) RefreshTimeoutDuration() time.Duration {
	return time.Duration(l.RefreshTimeout) * time.Second
}

// SessionMaxDuration returns the maximum session length.
func (l *LifecycleConfig) SessionMaxDuration() time.Duration {
	return time.Duration(l.SessionMaxHours) * time.Hour
}

// CaptureDuration returns the capture ring capacity as a time.Duration.
func (b *BufferConfig) CaptureDuration() time.Duration {
	return time.Duration(b.CaptureSeconds) * time.Second
}
