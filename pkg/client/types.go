package client

import (
	"log/slog"
	"time"

	"github.com/coder/websocket"
)

// Config describes how the client attaches to a session.
type Config struct {
	// ServerURL is the websocket endpoint, e.g. ws://localhost:8080/ws.
	ServerURL string

	// SessionID names the session to join.
	SessionID string

	// Token is the speaker's bearer token. Listeners leave it empty.
	Token string

	// TargetLanguage selects the listener's translated stream. Ignored for
	// speakers.
	TargetLanguage string

	// HeartbeatInterval is the liveness cadence. Defaults to 25s, safely
	// inside the server's 30s expectation.
	HeartbeatInterval time.Duration

	// UserAgent identifies the client in the upgrade request.
	UserAgent string

	// PlaybackCapacity and PlaybackPrefetch size the listener's ordered
	// buffer. Zero values take defaults (64 chunks, prefetch 3).
	PlaybackCapacity int
	PlaybackPrefetch int

	// CaptureCapacity bounds the speaker's outbound ring. Defaults to 30s.
	CaptureCapacity time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = "linguacast-client/1.0"
	}
	if c.PlaybackCapacity <= 0 {
		c.PlaybackCapacity = 64
	}
	if c.PlaybackPrefetch < 0 {
		c.PlaybackPrefetch = 3
	}
	if c.CaptureCapacity <= 0 {
		c.CaptureCapacity = 30 * time.Second
	}
	return c
}

// EventHandler receives connection-level notifications. Audio flows through
// the playback queue, not through the handler.
type EventHandler interface {
	OnJoined(sessionID, connectionID, role string, generation int)
	OnRefreshRequired(refreshAt time.Time)
	OnRefreshComplete(newConnectionID string)
	OnSessionEnded()
	OnBroadcastState(state string)
	OnError(code, message string)
	OnClosed(code websocket.StatusCode, reason string)
}

// DefaultEventHandler logs every notification and is used when no handler is
// set.
type DefaultEventHandler struct{}

func (DefaultEventHandler) OnJoined(sessionID, connectionID, role string, generation int) {
	slog.Info("joined", slog.String("session_id", sessionID),
		slog.String("connection_id", connectionID),
		slog.String("role", role), slog.Int("generation", generation))
}
func (DefaultEventHandler) OnRefreshRequired(refreshAt time.Time) {
	slog.Info("refresh required", slog.Time("refresh_at", refreshAt))
}
func (DefaultEventHandler) OnRefreshComplete(newConnectionID string) {
	slog.Info("refresh complete", slog.String("new_connection_id", newConnectionID))
}
func (DefaultEventHandler) OnSessionEnded() { slog.Info("session ended") }
func (DefaultEventHandler) OnBroadcastState(state string) {
	slog.Info("broadcast state", slog.String("state", state))
}
func (DefaultEventHandler) OnError(code, message string) {
	slog.Warn("server error", slog.String("code", code), slog.String("message", message))
}
func (DefaultEventHandler) OnClosed(code websocket.StatusCode, reason string) {
	slog.Info("connection closed", slog.Int("code", int(code)), slog.String("reason", reason))
}
