// Package protocol defines the JSON envelope exchanged over the websocket
// and the codes shared between client and server.
package protocol

import "time"

// Action names carried in the client→server "action" field.
const (
	ActionJoinSession       = "joinSession"
	ActionHeartbeat         = "heartbeat"
	ActionRefreshConnection = "refreshConnection"
	ActionChangeLanguage    = "changeLanguage"
	ActionAudioData         = "audioData"
	ActionPauseBroadcast    = "pauseBroadcast"
	ActionResumeBroadcast   = "resumeBroadcast"
	ActionMuteBroadcast     = "muteBroadcast"
	ActionUnmuteBroadcast   = "unmuteBroadcast"
	ActionEndSession        = "endSession"
)

// Type names carried in the server→client "type" field.
const (
	TypeSessionJoined             = "sessionJoined"
	TypeHeartbeatAck              = "heartbeatAck"
	TypeConnectionRefreshRequired = "connectionRefreshRequired"
	TypeConnectionRefreshComplete = "connectionRefreshComplete"
	TypeAudioData                 = "audioData"
	TypeSessionEnded              = "sessionEnded"
	TypeBroadcastPaused           = "broadcastPaused"
	TypeBroadcastResumed          = "broadcastResumed"
	TypeBroadcastMuted            = "broadcastMuted"
	TypeBroadcastUnmuted          = "broadcastUnmuted"
	TypeError                     = "error"
)

// Error codes carried in error envelopes.
const (
	CodeAuthFailed       = "auth_failed"
	CodeTokenExpired     = "token_expired"
	CodeSessionNotFound  = "session_not_found"
	CodeDuplicateSpeaker = "duplicate_speaker"
	CodeMissingLanguage  = "missing_language"
	CodeRefreshFailed    = "refresh_failed"
	CodeBadEnvelope      = "bad_envelope"
	CodeNotSpeaker       = "not_speaker"
)

// Close reasons surfaced on the websocket close frame.
const (
	ReasonSuperseded       = "Superseded"
	ReasonSessionEnded     = "SessionEnded"
	ReasonHeartbeatTimeout = "HeartbeatTimeout"
)

// Envelope is the single wire message for both directions. Exactly one of
// Action (client→server) or Type (server→client) is set; the remaining
// fields are populated per the message name.
type Envelope struct {
	Action string `json:"action,omitempty"`
	Type   string `json:"type,omitempty"`

	SessionID      string `json:"sessionId,omitempty"`
	Role           string `json:"role,omitempty"`
	TargetLanguage string `json:"targetLanguage,omitempty"`
	Token          string `json:"token,omitempty"`
	Generation     int    `json:"generation,omitempty"`

	// ConnectionID is issued in sessionJoined; the client names it back as
	// PriorConnectionID when opening a refresh successor.
	ConnectionID      string `json:"connectionId,omitempty"`
	PriorConnectionID string `json:"priorConnectionId,omitempty"`

	// Refresh scheduling (connectionRefreshRequired).
	RefreshAt *time.Time `json:"refreshAt,omitempty"`
	WarningAt *time.Time `json:"warningAt,omitempty"`

	// Switch instruction (connectionRefreshComplete).
	NewConnectionID string `json:"newConnectionId,omitempty"`

	// Audio chunk fields (audioData, both directions).
	SequenceNumber uint64 `json:"sequenceNumber,omitempty"`
	Payload        []byte `json:"payload,omitempty"`
	PayloadRef     string `json:"payloadRef,omitempty"`
	DurationMs     int    `json:"durationMs,omitempty"`

	// Error fields.
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}
