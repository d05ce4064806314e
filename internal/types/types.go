package types

import (
	"time"
)

// Role classifies a live connection. It is assigned by the registry during
// admission and never re-derived downstream.
type Role string

const (
	RoleSpeaker  Role = "speaker"
	RoleListener Role = "listener"
)

// SessionStatus is the lifecycle state of a broadcast session.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionPaused SessionStatus = "paused"
	SessionEnded  SessionStatus = "ended"
)

// PrincipalKind tags a Principal. Role decisions key off this tag, never off
// the presence or absence of a credential field.
type PrincipalKind int

const (
	PrincipalAnonymous PrincipalKind = iota
	PrincipalAuthenticated
)

// Principal is the identity produced by the authorizer for a connection
// attempt. Anonymous principals carry no subject.
type Principal struct {
	Kind      PrincipalKind `json:"kind"`
	SubjectID string        `json:"subject_id,omitempty"`
	Email     string        `json:"email,omitempty"`
}

// AuthenticatedPrincipal builds a principal for a verified token subject.
func AuthenticatedPrincipal(subjectID, email string) Principal {
	return Principal{Kind: PrincipalAuthenticated, SubjectID: subjectID, Email: email}
}

// AnonymousPrincipal builds the principal used for tokenless listeners.
func AnonymousPrincipal() Principal {
	return Principal{Kind: PrincipalAnonymous}
}

// Session is a named broadcast scope with one speaker and many listeners.
// ID and SpeakerPrincipal are immutable after creation.
type Session struct {
	ID                  string        `json:"session_id"`
	SpeakerPrincipal    string        `json:"speaker_principal"`
	SourceLanguage      string        `json:"source_language"`
	Status              SessionStatus `json:"status"`
	Muted               bool          `json:"muted,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
	MaxDurationDeadline time.Time     `json:"max_duration_deadline"`
}

// Connection is one live transport-level duplex channel bound to a session
// and a role. The registry is the sole writer of these records.
type Connection struct {
	ID             string    `json:"connection_id"`
	SessionID      string    `json:"session_id"`
	Role           Role      `json:"role"`
	TargetLanguage string    `json:"target_language,omitempty"`
	ConnectedAt    time.Time `json:"connected_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	LastSeenAt     time.Time `json:"last_seen_at"`
	// Generation disambiguates overlapping old/new connections for the same
	// logical identity during a refresh window.
	Generation int  `json:"generation"`
	Superseded bool `json:"superseded,omitempty"`
}

// AudioChunk is one unit of translated audio in a per-(session, language)
// stream. SequenceNumber is strictly increasing within that stream.
type AudioChunk struct {
	SequenceNumber uint64    `json:"sequence_number"`
	Timestamp      time.Time `json:"timestamp"`
	DurationMs     int       `json:"duration_ms"`
	Payload        []byte    `json:"payload,omitempty"`
	PayloadURL     string    `json:"payload_url,omitempty"`
}

// RefreshState tracks a make-before-break window. Ephemeral, never persisted.
type RefreshState string

const (
	RefreshPending  RefreshState = "pending"
	RefreshSwitched RefreshState = "switched"
	RefreshClosed   RefreshState = "closed"
)

// RefreshWindow describes one in-flight connection replacement.
type RefreshWindow struct {
	ID              string       `json:"id"`
	OldConnectionID string       `json:"old_connection_id"`
	NewConnectionID string       `json:"new_connection_id,omitempty"`
	StartedAt       time.Time    `json:"started_at"`
	State           RefreshState `json:"state"`
}

// RegistryStats is a point-in-time snapshot for the stats endpoint.
type RegistryStats struct {
	TotalSessions       int `json:"total_sessions"`
	ActiveSessions      int `json:"active_sessions"`
	TotalConnections    int `json:"total_connections"`
	SpeakerConnections  int `json:"speaker_connections"`
	ListenerConnections int `json:"listener_connections"`
}
