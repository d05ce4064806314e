// Package registry enforces role-correct admission and owns all writes to
// Connection records. Every other component reads through it.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/ksuid"

	"linguacast/internal/metrics"
	"linguacast/internal/store"
	"linguacast/internal/types"
)

// Config sizes connection and session lifetimes.
type Config struct {
	// TransportCeiling is the hard cap the transport imposes on a single
	// connection (ExpiresAt = ConnectedAt + ceiling).
	TransportCeiling time.Duration

	// SessionMaxDuration bounds a whole session.
	SessionMaxDuration time.Duration
}

// AdmitRequest carries everything admission needs. PriorConnectionID is set
// only on the refresh path and names the connection being replaced.
type AdmitRequest struct {
	SessionID         string
	Principal         types.Principal
	TargetLanguage    string
	PriorConnectionID string
}

// Registry wraps the session store with admission semantics: single live
// speaker per session, listeners require a language, records persisted
// synchronously before admission succeeds.
type Registry struct {
	store   store.Store
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates a registry over the given store.
func New(st store.Store, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Registry {
	return &Registry{
		store:   st,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// CreateSession mints a new session with a readable slug id bound to the
// speaker principal.
func (r *Registry) CreateSession(ctx context.Context, speakerPrincipal, sourceLanguage string) (types.Session, error) {
	if speakerPrincipal == "" {
		return types.Session{}, fmt.Errorf("speaker principal required")
	}
	if sourceLanguage == "" {
		sourceLanguage = "en"
	}

	now := r.now()
	// Slugs can collide; retry a few times before giving up.
	for attempt := 0; attempt < 5; attempt++ {
		session := types.Session{
			ID:                  newSlug(),
			SpeakerPrincipal:    speakerPrincipal,
			SourceLanguage:      sourceLanguage,
			Status:              types.SessionActive,
			CreatedAt:           now,
			MaxDurationDeadline: now.Add(r.cfg.SessionMaxDuration),
		}
		err := r.store.CreateSession(ctx, session)
		if err == nil {
			r.logger.Info("session created",
				slog.String("session_id", session.ID),
				slog.String("source_language", sourceLanguage))
			return session, nil
		}
		if !errors.Is(err, store.ErrSessionExists) {
			return types.Session{}, err
		}
	}
	return types.Session{}, fmt.Errorf("could not allocate a unique session id")
}

// GetSession returns the session record.
func (r *Registry) GetSession(ctx context.Context, sessionID string) (types.Session, error) {
	session, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return types.Session{}, ErrSessionNotFound
	}
	return session, nil
}

// SetSessionStatus moves a session between active/paused/ended.
func (r *Registry) SetSessionStatus(ctx context.Context, sessionID string, status types.SessionStatus) error {
	session, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return ErrSessionNotFound
	}
	session.Status = status
	return r.store.UpdateSession(ctx, session)
}

// SetSessionMuted flips the speaker mute flag.
func (r *Registry) SetSessionMuted(ctx context.Context, sessionID string, muted bool) error {
	session, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return ErrSessionNotFound
	}
	session.Muted = muted
	return r.store.UpdateSession(ctx, session)
}

// Admit classifies and persists a connection. The record is written before
// success is returned; a transport-level connection without a registry
// record is a protocol violation.
func (r *Registry) Admit(ctx context.Context, req AdmitRequest) (types.Connection, error) {
	session, err := r.store.GetSession(ctx, req.SessionID)
	if err != nil || session.Status == types.SessionEnded {
		r.countRefusal("session_not_found")
		return types.Connection{}, ErrSessionNotFound
	}

	// Role is forced from the principal, never inferred from request fields.
	role := types.RoleListener
	if req.Principal.Kind == types.PrincipalAuthenticated && req.Principal.SubjectID == session.SpeakerPrincipal {
		role = types.RoleSpeaker
	}

	now := r.now()
	conn := types.Connection{
		ID:          ksuid.New().String(),
		SessionID:   session.ID,
		Role:        role,
		ConnectedAt: now,
		ExpiresAt:   now.Add(r.cfg.TransportCeiling),
		LastSeenAt:  now,
		Generation:  1,
	}
	if role == types.RoleListener {
		conn.TargetLanguage = req.TargetLanguage
	}

	// On refresh the successor inherits the prior connection's identity at
	// the next generation; stale deliveries are discarded by generation.
	if req.PriorConnectionID != "" {
		if prior, err := r.store.GetConnection(ctx, req.PriorConnectionID); err == nil {
			conn.Generation = prior.Generation + 1
			if conn.TargetLanguage == "" {
				conn.TargetLanguage = prior.TargetLanguage
			}
		}
	}

	// A listener needs a stream, either named in the request or inherited
	// from the connection being refreshed.
	if role == types.RoleListener && conn.TargetLanguage == "" {
		r.countRefusal("missing_language")
		return types.Connection{}, ErrMissingLanguage
	}

	if role == types.RoleSpeaker {
		err = r.store.CreateSpeakerConnection(ctx, conn)
		if errors.Is(err, store.ErrSpeakerExists) {
			r.countRefusal("duplicate_speaker")
			return types.Connection{}, ErrDuplicateSpeaker
		}
	} else {
		err = r.store.CreateConnection(ctx, conn)
	}
	if err != nil {
		return types.Connection{}, fmt.Errorf("persisting connection: %w", err)
	}

	r.metrics.RecordAdmission(string(role))
	r.logger.Info("connection admitted",
		slog.String("connection_id", conn.ID),
		slog.String("session_id", session.ID),
		slog.String("role", string(role)),
		slog.Int("generation", conn.Generation))
	return conn, nil
}

// Touch updates the liveness timestamp. A heartbeat racing a disconnect is
// expected, so a missing record is a no-op, not an error.
func (r *Registry) Touch(ctx context.Context, connectionID string) error {
	conn, err := r.store.GetConnection(ctx, connectionID)
	if err != nil {
		return nil
	}
	conn.LastSeenAt = r.now()
	if err := r.store.UpdateConnection(ctx, conn); err != nil && !errors.Is(err, store.ErrConnectionNotFound) {
		return err
	}
	return nil
}

// Release deletes the connection record. Idempotent.
func (r *Registry) Release(ctx context.Context, connectionID string) error {
	conn, err := r.store.GetConnection(ctx, connectionID)
	if err != nil {
		return nil
	}
	if err := r.store.DeleteConnection(ctx, connectionID); err != nil {
		if errors.Is(err, store.ErrConnectionNotFound) {
			return nil
		}
		return err
	}
	r.metrics.RecordRelease(string(conn.Role), r.now().Sub(conn.ConnectedAt).Seconds())
	r.logger.Info("connection released",
		slog.String("connection_id", connectionID),
		slog.String("session_id", conn.SessionID))
	return nil
}

// Supersede marks a connection as replaced by a refresh successor. Only the
// refresh path calls this.
func (r *Registry) Supersede(ctx context.Context, connectionID string) error {
	conn, err := r.store.GetConnection(ctx, connectionID)
	if err != nil {
		return nil
	}
	conn.Superseded = true
	return r.store.UpdateConnection(ctx, conn)
}

// Reinstate clears the superseded mark after a refresh window fails. The old
// connection goes back to being the session's live one, so a later plain
// join cannot slip in a second speaker.
func (r *Registry) Reinstate(ctx context.Context, connectionID string) error {
	conn, err := r.store.GetConnection(ctx, connectionID)
	if err != nil {
		return nil
	}
	conn.Superseded = false
	return r.store.UpdateConnection(ctx, conn)
}

// FindSpeakerConnection returns the live speaker connection for a session.
func (r *Registry) FindSpeakerConnection(ctx context.Context, sessionID string) (types.Connection, bool, error) {
	conns, err := r.store.ListConnections(ctx, sessionID)
	if err != nil {
		return types.Connection{}, false, err
	}
	for _, conn := range conns {
		if conn.Role == types.RoleSpeaker && !conn.Superseded {
			return conn, true, nil
		}
	}
	return types.Connection{}, false, nil
}

// FindListeners returns listener connections for a session, optionally
// filtered by target language. Empty language matches all.
func (r *Registry) FindListeners(ctx context.Context, sessionID, targetLanguage string) ([]types.Connection, error) {
	conns, err := r.store.ListConnections(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	listeners := conns[:0:0]
	for _, conn := range conns {
		if conn.Role != types.RoleListener {
			continue
		}
		if targetLanguage != "" && conn.TargetLanguage != targetLanguage {
			continue
		}
		listeners = append(listeners, conn)
	}
	return listeners, nil
}

// SetListenerLanguage rebinds a listener connection to a new target stream.
func (r *Registry) SetListenerLanguage(ctx context.Context, connectionID, targetLanguage string) error {
	if targetLanguage == "" {
		return ErrMissingLanguage
	}
	conn, err := r.store.GetConnection(ctx, connectionID)
	if err != nil {
		return nil
	}
	conn.TargetLanguage = targetLanguage
	return r.store.UpdateConnection(ctx, conn)
}

// Stats snapshots registry counts for the stats endpoint.
func (r *Registry) Stats(ctx context.Context) (types.RegistryStats, error) {
	total, active, err := r.store.CountSessions(ctx)
	if err != nil {
		return types.RegistryStats{}, err
	}
	speakers, listeners, err := r.store.CountConnections(ctx)
	if err != nil {
		return types.RegistryStats{}, err
	}
	return types.RegistryStats{
		TotalSessions:       total,
		ActiveSessions:      active,
		TotalConnections:    speakers + listeners,
		SpeakerConnections:  speakers,
		ListenerConnections: listeners,
	}, nil
}

func (r *Registry) countRefusal(reason string) {
	r.metrics.RecordAdmissionError(reason)
}
