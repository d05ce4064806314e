// Package store defines the durable read/write contract for Session and
// Connection records. The storage technology behind it is deliberately
// unspecified; MemoryStore is the in-process implementation.
package store

import (
	"context"
	"errors"

	"linguacast/internal/types"
)

var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionExists      = errors.New("session already exists")
	ErrConnectionNotFound = errors.New("connection not found")
	ErrConnectionExists   = errors.New("connection already exists")
	ErrSpeakerExists      = errors.New("active speaker connection already exists")
)

// Store is keyed storage for sessions and connections. Implementations must
// make CreateConnection and CreateSpeakerConnection atomic conditional
// writes: create-iff-absent, and create-iff-no-live-speaker respectively.
type Store interface {
	CreateSession(ctx context.Context, session types.Session) error
	GetSession(ctx context.Context, sessionID string) (types.Session, error)
	UpdateSession(ctx context.Context, session types.Session) error

	// CreateConnection stores the record iff no record with the same id
	// exists.
	CreateConnection(ctx context.Context, conn types.Connection) error

	// CreateSpeakerConnection stores the record iff no record with the same
	// id exists and the session has no live (non-superseded) speaker
	// connection. Both checks and the write happen atomically.
	CreateSpeakerConnection(ctx context.Context, conn types.Connection) error

	GetConnection(ctx context.Context, connectionID string) (types.Connection, error)
	UpdateConnection(ctx context.Context, conn types.Connection) error
	DeleteConnection(ctx context.Context, connectionID string) error
	ListConnections(ctx context.Context, sessionID string) ([]types.Connection, error)

	// CountSessions and CountConnections back the stats endpoint.
	CountSessions(ctx context.Context) (total, active int, err error)
	CountConnections(ctx context.Context) (speakers, listeners int, err error)
}
