package store

import (
	"context"
	"sort"
	"sync"

	"linguacast/internal/types"
)

// MemoryStore is a mutex-guarded in-process Store. Records are stored by
// value so callers cannot mutate them behind the store's back.
type MemoryStore struct {
	mu          sync.RWMutex
	sessions    map[string]types.Session
	connections map[string]types.Connection
	// bySession indexes connection ids per session for fan-out lookups.
	bySession map[string]map[string]struct{}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:    make(map[string]types.Session),
		connections: make(map[string]types.Connection),
		bySession:   make(map[string]map[string]struct{}),
	}
}

func (s *MemoryStore) CreateSession(_ context.Context, session types.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.ID]; exists {
		return ErrSessionExists
	}
	s.sessions[session.ID] = session
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, sessionID string) (types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, exists := s.sessions[sessionID]
	if !exists {
		return types.Session{}, ErrSessionNotFound
	}
	return session, nil
}

func (s *MemoryStore) UpdateSession(_ context.Context, session types.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.ID]; !exists {
		return ErrSessionNotFound
	}
	s.sessions[session.ID] = session
	return nil
}

func (s *MemoryStore) CreateConnection(_ context.Context, conn types.Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(conn)
}

func (s *MemoryStore) CreateSpeakerConnection(_ context.Context, conn types.Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range s.bySession[conn.SessionID] {
		existing := s.connections[id]
		if existing.Role == types.RoleSpeaker && !existing.Superseded {
			return ErrSpeakerExists
		}
	}
	return s.createLocked(conn)
}

func (s *MemoryStore) createLocked(conn types.Connection) error {
	if _, exists := s.connections[conn.ID]; exists {
		return ErrConnectionExists
	}
	s.connections[conn.ID] = conn
	idx, ok := s.bySession[conn.SessionID]
	if !ok {
		idx = make(map[string]struct{})
		s.bySession[conn.SessionID] = idx
	}
	idx[conn.ID] = struct{}{}
	return nil
}

func (s *MemoryStore) GetConnection(_ context.Context, connectionID string) (types.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conn, exists := s.connections[connectionID]
	if !exists {
		return types.Connection{}, ErrConnectionNotFound
	}
	return conn, nil
}

func (s *MemoryStore) UpdateConnection(_ context.Context, conn types.Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.connections[conn.ID]; !exists {
		return ErrConnectionNotFound
	}
	s.connections[conn.ID] = conn
	return nil
}

func (s *MemoryStore) DeleteConnection(_ context.Context, connectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, exists := s.connections[connectionID]
	if !exists {
		return ErrConnectionNotFound
	}
	delete(s.connections, connectionID)
	if idx, ok := s.bySession[conn.SessionID]; ok {
		delete(idx, connectionID)
		if len(idx) == 0 {
			delete(s.bySession, conn.SessionID)
		}
	}
	return nil
}

func (s *MemoryStore) ListConnections(_ context.Context, sessionID string) ([]types.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.bySession[sessionID]
	conns := make([]types.Connection, 0, len(ids))
	for id := range ids {
		conns = append(conns, s.connections[id])
	}

	// Sort by connect time then id for consistent ordering.
	sort.Slice(conns, func(i, j int) bool {
		if conns[i].ConnectedAt.Equal(conns[j].ConnectedAt) {
			return conns[i].ID < conns[j].ID
		}
		return conns[i].ConnectedAt.Before(conns[j].ConnectedAt)
	})
	return conns, nil
}

func (s *MemoryStore) CountSessions(_ context.Context) (total, active int, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, session := range s.sessions {
		total++
		if session.Status == types.SessionActive {
			active++
		}
	}
	return total, active, nil
}

func (s *MemoryStore) CountConnections(_ context.Context) (speakers, listeners int, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, conn := range s.connections {
		if conn.Role == types.RoleSpeaker {
			speakers++
		} else {
			listeners++
		}
	}
	return speakers, listeners, nil
}

// interface compliance
var _ Store = (*MemoryStore)(nil)
