package session

import (
	"context"
	"sync"
)

// MemStore is an in-memory [Store] for tests and single-process deployments.
// Sessions are cloned on the way in and out so callers never alias stored
// state.
type MemStore struct {
	mu       sync.RWMutex
	sessions map[string]*GameSession
}

var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{sessions: make(map[string]*GameSession)}
}

// Get implements [Store].
func (m *MemStore) Get(_ context.Context, id string) (*GameSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

// Put implements [Store].
func (m *MemStore) Put(_ context.Context, s *GameSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s.Clone()
	return nil
}

// Delete implements [Store].
func (m *MemStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}
