package store

import (
	"context"
	"sync"
	"time"

	"github.com/ashureev/cpf-advisor/internal/domain"
)

// MemoryStore implements Repository in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*domain.SessionRecord
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*domain.SessionRecord)}
}

// GetSession retrieves a session by key.
func (m *MemoryStore) GetSession(_ context.Context, key string) (*domain.SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[key].Clone(), nil
}

// SaveSession creates or replaces a session.
func (m *MemoryStore) SaveSession(_ context.Context, rec *domain.SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[rec.Key] = rec.Clone()
	return nil
}

// DeleteSession removes a session.
func (m *MemoryStore) DeleteSession(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, key)
	return nil
}

// ExpiredSessions lists keys of sessions idle for longer than ttl.
func (m *MemoryStore) ExpiredSessions(_ context.Context, ttl time.Duration) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	var keys []string
	for key, rec := range m.sessions {
		if rec.Expired(ttl, now) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }
