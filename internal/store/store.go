// Package store provides session persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/cpf-advisor/internal/domain"
)

// Repository persists session state for the lifetime of a session.
// Implementations return independent copies; callers may mutate what they get.
type Repository interface {
	// GetSession retrieves a session by key. It returns nil, nil when none exists.
	GetSession(ctx context.Context, key string) (*domain.SessionRecord, error)

	// SaveSession creates or replaces a session.
	SaveSession(ctx context.Context, rec *domain.SessionRecord) error

	// DeleteSession removes a session. Deleting a missing session is not an error.
	DeleteSession(ctx context.Context, key string) error

	// ExpiredSessions lists keys of sessions idle for longer than ttl.
	ExpiredSessions(ctx context.Context, ttl time.Duration) ([]string, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend.
	Close() error
}
