// Package sweeper removes sessions that have been idle longer than the session TTL.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/cpf-advisor/internal/shared"
	"github.com/ashureev/cpf-advisor/internal/store"
)

// DefaultInterval is how often the sweeper looks for expired sessions.
const DefaultInterval = 5 * time.Minute

const (
	deleteRetries   = 3
	deleteBaseDelay = 100 * time.Millisecond
)

// CleanupCallback is called with the session key after a session is deleted.
type CleanupCallback func(key string)

// Sweeper periodically deletes expired sessions.
type Sweeper struct {
	repo      store.Repository
	ttl       time.Duration
	interval  time.Duration
	onCleanup CleanupCallback
	logger    *slog.Logger
	wg        sync.WaitGroup
}

// New creates a sweeper. A non-positive interval uses DefaultInterval.
func New(repo store.Repository, ttl, interval time.Duration, onCleanup CleanupCallback, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		repo:      repo,
		ttl:       ttl,
		interval:  interval,
		onCleanup: onCleanup,
		logger:    logger,
	}
}

// Start runs the sweep loop in the background until ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		s.logger.Info("Session sweeper started", "interval", s.interval, "ttl", s.ttl)

		for {
			select {
			case <-ticker.C:
				s.Sweep(ctx)
			case <-ctx.Done():
				s.logger.Info("Session sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Wait blocks until the sweep loop has exited.
func (s *Sweeper) Wait() {
	s.wg.Wait()
}

// Sweep deletes every expired session once and returns how many were removed.
func (s *Sweeper) Sweep(ctx context.Context) int {
	keys, err := s.repo.ExpiredSessions(ctx, s.ttl)
	if err != nil {
		s.logger.Error("Session sweeper failed to list expired sessions", "error", err)
		return 0
	}
	if len(keys) == 0 {
		return 0
	}

	s.logger.Info("Session sweeper found expired sessions", "count", len(keys))

	cleaned := 0
	for _, key := range keys {
		if err := s.deleteWithRetry(ctx, key); err != nil {
			s.logger.Warn("Session sweeper failed to delete session after retries",
				"error", err,
				"session_key", key)
			continue
		}
		cleaned++
		if s.onCleanup != nil {
			s.onCleanup(key)
		}
	}

	s.logger.Info("Session sweeper cleanup completed", "cleaned", cleaned)
	return cleaned
}

// deleteWithRetry retries SQLite busy/locked errors with exponential backoff: 100ms, 200ms.
func (s *Sweeper) deleteWithRetry(ctx context.Context, key string) error {
	var err error
	for i := 0; i < deleteRetries; i++ {
		err = s.repo.DeleteSession(ctx, key)
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || i == deleteRetries-1 {
			break
		}

		delay := deleteBaseDelay * time.Duration(1<<i)
		s.logger.Debug("Session delete hit a locked database, retrying",
			"session_key", key,
			"attempt", i+1,
			"delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("delete session %s: %w", key, err)
}
