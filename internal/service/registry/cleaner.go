package registry

import (
	"context"
	"log"
	"time"
)

const (
	DefaultCleanupInterval = time.Hour
	DefaultClosedRetention = 7 * 24 * time.Hour
)

// StartCleaner periodically removes expired host tokens and sessions that
// have been closed for longer than retention, along with their journal.
func (s *Service) StartCleaner(ctx context.Context, interval, retention time.Duration) {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	if retention <= 0 {
		retention = DefaultClosedRetention
	}
	go s.cleanupLoop(ctx, interval, retention)
}

func (s *Service) cleanupLoop(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Cleanup(ctx, time.Now().UTC(), retention); err != nil {
				log.Printf("registry cleanup error: %v", err)
			}
		}
	}
}

// Cleanup runs one pass of the cleaner relative to now.
func (s *Service) Cleanup(ctx context.Context, now time.Time, retention time.Duration) error {
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM host_tokens WHERE expires_at <= ?`), now); err != nil {
		return err
	}
	cutoff := now.Add(-retention)
	// operations are removed explicitly since sqlite only cascades with foreign_keys on
	if _, err := s.db.ExecContext(ctx,
		s.q(`DELETE FROM operations WHERE session_id IN (SELECT id FROM sessions WHERE closed_at IS NOT NULL AND closed_at <= ?)`),
		cutoff,
	); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM sessions WHERE closed_at IS NOT NULL AND closed_at <= ?`), cutoff)
	return err
}
