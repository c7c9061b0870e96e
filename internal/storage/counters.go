package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Get returns the live count for key, 0 when absent or expired.
func (s *Store) Get(ctx context.Context, key string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT count FROM rate_counters WHERE key = ? AND expires_at > ?`,
		key, s.now().UnixMilli(),
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get counter: %w", err)
	}
	return count, nil
}

// Incr atomically increments key and pushes its expiry to now+ttl. An
// expired row restarts at 1.
func (s *Store) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	now := s.now()
	var count int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO rate_counters (key, count, expires_at) VALUES (?, 1, ?)
		 ON CONFLICT(key) DO UPDATE SET
			count = CASE WHEN rate_counters.expires_at <= ? THEN 1 ELSE rate_counters.count + 1 END,
			expires_at = excluded.expires_at
		 RETURNING count`,
		key, now.Add(ttl).UnixMilli(), now.UnixMilli(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("incr counter: %w", err)
	}
	return count, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM rate_counters WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete counter: %w", err)
	}
	return nil
}

// PurgeExpiredCounters removes counters whose window has closed.
func (s *Store) PurgeExpiredCounters(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rate_counters WHERE expires_at <= ?`, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge counters: %w", err)
	}
	return res.RowsAffected()
}
