package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore keeps counters in the rate_limits table.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Increment(ctx context.Context, key string, windowStart, reset time.Time) (int, error) {
	const q = `
	  INSERT INTO rate_limits (key, window_start, count, reset_time)
	       VALUES ($1, $2, 1, $3)
	  ON CONFLICT (key, window_start) DO UPDATE
	        SET count = rate_limits.count + 1
	  RETURNING count`
	var count int
	if err := s.db.QueryRowContext(ctx, q, key, windowStart, reset).Scan(&count); err != nil {
		return 0, fmt.Errorf("increment %s: %w", key, err)
	}
	return count, nil
}

func (s *PostgresStore) Count(ctx context.Context, key string, windowStart time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT count FROM rate_limits WHERE key = $1 AND window_start = $2`,
		key, windowStart,
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", key, err)
	}
	return count, nil
}

func (s *PostgresStore) Decrement(ctx context.Context, key string, windowStart time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE rate_limits SET count = count - 1 WHERE key = $1 AND window_start = $2 AND count > 0`,
		key, windowStart,
	)
	if err != nil {
		return fmt.Errorf("decrement %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) Sweep(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rate_limits WHERE reset_time < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("sweep rate limits: %w", err)
	}
	return res.RowsAffected()
}
