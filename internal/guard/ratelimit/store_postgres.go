package ratelimit

import (
	"context"
	"fmt"
	"time"

	"enroll/internal/platform/postgres"
)

// PostgresStore persists windows in the rate_limit_windows table. The
// post-increment count comes back from a single atomic upsert, so concurrent
// requests on the same window each observe a distinct count.
type PostgresStore struct {
	client *postgres.Client
}

// NewPostgresStore creates a PostgresStore on the shared client.
func NewPostgresStore(client *postgres.Client) *PostgresStore {
	return &PostgresStore{client: client}
}

// Increment upserts the window row and returns the new count.
func (s *PostgresStore) Increment(ctx context.Context, key, route, clientID string, windowStart, expiresAt time.Time) (int, error) {
	db, err := s.client.DB(ctx)
	if err != nil {
		return 0, err
	}

	const query = `
		INSERT INTO rate_limit_windows (rate_key, route, client_id, window_started_at, request_count, expires_at)
		VALUES ($1, $2, $3, $4, 1, $5)
		ON CONFLICT (rate_key) DO UPDATE
		SET request_count = rate_limit_windows.request_count + 1
		RETURNING request_count`

	var count int
	err = db.QueryRowContext(ctx, query, key, route, clientID, windowStart.UTC(), expiresAt.UTC()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("upsert rate window: %w", err)
	}
	return count, nil
}

// DeleteExpired removes windows whose expiry has passed.
func (s *PostgresStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	db, err := s.client.DB(ctx)
	if err != nil {
		return 0, err
	}

	res, err := db.ExecContext(ctx, `DELETE FROM rate_limit_windows WHERE expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete expired rate windows: %w", err)
	}
	return res.RowsAffected()
}
