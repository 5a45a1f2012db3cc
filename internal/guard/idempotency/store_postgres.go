package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"enroll/internal/guard/models"
	"enroll/internal/platform/postgres"
	"enroll/pkg/platform/sentinel"
)

// PostgresStore persists records in the idempotency_records table. Claiming
// and reclaiming are single atomic statements so the exactly-one-proceed
// guarantee holds across instances.
type PostgresStore struct {
	client *postgres.Client
}

// NewPostgresStore creates a PostgresStore on the shared client.
func NewPostgresStore(client *postgres.Client) *PostgresStore {
	return &PostgresStore{client: client}
}

// Create claims the key. The conditional upsert overwrites only expired rows;
// when a live row holds the key no row comes back and the claim conflicts.
func (s *PostgresStore) Create(ctx context.Context, rec models.IdempotencyRecord, now time.Time) error {
	db, err := s.client.DB(ctx)
	if err != nil {
		return err
	}

	const query = `
		INSERT INTO idempotency_records
			(idempotency_key, route, client_id, request_hash, status, http_status, response_body, error_message, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NULL, NULL, NULL, $6, $7)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET route = EXCLUDED.route,
			client_id = EXCLUDED.client_id,
			request_hash = EXCLUDED.request_hash,
			status = EXCLUDED.status,
			http_status = NULL,
			response_body = NULL,
			error_message = NULL,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at
		WHERE idempotency_records.expires_at <= $8
		RETURNING idempotency_key`

	var key string
	err = db.QueryRowContext(ctx, query,
		rec.Key, rec.Route, rec.ClientID, rec.RequestHash, string(rec.Status),
		rec.ExpiresAt.UTC(), rec.UpdatedAt.UTC(), now.UTC(),
	).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return sentinel.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("claim idempotency record: %w", err)
	}
	return nil
}

// Get returns the live record for key.
func (s *PostgresStore) Get(ctx context.Context, key string, now time.Time) (models.IdempotencyRecord, error) {
	db, err := s.client.DB(ctx)
	if err != nil {
		return models.IdempotencyRecord{}, err
	}

	const query = `
		SELECT idempotency_key, route, client_id, request_hash, status,
			COALESCE(http_status, 0), response_body, COALESCE(error_message, ''),
			expires_at, updated_at
		FROM idempotency_records
		WHERE idempotency_key = $1 AND expires_at > $2`

	var rec models.IdempotencyRecord
	var status string
	var body sql.Null[[]byte]
	err = db.QueryRowContext(ctx, query, key, now.UTC()).Scan(
		&rec.Key, &rec.Route, &rec.ClientID, &rec.RequestHash, &status,
		&rec.HTTPStatus, &body, &rec.ErrorMessage,
		&rec.ExpiresAt, &rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.IdempotencyRecord{}, sentinel.ErrNotFound
	}
	if err != nil {
		return models.IdempotencyRecord{}, fmt.Errorf("load idempotency record: %w", err)
	}
	rec.Status = models.RecordStatus(status)
	if body.Valid {
		rec.ResponseBody = body.V
	}
	return rec, nil
}

// Reclaim replaces the record if updated_at still matches what the caller
// read.
func (s *PostgresStore) Reclaim(ctx context.Context, rec models.IdempotencyRecord, expectUpdatedAt time.Time) error {
	db, err := s.client.DB(ctx)
	if err != nil {
		return err
	}

	const query = `
		UPDATE idempotency_records
		SET request_hash = $2, status = $3, http_status = NULL, response_body = NULL,
			error_message = NULL, expires_at = $4, updated_at = $5
		WHERE idempotency_key = $1 AND updated_at = $6`

	res, err := db.ExecContext(ctx, query,
		rec.Key, rec.RequestHash, string(rec.Status),
		rec.ExpiresAt.UTC(), rec.UpdatedAt.UTC(), expectUpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("reclaim idempotency record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reclaim idempotency record: %w", err)
	}
	if affected == 0 {
		return sentinel.ErrConflict
	}
	return nil
}

// Finalize writes the terminal status and response.
func (s *PostgresStore) Finalize(ctx context.Context, rec models.IdempotencyRecord) error {
	db, err := s.client.DB(ctx)
	if err != nil {
		return err
	}

	const query = `
		UPDATE idempotency_records
		SET status = $2, http_status = $3, response_body = $4, error_message = $5,
			expires_at = $6, updated_at = $7
		WHERE idempotency_key = $1`

	var body any
	if rec.ResponseBody != nil {
		body = []byte(rec.ResponseBody)
	}
	var httpStatus any
	if rec.HTTPStatus != 0 {
		httpStatus = rec.HTTPStatus
	}
	res, err := db.ExecContext(ctx, query,
		rec.Key, string(rec.Status), httpStatus, body, nullString(rec.ErrorMessage),
		rec.ExpiresAt.UTC(), rec.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("finalize idempotency record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finalize idempotency record: %w", err)
	}
	if affected == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

// DeleteExpired removes records whose expiry has passed.
func (s *PostgresStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	db, err := s.client.DB(ctx)
	if err != nil {
		return 0, err
	}

	res, err := db.ExecContext(ctx, `DELETE FROM idempotency_records WHERE expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency records: %w", err)
	}
	return res.RowsAffected()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
