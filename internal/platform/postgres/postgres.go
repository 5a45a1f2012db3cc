// Package postgres owns the shared database handle and lazy schema
// provisioning for the audit/guard tables. The first caller performs setup,
// concurrent callers await the same in-flight operation, and completion is
// memoized for the process lifetime.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"golang.org/x/sync/singleflight"
)

// Client wraps the SQL pool with memoized schema provisioning.
type Client struct {
	db *sql.DB

	provision   singleflight.Group
	provisioned sync.Map // schema name -> struct{}
}

// Open connects to PostgreSQL via the pgx stdlib driver and verifies the
// connection.
func Open(ctx context.Context, dsn string) (*Client, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Client{db: db}, nil
}

// DB returns the underlying pool after ensuring the guard/audit schema
// exists. Provisioning runs at most once per process; concurrent first
// callers share a single in-flight creation.
func (c *Client) DB(ctx context.Context) (*sql.DB, error) {
	if _, ok := c.provisioned.Load("guard"); ok {
		return c.db, nil
	}

	_, err, _ := c.provision.Do("guard", func() (any, error) {
		if _, ok := c.provisioned.Load("guard"); ok {
			return nil, nil
		}
		if err := createSchema(ctx, c.db); err != nil {
			return nil, err
		}
		c.provisioned.Store("guard", struct{}{})
		return nil, nil
	})
	if err != nil {
		return nil, fmt.Errorf("provision schema: %w", err)
	}
	return c.db, nil
}

// Health pings the database.
func (c *Client) Health(ctx context.Context) error { return c.db.PingContext(ctx) }

// Close releases the pool.
func (c *Client) Close() error { return c.db.Close() }

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS activity_logs (
		id            BIGSERIAL PRIMARY KEY,
		actor_user_id TEXT,
		actor_name    TEXT NOT NULL DEFAULT '',
		actor_email   TEXT NOT NULL DEFAULT '',
		category      TEXT NOT NULL,
		action        TEXT NOT NULL,
		status        TEXT NOT NULL,
		subject_type  TEXT,
		subject_id    TEXT,
		subject_label TEXT,
		message       TEXT NOT NULL DEFAULT '',
		route_name    TEXT,
		http_method   TEXT,
		ip_address    TEXT,
		user_agent    TEXT,
		request_id    TEXT,
		before_data   JSONB,
		after_data    JSONB,
		meta          JSONB,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_activity_logs_created_at ON activity_logs (created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_activity_logs_category ON activity_logs (category)`,
	`CREATE INDEX IF NOT EXISTS idx_activity_logs_action ON activity_logs (action)`,
	`CREATE INDEX IF NOT EXISTS idx_activity_logs_status ON activity_logs (status)`,
	`CREATE INDEX IF NOT EXISTS idx_activity_logs_subject ON activity_logs (subject_type, subject_id)`,
	`CREATE INDEX IF NOT EXISTS idx_activity_logs_request_id ON activity_logs (request_id)`,

	`CREATE TABLE IF NOT EXISTS rate_limit_windows (
		rate_key          TEXT PRIMARY KEY,
		route             TEXT NOT NULL,
		client_id         TEXT NOT NULL,
		window_started_at TIMESTAMPTZ NOT NULL,
		request_count     INTEGER NOT NULL,
		expires_at        TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_rate_limit_windows_expires_at ON rate_limit_windows (expires_at)`,

	`CREATE TABLE IF NOT EXISTS idempotency_records (
		idempotency_key TEXT PRIMARY KEY,
		route           TEXT NOT NULL,
		client_id       TEXT NOT NULL,
		request_hash    TEXT NOT NULL,
		status          TEXT NOT NULL,
		http_status     INTEGER,
		response_body   JSONB,
		error_message   TEXT,
		expires_at      TIMESTAMPTZ NOT NULL,
		updated_at      TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_idempotency_records_expires_at ON idempotency_records (expires_at)`,
}

func createSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}
