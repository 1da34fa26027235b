// Package store persists the pipeline's durable state in Postgres:
// documents and their per-stage statuses, completion markers, stage
// artifacts, pipeline errors, the alert queue, retry policies, and
// performance baselines. All methods use parameterized queries through a
// shared pgx pool; the schema is created on open.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Store wraps the pgx pool with typed accessors for every table.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// New opens a connection pool, verifies the database is reachable, and
// ensures the schema exists.
func New(ctx context.Context, databaseURL string, logger *zap.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{pool: pool, logger: logger.Named("store")}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Pool exposes the underlying pool for the advisory lock manager, which
// needs to pin sessions.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// IsNotFound reports whether err is pgx.ErrNoRows.
func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS documents (
		id              UUID PRIMARY KEY,
		name            TEXT NOT NULL,
		source_key      TEXT NOT NULL,
		content_type    TEXT NOT NULL DEFAULT '',
		source_checksum TEXT NOT NULL DEFAULT '',
		stage_status    JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at      TIMESTAMPTZ NOT NULL,
		updated_at      TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS stage_completion_markers (
		document_id  UUID NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		stage_name   TEXT NOT NULL,
		data_hash    TEXT NOT NULL,
		completed_at TIMESTAMPTZ NOT NULL,
		metadata     JSONB NOT NULL DEFAULT '{}'::jsonb,
		PRIMARY KEY (document_id, stage_name)
	)`,
	`CREATE TABLE IF NOT EXISTS stage_artifacts (
		id          BIGSERIAL PRIMARY KEY,
		document_id UUID NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		stage_name  TEXT NOT NULL,
		kind        TEXT NOT NULL,
		payload     JSONB NOT NULL,
		object_key  TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_stage_artifacts_doc_stage ON stage_artifacts(document_id, stage_name)`,
	`CREATE TABLE IF NOT EXISTS pipeline_errors (
		error_id         UUID PRIMARY KEY,
		document_id      UUID NOT NULL,
		stage_name       TEXT NOT NULL,
		error_type       TEXT NOT NULL,
		error_message    TEXT NOT NULL,
		retry_count      INTEGER NOT NULL DEFAULT 0,
		status           TEXT NOT NULL,
		correlation_id   TEXT NOT NULL,
		next_retry_at    TIMESTAMPTZ,
		created_at       TIMESTAMPTZ NOT NULL,
		updated_at       TIMESTAMPTZ NOT NULL,
		resolution_notes TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pipeline_errors_due ON pipeline_errors(status, next_retry_at)`,
	`CREATE INDEX IF NOT EXISTS idx_pipeline_errors_document ON pipeline_errors(document_id, stage_name)`,
	`CREATE TABLE IF NOT EXISTS alert_queue (
		alert_id     UUID PRIMARY KEY,
		alert_type   TEXT NOT NULL,
		severity     TEXT NOT NULL,
		title        TEXT NOT NULL,
		message      TEXT NOT NULL,
		metadata     JSONB NOT NULL DEFAULT '{}'::jsonb,
		status       TEXT NOT NULL DEFAULT 'pending',
		created_at   TIMESTAMPTZ NOT NULL,
		processed_at TIMESTAMPTZ,
		sent_at      TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alert_queue_pending ON alert_queue(alert_type, status, created_at)`,
	`CREATE TABLE IF NOT EXISTS alert_configurations (
		alert_type          TEXT PRIMARY KEY,
		threshold           INTEGER NOT NULL DEFAULT 1,
		time_window_minutes INTEGER NOT NULL DEFAULT 15,
		channels            JSONB NOT NULL DEFAULT '[]'::jsonb,
		recipients          JSONB NOT NULL DEFAULT '[]'::jsonb,
		enabled             BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE TABLE IF NOT EXISTS retry_policies (
		service_name       TEXT NOT NULL,
		stage_name         TEXT NOT NULL DEFAULT '',
		max_retries        INTEGER NOT NULL,
		initial_delay_ms   INTEGER NOT NULL,
		max_delay_ms       INTEGER NOT NULL,
		backoff_multiplier DOUBLE PRECISION NOT NULL,
		timeout_ms         INTEGER NOT NULL,
		PRIMARY KEY (service_name, stage_name)
	)`,
	`CREATE TABLE IF NOT EXISTS performance_baselines (
		test_name     TEXT NOT NULL,
		document_name TEXT NOT NULL,
		revision_id   TEXT NOT NULL,
		environment   TEXT NOT NULL,
		metrics       JSONB NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (test_name, document_name, revision_id)
	)`,
}

func (s *Store) ensureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
