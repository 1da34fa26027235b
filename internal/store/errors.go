package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Pipeline error lifecycle states.
const (
	ErrorStatusPending  = "pending"
	ErrorStatusRetrying = "retrying"
	ErrorStatusResolved = "resolved"
	ErrorStatusFailed   = "failed"
)

// PipelineError is one recorded stage failure and the state of its retry
// lifecycle. A row with status retrying and a future next_retry_at is a
// scheduled asynchronous retry.
type PipelineError struct {
	ErrorID         string     `json:"error_id"`
	DocumentID      string     `json:"document_id"`
	StageName       string     `json:"stage_name"`
	ErrorType       string     `json:"error_type"`
	ErrorMessage    string     `json:"error_message"`
	RetryCount      int        `json:"retry_count"`
	Status          string     `json:"status"`
	CorrelationID   string     `json:"correlation_id"`
	NextRetryAt     *time.Time `json:"next_retry_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	ResolutionNotes string     `json:"resolution_notes,omitempty"`
}

const errorColumns = `error_id, document_id, stage_name, error_type, error_message, retry_count, status, correlation_id, next_retry_at, created_at, updated_at, resolution_notes`

func scanError(sc scanner) (*PipelineError, error) {
	var e PipelineError
	err := sc.Scan(&e.ErrorID, &e.DocumentID, &e.StageName, &e.ErrorType,
		&e.ErrorMessage, &e.RetryCount, &e.Status, &e.CorrelationID,
		&e.NextRetryAt, &e.CreatedAt, &e.UpdatedAt, &e.ResolutionNotes)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// CreateError records a stage failure. A missing ID is generated and the
// status defaults to pending.
func (s *Store) CreateError(ctx context.Context, e *PipelineError) error {
	if e.ErrorID == "" {
		e.ErrorID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = ErrorStatusPending
	}
	now := time.Now().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now

	_, err := s.pool.Exec(ctx, `
		INSERT INTO pipeline_errors (`+errorColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ErrorID, e.DocumentID, e.StageName, e.ErrorType, e.ErrorMessage,
		e.RetryCount, e.Status, e.CorrelationID, e.NextRetryAt,
		e.CreatedAt, e.UpdatedAt, e.ResolutionNotes)
	if err != nil {
		return fmt.Errorf("insert pipeline error: %w", err)
	}
	return nil
}

// GetError loads one pipeline error by ID.
func (s *Store) GetError(ctx context.Context, errorID string) (*PipelineError, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+errorColumns+` FROM pipeline_errors WHERE error_id = $1`, errorID)
	return scanError(row)
}

// ScheduleRetry moves an error into the retrying state with the attempt
// count and fire time for its next asynchronous retry.
func (s *Store) ScheduleRetry(ctx context.Context, errorID string, retryCount int, nextRetryAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pipeline_errors
		SET status = $2, retry_count = $3, next_retry_at = $4, updated_at = $5
		WHERE error_id = $1`,
		errorID, ErrorStatusRetrying, retryCount, nextRetryAt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// ResolveError closes an error after its stage finally succeeded, recording
// which retry attempt recovered it.
func (s *Store) ResolveError(ctx context.Context, errorID string, retryCount int, notes string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pipeline_errors
		SET status = $2, retry_count = $3, next_retry_at = NULL, resolution_notes = $4, updated_at = $5
		WHERE error_id = $1`,
		errorID, ErrorStatusResolved, retryCount, notes, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("resolve pipeline error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// FailError closes an error permanently. No further retries fire.
func (s *Store) FailError(ctx context.Context, errorID, notes string) error {
	return s.closeError(ctx, errorID, ErrorStatusFailed, notes)
}

func (s *Store) closeError(ctx context.Context, errorID, status, notes string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pipeline_errors
		SET status = $2, next_retry_at = NULL, resolution_notes = $3, updated_at = $4
		WHERE error_id = $1`,
		errorID, status, notes, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("close pipeline error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// DueRetries returns scheduled retries whose fire time has passed, oldest
// first.
func (s *Store) DueRetries(ctx context.Context, now time.Time, limit int) ([]*PipelineError, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+errorColumns+`
		FROM pipeline_errors
		WHERE status = $1 AND next_retry_at IS NOT NULL AND next_retry_at <= $2
		ORDER BY next_retry_at
		LIMIT $3`,
		ErrorStatusRetrying, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectErrors(rows)
}

// HasActiveRetry reports whether a document's stage has a retry in flight
// other than excludeErrorID. First-attempt runs check this to yield to a
// pending asynchronous retry; the retry task passes its own error ID so it
// does not yield to itself.
func (s *Store) HasActiveRetry(ctx context.Context, docID, stageName, excludeErrorID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pipeline_errors
			WHERE document_id = $1 AND stage_name = $2 AND status = $3 AND error_id <> $4
		)`,
		docID, stageName, ErrorStatusRetrying, excludeErrorID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check active retry: %w", err)
	}
	return exists, nil
}

// ErrorFilter narrows ListErrors. Zero-valued fields are ignored.
type ErrorFilter struct {
	DocumentID string
	StageName  string
	Status     string
	Limit      int
}

// ListErrors returns errors matching the filter, newest first.
func (s *Store) ListErrors(ctx context.Context, f ErrorFilter) ([]*PipelineError, error) {
	var (
		clauses []string
		args    []any
	)
	add := func(column string, value string) {
		args = append(args, value)
		clauses = append(clauses, column+" = $"+strconv.Itoa(len(args)))
	}
	if f.DocumentID != "" {
		add("document_id", f.DocumentID)
	}
	if f.StageName != "" {
		add("stage_name", f.StageName)
	}
	if f.Status != "" {
		add("status", f.Status)
	}

	query := `SELECT ` + errorColumns + ` FROM pipeline_errors`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectErrors(rows)
}

func collectErrors(rows pgx.Rows) ([]*PipelineError, error) {
	var out []*PipelineError
	for rows.Next() {
		e, err := scanError(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PruneErrors deletes resolved and failed errors older than the horizon.
// Returns the number of rows removed.
func (s *Store) PruneErrors(ctx context.Context, horizon time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-horizon)
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM pipeline_errors
		WHERE status IN ($1, $2) AND updated_at < $3`,
		ErrorStatusResolved, ErrorStatusFailed, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune errors: %w", err)
	}
	return tag.RowsAffected(), nil
}
