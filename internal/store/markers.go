package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/marcus-qen/librarius/internal/stage"
)

// CompletionMarker records that a stage completed for a specific input
// hash. Idempotency checks compare the stored hash against the hash of the
// stage's canonical input.
type CompletionMarker struct {
	DocumentID  string         `json:"document_id"`
	StageName   string         `json:"stage_name"`
	DataHash    string         `json:"data_hash"`
	CompletedAt time.Time      `json:"completed_at"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

func scanMarker(sc scanner) (*CompletionMarker, error) {
	var m CompletionMarker
	var metaRaw []byte
	err := sc.Scan(&m.DocumentID, &m.StageName, &m.DataHash, &m.CompletedAt, &metaRaw)
	if err != nil {
		return nil, err
	}
	if len(metaRaw) > 0 {
		if err := json.Unmarshal(metaRaw, &m.Metadata); err != nil {
			return nil, fmt.Errorf("decode marker metadata: %w", err)
		}
	}
	return &m, nil
}

// GetMarker loads the completion marker for a document and stage.
func (s *Store) GetMarker(ctx context.Context, docID, stageName string) (*CompletionMarker, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT document_id, stage_name, data_hash, completed_at, metadata
		FROM stage_completion_markers
		WHERE document_id = $1 AND stage_name = $2`, docID, stageName)
	return scanMarker(row)
}

// ListMarkers returns all markers for a document.
func (s *Store) ListMarkers(ctx context.Context, docID string) ([]*CompletionMarker, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT document_id, stage_name, data_hash, completed_at, metadata
		FROM stage_completion_markers
		WHERE document_id = $1
		ORDER BY stage_name`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markers []*CompletionMarker
	for rows.Next() {
		m, err := scanMarker(rows)
		if err != nil {
			return nil, err
		}
		markers = append(markers, m)
	}
	return markers, rows.Err()
}

// SetMarker upserts the completion marker and flips the document's stage
// status to completed in the same transaction. A crash between the two
// writes would leave a marker without a matching status, so they commit
// together or not at all.
func (s *Store) SetMarker(ctx context.Context, m *CompletionMarker) error {
	if m.CompletedAt.IsZero() {
		m.CompletedAt = time.Now().UTC()
	}
	metaRaw, err := json.Marshal(m.Metadata)
	if err != nil {
		return fmt.Errorf("encode marker metadata: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO stage_completion_markers (document_id, stage_name, data_hash, completed_at, metadata)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (document_id, stage_name) DO UPDATE
		SET data_hash = EXCLUDED.data_hash,
		    completed_at = EXCLUDED.completed_at,
		    metadata = EXCLUDED.metadata`,
		m.DocumentID, m.StageName, m.DataHash, m.CompletedAt, metaRaw)
	if err != nil {
		return fmt.Errorf("upsert marker: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE documents
		SET stage_status = jsonb_set(stage_status, ARRAY[$2], to_jsonb($3::text), true),
		    updated_at = $4
		WHERE id = $1`,
		m.DocumentID, m.StageName, stage.StatusCompleted, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark stage completed: %w", err)
	}

	return tx.Commit(ctx)
}

// DeleteMarker removes the marker for a document and stage. Missing
// markers are not an error; cleanup runs before re-execution and the
// marker may never have existed.
func (s *Store) DeleteMarker(ctx context.Context, docID, stageName string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM stage_completion_markers
		WHERE document_id = $1 AND stage_name = $2`, docID, stageName)
	return err
}
