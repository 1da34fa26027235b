package store

import (
	"context"
	"fmt"
	"time"

	"github.com/marcus-qen/librarius/internal/stage"
)

// SaveArtifact appends one row to a stage's output arena. Implements
// stage.ArtifactStore.
func (s *Store) SaveArtifact(ctx context.Context, a stage.Artifact) error {
	payload := a.Payload
	if len(payload) == 0 {
		payload = []byte(`{}`)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO stage_artifacts (document_id, stage_name, kind, payload, object_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		a.DocumentID, a.Stage, a.Kind, []byte(payload), a.ObjectKey, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

// ListArtifacts returns a stage's artifacts for a document in insertion
// order.
func (s *Store) ListArtifacts(ctx context.Context, documentID, stageName string) ([]stage.Artifact, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT document_id, stage_name, kind, payload, object_key
		FROM stage_artifacts
		WHERE document_id = $1 AND stage_name = $2
		ORDER BY id`, documentID, stageName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var artifacts []stage.Artifact
	for rows.Next() {
		var a stage.Artifact
		var payload []byte
		if err := rows.Scan(&a.DocumentID, &a.Stage, &a.Kind, &payload, &a.ObjectKey); err != nil {
			return nil, err
		}
		a.Payload = payload
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

// DeleteArtifacts clears a stage's output arena for a document and reports
// how many rows went away.
func (s *Store) DeleteArtifacts(ctx context.Context, documentID, stageName string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM stage_artifacts
		WHERE document_id = $1 AND stage_name = $2`, documentID, stageName)
	if err != nil {
		return 0, fmt.Errorf("delete artifacts: %w", err)
	}
	return tag.RowsAffected(), nil
}
