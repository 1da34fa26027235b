package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrBaselineExists is returned when storing a baseline that already
// exists without the force flag.
var ErrBaselineExists = errors.New("baseline already exists")

// PerformanceBaseline is a recorded set of timing metrics for one test,
// document, and code revision.
type PerformanceBaseline struct {
	TestName     string             `json:"test_name"`
	DocumentName string             `json:"document_name"`
	RevisionID   string             `json:"revision_id"`
	Environment  string             `json:"environment"`
	Metrics      map[string]float64 `json:"metrics"`
	CreatedAt    time.Time          `json:"created_at"`
}

// StoreBaseline inserts a baseline. An existing (test, document, revision)
// row is only replaced when force is set; otherwise ErrBaselineExists.
func (s *Store) StoreBaseline(ctx context.Context, b *PerformanceBaseline, force bool) error {
	b.CreatedAt = time.Now().UTC()
	metricsRaw, err := json.Marshal(b.Metrics)
	if err != nil {
		return fmt.Errorf("encode baseline metrics: %w", err)
	}

	query := `
		INSERT INTO performance_baselines (test_name, document_name, revision_id, environment, metrics, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (test_name, document_name, revision_id) DO NOTHING`
	if force {
		query = `
		INSERT INTO performance_baselines (test_name, document_name, revision_id, environment, metrics, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (test_name, document_name, revision_id) DO UPDATE
		SET environment = EXCLUDED.environment,
		    metrics = EXCLUDED.metrics,
		    created_at = EXCLUDED.created_at`
	}

	tag, err := s.pool.Exec(ctx, query,
		b.TestName, b.DocumentName, b.RevisionID, b.Environment, metricsRaw, b.CreatedAt)
	if err != nil {
		return fmt.Errorf("store baseline: %w", err)
	}
	if !force && tag.RowsAffected() == 0 {
		return ErrBaselineExists
	}
	return nil
}

func scanBaseline(sc scanner) (*PerformanceBaseline, error) {
	var b PerformanceBaseline
	var metricsRaw []byte
	err := sc.Scan(&b.TestName, &b.DocumentName, &b.RevisionID, &b.Environment, &metricsRaw, &b.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(metricsRaw, &b.Metrics); err != nil {
		return nil, fmt.Errorf("decode baseline metrics: %w", err)
	}
	return &b, nil
}

// GetBaseline loads one baseline by its natural key.
func (s *Store) GetBaseline(ctx context.Context, testName, documentName, revisionID string) (*PerformanceBaseline, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT test_name, document_name, revision_id, environment, metrics, created_at
		FROM performance_baselines
		WHERE test_name = $1 AND document_name = $2 AND revision_id = $3`,
		testName, documentName, revisionID)
	return scanBaseline(row)
}

// ListBaselines returns every baseline for a test, newest first.
func (s *Store) ListBaselines(ctx context.Context, testName string) ([]*PerformanceBaseline, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT test_name, document_name, revision_id, environment, metrics, created_at
		FROM performance_baselines
		WHERE test_name = $1
		ORDER BY created_at DESC`, testName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PerformanceBaseline
	for rows.Next() {
		b, err := scanBaseline(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
