package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/marcus-qen/librarius/internal/stage"
)

// Document is a registered document and the status of every pipeline stage
// for it. StageStatus maps stage name to one of the stage.Status* values.
type Document struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	SourceKey      string            `json:"source_key"`
	ContentType    string            `json:"content_type"`
	SourceChecksum string            `json:"source_checksum"`
	StageStatus    map[string]string `json:"stage_status"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(sc scanner) (*Document, error) {
	var doc Document
	var statusRaw []byte
	err := sc.Scan(&doc.ID, &doc.Name, &doc.SourceKey, &doc.ContentType,
		&doc.SourceChecksum, &statusRaw, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(statusRaw, &doc.StageStatus); err != nil {
		return nil, fmt.Errorf("decode stage status: %w", err)
	}
	return &doc, nil
}

const documentColumns = `id, name, source_key, content_type, source_checksum, stage_status, created_at, updated_at`

// CreateDocument registers a document. Every known stage starts out
// not_started so status reads never have to guess at missing keys. A
// missing ID is generated.
func (s *Store) CreateDocument(ctx context.Context, doc *Document) error {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.StageStatus == nil {
		doc.StageStatus = make(map[string]string, len(stage.Names()))
	}
	for _, name := range stage.Names() {
		if _, ok := doc.StageStatus[name]; !ok {
			doc.StageStatus[name] = stage.StatusNotStarted
		}
	}
	now := time.Now().UTC()
	doc.CreatedAt = now
	doc.UpdatedAt = now

	statusRaw, err := json.Marshal(doc.StageStatus)
	if err != nil {
		return fmt.Errorf("encode stage status: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO documents (id, name, source_key, content_type, source_checksum, stage_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		doc.ID, doc.Name, doc.SourceKey, doc.ContentType, doc.SourceChecksum,
		statusRaw, doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// GetDocument loads a document by ID.
func (s *Store) GetDocument(ctx context.Context, id string) (*Document, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = $1`, id)
	return scanDocument(row)
}

// ListDocuments returns all documents ordered by creation time.
func (s *Store) ListDocuments(ctx context.Context) ([]*Document, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+documentColumns+` FROM documents ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// DeleteDocument removes a document. Markers and artifacts cascade.
func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// SetStageStatus updates one stage's status inside the document's status
// map without rewriting the rest of the map.
func (s *Store) SetStageStatus(ctx context.Context, docID, stageName, status string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE documents
		SET stage_status = jsonb_set(stage_status, ARRAY[$2], to_jsonb($3::text), true),
		    updated_at = $4
		WHERE id = $1`,
		docID, stageName, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set stage status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// GetStageStatus returns one stage's status. Stages never touched report
// not_started.
func (s *Store) GetStageStatus(ctx context.Context, docID, stageName string) (string, error) {
	var status *string
	err := s.pool.QueryRow(ctx,
		`SELECT stage_status->>$2 FROM documents WHERE id = $1`, docID, stageName).Scan(&status)
	if err != nil {
		return "", err
	}
	if status == nil || *status == "" {
		return stage.StatusNotStarted, nil
	}
	return *status, nil
}

// ReconcileStaleInProgress flips in_progress stages back to pending on
// documents that have not been touched since the cutoff. Crashed runners
// leave stages stuck in_progress; the maintenance sweep calls this so the
// next orchestrator pass can pick them up again. Returns the number of
// documents repaired.
func (s *Store) ReconcileStaleInProgress(ctx context.Context, horizon time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-horizon)
	tag, err := s.pool.Exec(ctx, `
		UPDATE documents
		SET stage_status = (
			SELECT COALESCE(jsonb_object_agg(key, CASE WHEN value = 'in_progress' THEN 'pending' ELSE value END), '{}'::jsonb)
			FROM jsonb_each_text(stage_status)
		), updated_at = $2
		WHERE updated_at < $1
		  AND EXISTS (SELECT 1 FROM jsonb_each_text(stage_status) WHERE value = 'in_progress')`,
		cutoff, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("reconcile stale stages: %w", err)
	}
	n := int(tag.RowsAffected())
	if n > 0 {
		s.logger.Info("reset stale in_progress stages", zap.Int("documents", n))
	}
	return n, nil
}
