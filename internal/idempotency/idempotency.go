// Package idempotency decides whether a stage needs to run by comparing
// the hash of its canonical input against the completion marker left by
// the previous run.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"go.uber.org/zap"

	"github.com/marcus-qen/librarius/internal/store"
)

// Hash returns the lowercase hex sha256 of a stage's canonical input
// bytes. This is the data_hash stored in completion markers.
func Hash(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// Decision is the outcome of a marker check.
type Decision int

const (
	// Execute means no marker exists; run the stage.
	Execute Decision = iota
	// SkipUnchanged means the marker matches the current input hash; the
	// previous output is still valid.
	SkipUnchanged
	// ExecuteAfterCleanup means a marker exists for a different input
	// hash; stale outputs must be removed before the stage runs again.
	ExecuteAfterCleanup
)

func (d Decision) String() string {
	switch d {
	case Execute:
		return "execute"
	case SkipUnchanged:
		return "skip_unchanged"
	case ExecuteAfterCleanup:
		return "execute_after_cleanup"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// MarkerStore is the slice of the relational store the checker needs.
// *store.Store satisfies it.
type MarkerStore interface {
	GetMarker(ctx context.Context, documentID, stageName string) (*store.CompletionMarker, error)
	SetMarker(ctx context.Context, m *store.CompletionMarker) error
	DeleteMarker(ctx context.Context, documentID, stageName string) error
}

// Checker runs the marker protocol for stage runs.
type Checker struct {
	markers MarkerStore
	logger  *zap.Logger
}

// NewChecker builds a Checker over a marker store.
func NewChecker(markers MarkerStore, logger *zap.Logger) *Checker {
	return &Checker{markers: markers, logger: logger.Named("idempotency")}
}

// Check compares the stored marker for (document, stage) against the
// current input hash and says what the runner should do.
func (c *Checker) Check(ctx context.Context, documentID, stageName, dataHash string) (Decision, error) {
	m, err := c.markers.GetMarker(ctx, documentID, stageName)
	if err != nil {
		if store.IsNotFound(err) {
			return Execute, nil
		}
		return Execute, fmt.Errorf("load marker: %w", err)
	}
	if m.DataHash == dataHash {
		return SkipUnchanged, nil
	}
	c.logger.Debug("marker stale",
		zap.String("document_id", documentID),
		zap.String("stage", stageName),
		zap.String("stored_hash", m.DataHash),
		zap.String("current_hash", dataHash))
	return ExecuteAfterCleanup, nil
}

// Complete records a successful run. The marker write also flips the
// stage status to completed inside the store's transaction.
func (c *Checker) Complete(ctx context.Context, documentID, stageName, dataHash string, metadata map[string]any) error {
	return c.markers.SetMarker(ctx, &store.CompletionMarker{
		DocumentID: documentID,
		StageName:  stageName,
		DataHash:   dataHash,
		Metadata:   metadata,
	})
}

// Invalidate drops the marker so the next run executes unconditionally.
// Called as part of stale-output cleanup.
func (c *Checker) Invalidate(ctx context.Context, documentID, stageName string) error {
	return c.markers.DeleteMarker(ctx, documentID, stageName)
}
