package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/marcus-qen/librarius/internal/idempotency"
	"github.com/marcus-qen/librarius/internal/runner"
	"github.com/marcus-qen/librarius/internal/stage"
	"github.com/marcus-qen/librarius/internal/store"
)

// smartPrePass walks the graph in topological order and records a
// skipped_unchanged result for every stage whose stored completion marker
// still matches the hash of its current canonical input. A stage is only
// skippable when all its prerequisites are: once one stage must re-execute,
// hash chaining re-executes everything downstream of it, because the
// pre-pass can only hash against stored outputs.
func (o *Orchestrator) smartPrePass(ctx context.Context, e *execution) error {
	skippable := make(map[string]bool, len(e.order))

	for _, name := range e.order {
		if e.doc.StageStatus[name] != stage.StatusCompleted {
			continue
		}
		allSkippable := true
		for _, pre := range o.graph.Prerequisites(name) {
			if !skippable[pre] {
				allSkippable = false
				break
			}
		}
		if !allSkippable {
			continue
		}

		marker, err := o.store.GetMarker(ctx, e.doc.ID, name)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !store.IsNotFound(err) {
				o.logger.Warn("marker lookup failed, stage will re-execute",
					zap.String("document_id", e.doc.ID),
					zap.String("stage", name),
					zap.Error(err))
			}
			continue
		}

		out, err := o.loadStoredOutput(ctx, e.doc.ID, name)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			o.logger.Warn("stored output missing for completed stage, re-executing",
				zap.String("document_id", e.doc.ID),
				zap.String("stage", name),
				zap.Error(err))
			continue
		}

		canonical, err := o.canonicalOverStored(e, name)
		if err != nil {
			o.logger.Warn("canonical input unavailable, stage will re-execute",
				zap.String("document_id", e.doc.ID),
				zap.String("stage", name),
				zap.Error(err))
			continue
		}
		if idempotency.Hash(canonical) != marker.DataHash {
			continue
		}

		skippable[name] = true
		e.outputs[name] = out
		e.results[name] = StageResult{Status: runner.ResultSkippedUnchanged}
	}

	if len(skippable) > 0 {
		o.logger.Info("smart pre-pass",
			zap.String("document_id", e.doc.ID),
			zap.Int("unchanged", len(skippable)),
			zap.Int("to_execute", len(e.order)-len(skippable)))
	}
	return nil
}

// canonicalOverStored serializes a stage's canonical input from the
// document view and the stored outputs collected so far. Panics in stage
// code surface as errors so one bad stage cannot take the pre-pass down.
func (o *Orchestrator) canonicalOverStored(e *execution, name string) (canonical []byte, err error) {
	stg, lerr := o.registry.Lookup(name)
	if lerr != nil {
		return nil, lerr
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stage %s canonical input panicked: %v", name, r)
		}
	}()
	return stg.CanonicalInput(&stage.Context{
		Document: e.docView,
		Stage:    name,
		Outputs:  e.outputs,
	})
}

// loadStoredOutput reconstructs a stage's output from its last persisted
// artifact row. Stages write their primary artifact last, so the final row
// is the one dependents consume.
func (o *Orchestrator) loadStoredOutput(ctx context.Context, documentID, stageName string) (stage.Output, error) {
	rows, err := o.store.ListArtifacts(ctx, documentID, stageName)
	if err != nil {
		return stage.Output{}, fmt.Errorf("list artifacts for %s/%s: %w", documentID, stageName, err)
	}
	if len(rows) == 0 {
		return stage.Output{}, fmt.Errorf("no stored artifacts for %s/%s", documentID, stageName)
	}
	last := rows[len(rows)-1]
	out := stage.Output{
		Stage:   last.Stage,
		Kind:    last.Kind,
		Payload: last.Payload,
	}
	if last.ObjectKey != "" {
		out.ObjectKeys = []string{last.ObjectKey}
	}
	return out, nil
}
