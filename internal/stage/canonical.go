package stage

import (
	"context"
	"encoding/json"
	"fmt"
)

// marshalCanonical produces the deterministic serialization stage inputs
// are hashed over. encoding/json writes struct fields in declaration order
// and map keys sorted, so equal values always serialize identically.
func marshalCanonical(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize stage input: %w", err)
	}
	return b, nil
}

// prereqPayload pulls a prerequisite stage's payload out of the context.
// The orchestrator never dispatches a stage before its prerequisites, so a
// missing payload is a contract violation, not a retryable condition.
func prereqPayload(pctx *Context, name string) (json.RawMessage, error) {
	out, ok := pctx.Output(name)
	if !ok {
		return nil, Errorf(CodeValidation, "missing prerequisite output %q", name)
	}
	return out.Payload, nil
}

// decodePayload unmarshals a prerequisite payload into its typed form.
func decodePayload(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return WrapError(CodeValidation, err, "malformed prerequisite payload")
	}
	return nil
}

// cleanupNamespace deletes a stage's artifact rows and object prefix. Both
// deletes are idempotent, so re-running after a partial failure converges.
func cleanupNamespace(ctx context.Context, deps Deps, documentID, name string) error {
	if _, err := deps.Artifacts.DeleteArtifacts(ctx, documentID, name); err != nil {
		return fmt.Errorf("delete %s artifacts: %w", name, err)
	}
	if err := deps.Objects.DeletePrefix(ctx, OutputPrefix(documentID, name)); err != nil {
		return fmt.Errorf("delete %s objects: %w", name, err)
	}
	return nil
}

// saveOutput persists the stage's primary artifact row and assembles the
// Output the runner records.
func saveOutput(ctx context.Context, deps Deps, documentID, name, kind string, payload any, objectKeys ...string) (Output, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Output{}, fmt.Errorf("encode %s payload: %w", name, err)
	}
	objectKey := ""
	if len(objectKeys) > 0 {
		objectKey = objectKeys[0]
	}
	a := Artifact{
		DocumentID: documentID,
		Stage:      name,
		Kind:       kind,
		Payload:    raw,
		ObjectKey:  objectKey,
	}
	if err := deps.Artifacts.SaveArtifact(ctx, a); err != nil {
		return Output{}, fmt.Errorf("save %s artifact: %w", name, err)
	}
	return Output{Stage: name, Kind: kind, Payload: raw, ObjectKeys: objectKeys}, nil
}
