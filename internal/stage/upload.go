package stage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// UploadPayload is the upload stage's recorded output. Every extraction
// stage reads the normalized source object through it.
type UploadPayload struct {
	ObjectKey   string `json:"object_key"`
	Size        int64  `json:"size"`
	Checksum    string `json:"checksum"`
	ContentType string `json:"content_type"`
}

// uploadStage verifies the registered source bytes and normalizes them to a
// stable per-document object key that downstream stages read from.
type uploadStage struct {
	deps Deps
}

func (s *uploadStage) Name() string { return Upload }

func (s *uploadStage) CanonicalInput(pctx *Context) ([]byte, error) {
	return marshalCanonical(struct {
		Stage          string `json:"stage"`
		DocumentID     string `json:"document_id"`
		SourceKey      string `json:"source_key"`
		ContentType    string `json:"content_type"`
		SourceChecksum string `json:"source_checksum"`
	}{s.Name(), pctx.Document.ID, pctx.Document.SourceKey, pctx.Document.ContentType, pctx.Document.SourceChecksum})
}

func (s *uploadStage) Execute(ctx context.Context, pctx *Context) (Output, error) {
	doc := pctx.Document
	data, err := s.deps.Objects.Get(ctx, doc.SourceKey)
	if err != nil {
		return Output{}, fmt.Errorf("read source %s: %w", doc.SourceKey, err)
	}

	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])
	if doc.SourceChecksum != "" && checksum != doc.SourceChecksum {
		return Output{}, Errorf(CodeValidation,
			"source checksum mismatch for %s: stored %s, computed %s", doc.ID, doc.SourceChecksum, checksum)
	}

	key := OutputPrefix(doc.ID, s.Name()) + "source.bin"
	if err := s.deps.Objects.Put(ctx, key, data, doc.ContentType); err != nil {
		return Output{}, fmt.Errorf("write normalized source: %w", err)
	}

	payload := UploadPayload{
		ObjectKey:   key,
		Size:        int64(len(data)),
		Checksum:    checksum,
		ContentType: doc.ContentType,
	}
	return saveOutput(ctx, s.deps, doc.ID, s.Name(), "source", payload, key)
}

func (s *uploadStage) Cleanup(ctx context.Context, documentID string) error {
	return cleanupNamespace(ctx, s.deps, documentID, s.Name())
}
