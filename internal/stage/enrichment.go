package stage

import (
	"context"
	"encoding/json"
	"fmt"
)

// maxEmbeddedImages bounds how many extracted images are embedded per
// document; anything beyond is recorded but not vectorized.
const maxEmbeddedImages = 16

// VisualEmbeddingsPayload is the visual_embedding output.
type VisualEmbeddingsPayload struct {
	ObjectKey   string `json:"object_key"`
	VectorCount int    `json:"vector_count"`
	Dimensions  int    `json:"dimensions"`
}

// EmbeddingsPayload is the embedding output consumed by search_indexing.
type EmbeddingsPayload struct {
	ObjectKey   string `json:"object_key"`
	VectorCount int    `json:"vector_count"`
	Dimensions  int    `json:"dimensions"`
	VisualCount int    `json:"visual_count"`
}

// --- visual_embedding ---

type visualEmbeddingStage struct {
	deps Deps
}

func (s *visualEmbeddingStage) Name() string { return VisualEmbedding }

func (s *visualEmbeddingStage) CanonicalInput(pctx *Context) ([]byte, error) {
	images, err := prereqPayload(pctx, ImageProcessing)
	if err != nil {
		return nil, err
	}
	return marshalCanonical(struct {
		Stage      string          `json:"stage"`
		DocumentID string          `json:"document_id"`
		Images     json.RawMessage `json:"images"`
	}{s.Name(), pctx.Document.ID, images})
}

func (s *visualEmbeddingStage) Execute(ctx context.Context, pctx *Context) (Output, error) {
	raw, err := prereqPayload(pctx, ImageProcessing)
	if err != nil {
		return Output{}, err
	}
	var ip ImagesPayload
	if err := decodePayload(raw, &ip); err != nil {
		return Output{}, err
	}

	keys := ip.ObjectKeys
	if len(keys) > maxEmbeddedImages {
		keys = keys[:maxEmbeddedImages]
	}

	vectors := make([][]float64, 0, len(keys))
	for _, key := range keys {
		img, err := s.deps.Objects.Get(ctx, key)
		if err != nil {
			return Output{}, fmt.Errorf("read image %s: %w", key, err)
		}
		vec, err := s.deps.AI.EmbedImage(ctx, img)
		if err != nil {
			return Output{}, fmt.Errorf("embed image %s: %w", key, err)
		}
		vectors = append(vectors, vec)
	}

	dims := 0
	if len(vectors) > 0 {
		dims = len(vectors[0])
	}

	encoded, err := json.Marshal(vectors)
	if err != nil {
		return Output{}, fmt.Errorf("encode visual embeddings: %w", err)
	}
	key := OutputPrefix(pctx.Document.ID, s.Name()) + "visual_embeddings.json"
	if err := s.deps.Objects.Put(ctx, key, encoded, "application/json"); err != nil {
		return Output{}, fmt.Errorf("write visual embeddings: %w", err)
	}

	payload := VisualEmbeddingsPayload{ObjectKey: key, VectorCount: len(vectors), Dimensions: dims}
	return saveOutput(ctx, s.deps, pctx.Document.ID, s.Name(), "visual_embeddings", payload, key)
}

func (s *visualEmbeddingStage) Cleanup(ctx context.Context, documentID string) error {
	return cleanupNamespace(ctx, s.deps, documentID, s.Name())
}

// --- embedding ---

type embeddingStage struct {
	deps Deps
}

func (s *embeddingStage) Name() string { return Embedding }

func (s *embeddingStage) CanonicalInput(pctx *Context) ([]byte, error) {
	meta, err := prereqPayload(pctx, MetadataExtraction)
	if err != nil {
		return nil, err
	}
	visual, err := prereqPayload(pctx, VisualEmbedding)
	if err != nil {
		return nil, err
	}
	return marshalCanonical(struct {
		Stage      string          `json:"stage"`
		DocumentID string          `json:"document_id"`
		Metadata   json.RawMessage `json:"metadata"`
		Visual     json.RawMessage `json:"visual"`
	}{s.Name(), pctx.Document.ID, meta, visual})
}

func (s *embeddingStage) Execute(ctx context.Context, pctx *Context) (Output, error) {
	metaRaw, err := prereqPayload(pctx, MetadataExtraction)
	if err != nil {
		return Output{}, err
	}
	var meta MetadataPayload
	if err := decodePayload(metaRaw, &meta); err != nil {
		return Output{}, err
	}
	visualRaw, err := prereqPayload(pctx, VisualEmbedding)
	if err != nil {
		return Output{}, err
	}
	var visual VisualEmbeddingsPayload
	if err := decodePayload(visualRaw, &visual); err != nil {
		return Output{}, err
	}

	chunks, err := loadChunks(ctx, s.deps, meta.ObjectKey)
	if err != nil {
		return Output{}, err
	}

	var vectors [][]float64
	if len(chunks) > 0 {
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Text
		}
		vectors, err = s.deps.AI.EmbedTexts(ctx, texts)
		if err != nil {
			return Output{}, fmt.Errorf("embed %d chunks: %w", len(texts), err)
		}
		if len(vectors) != len(texts) {
			return Output{}, Errorf(CodeValidation,
				"embedding count mismatch: sent %d texts, got %d vectors", len(texts), len(vectors))
		}
	}

	dims := 0
	if len(vectors) > 0 {
		dims = len(vectors[0])
	}

	encoded, err := json.Marshal(vectors)
	if err != nil {
		return Output{}, fmt.Errorf("encode embeddings: %w", err)
	}
	key := OutputPrefix(pctx.Document.ID, s.Name()) + "embeddings.json"
	if err := s.deps.Objects.Put(ctx, key, encoded, "application/json"); err != nil {
		return Output{}, fmt.Errorf("write embeddings: %w", err)
	}

	payload := EmbeddingsPayload{
		ObjectKey:   key,
		VectorCount: len(vectors),
		Dimensions:  dims,
		VisualCount: visual.VectorCount,
	}
	return saveOutput(ctx, s.deps, pctx.Document.ID, s.Name(), "embeddings", payload, key)
}

func (s *embeddingStage) Cleanup(ctx context.Context, documentID string) error {
	return cleanupNamespace(ctx, s.deps, documentID, s.Name())
}
