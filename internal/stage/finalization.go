package stage

import (
	"context"
	"encoding/json"
	"fmt"
)

// StorageManifest consolidates the asset references every extraction stage
// produced, giving downstream consumers one stable entry point.
type StorageManifest struct {
	DocumentID string   `json:"document_id"`
	Tables     string   `json:"tables,omitempty"`
	SVGs       []string `json:"svgs,omitempty"`
	Images     []string `json:"images,omitempty"`
	AssetCount int      `json:"asset_count"`
}

// StoragePayload is the storage output.
type StoragePayload struct {
	ManifestKey string `json:"manifest_key"`
	AssetCount  int    `json:"asset_count"`
}

// IndexDocument is the search-index record search_indexing assembles.
type IndexDocument struct {
	DocumentID     string        `json:"document_id"`
	Parts          []string      `json:"parts"`
	Series         []SeriesGroup `json:"series"`
	EmbeddingsKey  string        `json:"embeddings_key"`
	EmbeddedChunks int           `json:"embedded_chunks"`
	ManifestKey    string        `json:"manifest_key"`
}

// IndexPayload is the search_indexing output.
type IndexPayload struct {
	IndexKey       string `json:"index_key"`
	PartCount      int    `json:"part_count"`
	SeriesCount    int    `json:"series_count"`
	EmbeddedChunks int    `json:"embedded_chunks"`
}

// --- storage ---

type storageStage struct {
	deps Deps
}

func (s *storageStage) Name() string { return Storage }

func (s *storageStage) CanonicalInput(pctx *Context) ([]byte, error) {
	tables, err := prereqPayload(pctx, TableExtraction)
	if err != nil {
		return nil, err
	}
	svgs, err := prereqPayload(pctx, SVGProcessing)
	if err != nil {
		return nil, err
	}
	images, err := prereqPayload(pctx, ImageProcessing)
	if err != nil {
		return nil, err
	}
	return marshalCanonical(struct {
		Stage      string          `json:"stage"`
		DocumentID string          `json:"document_id"`
		Tables     json.RawMessage `json:"tables"`
		SVGs       json.RawMessage `json:"svgs"`
		Images     json.RawMessage `json:"images"`
	}{s.Name(), pctx.Document.ID, tables, svgs, images})
}

func (s *storageStage) Execute(ctx context.Context, pctx *Context) (Output, error) {
	var tables TablesPayload
	raw, err := prereqPayload(pctx, TableExtraction)
	if err != nil {
		return Output{}, err
	}
	if err := decodePayload(raw, &tables); err != nil {
		return Output{}, err
	}
	var svgs SVGPayload
	if raw, err = prereqPayload(pctx, SVGProcessing); err != nil {
		return Output{}, err
	}
	if err := decodePayload(raw, &svgs); err != nil {
		return Output{}, err
	}
	var images ImagesPayload
	if raw, err = prereqPayload(pctx, ImageProcessing); err != nil {
		return Output{}, err
	}
	if err := decodePayload(raw, &images); err != nil {
		return Output{}, err
	}

	manifest := StorageManifest{
		DocumentID: pctx.Document.ID,
		Tables:     tables.ObjectKey,
		SVGs:       svgs.ObjectKeys,
		Images:     images.ObjectKeys,
		AssetCount: 1 + len(svgs.ObjectKeys) + len(images.ObjectKeys),
	}
	encoded, err := json.Marshal(manifest)
	if err != nil {
		return Output{}, fmt.Errorf("encode manifest: %w", err)
	}
	key := OutputPrefix(pctx.Document.ID, s.Name()) + "manifest.json"
	if err := s.deps.Objects.Put(ctx, key, encoded, "application/json"); err != nil {
		return Output{}, fmt.Errorf("write manifest: %w", err)
	}

	payload := StoragePayload{ManifestKey: key, AssetCount: manifest.AssetCount}
	return saveOutput(ctx, s.deps, pctx.Document.ID, s.Name(), "storage_manifest", payload, key)
}

func (s *storageStage) Cleanup(ctx context.Context, documentID string) error {
	return cleanupNamespace(ctx, s.deps, documentID, s.Name())
}

// --- search_indexing ---

type searchIndexingStage struct {
	deps Deps
}

func (s *searchIndexingStage) Name() string { return SearchIndexing }

func (s *searchIndexingStage) CanonicalInput(pctx *Context) ([]byte, error) {
	parts, err := prereqPayload(pctx, PartsExtraction)
	if err != nil {
		return nil, err
	}
	series, err := prereqPayload(pctx, SeriesDetection)
	if err != nil {
		return nil, err
	}
	embeddings, err := prereqPayload(pctx, Embedding)
	if err != nil {
		return nil, err
	}
	storage, err := prereqPayload(pctx, Storage)
	if err != nil {
		return nil, err
	}
	return marshalCanonical(struct {
		Stage      string          `json:"stage"`
		DocumentID string          `json:"document_id"`
		Parts      json.RawMessage `json:"parts"`
		Series     json.RawMessage `json:"series"`
		Embeddings json.RawMessage `json:"embeddings"`
		Storage    json.RawMessage `json:"storage"`
	}{s.Name(), pctx.Document.ID, parts, series, embeddings, storage})
}

func (s *searchIndexingStage) Execute(ctx context.Context, pctx *Context) (Output, error) {
	var parts PartsPayload
	raw, err := prereqPayload(pctx, PartsExtraction)
	if err != nil {
		return Output{}, err
	}
	if err := decodePayload(raw, &parts); err != nil {
		return Output{}, err
	}
	var series SeriesPayload
	if raw, err = prereqPayload(pctx, SeriesDetection); err != nil {
		return Output{}, err
	}
	if err := decodePayload(raw, &series); err != nil {
		return Output{}, err
	}
	var embeddings EmbeddingsPayload
	if raw, err = prereqPayload(pctx, Embedding); err != nil {
		return Output{}, err
	}
	if err := decodePayload(raw, &embeddings); err != nil {
		return Output{}, err
	}
	var storage StoragePayload
	if raw, err = prereqPayload(pctx, Storage); err != nil {
		return Output{}, err
	}
	if err := decodePayload(raw, &storage); err != nil {
		return Output{}, err
	}

	doc := IndexDocument{
		DocumentID:     pctx.Document.ID,
		Parts:          parts.Parts,
		Series:         series.Series,
		EmbeddingsKey:  embeddings.ObjectKey,
		EmbeddedChunks: embeddings.VectorCount,
		ManifestKey:    storage.ManifestKey,
	}
	encoded, err := json.Marshal(doc)
	if err != nil {
		return Output{}, fmt.Errorf("encode index document: %w", err)
	}
	key := OutputPrefix(pctx.Document.ID, s.Name()) + "index.json"
	if err := s.deps.Objects.Put(ctx, key, encoded, "application/json"); err != nil {
		return Output{}, fmt.Errorf("write index document: %w", err)
	}

	payload := IndexPayload{
		IndexKey:       key,
		PartCount:      parts.PartCount,
		SeriesCount:    series.SeriesCount,
		EmbeddedChunks: embeddings.VectorCount,
	}
	return saveOutput(ctx, s.deps, pctx.Document.ID, s.Name(), "search_index", payload, key)
}

func (s *searchIndexingStage) Cleanup(ctx context.Context, documentID string) error {
	return cleanupNamespace(ctx, s.deps, documentID, s.Name())
}
