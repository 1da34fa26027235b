// Package stage defines the pipeline's processing vocabulary: the closed
// set of fifteen stage names, the contract every stage implementation
// satisfies, the static dependency graph between stages, and the registry
// that binds names to implementations.
package stage

import (
	"context"
	"encoding/json"

	"github.com/marcus-qen/librarius/internal/correlation"
)

// The fifteen stage names. The declaration order here is the registry
// order and breaks ties between stages at the same graph depth.
const (
	Upload             = "upload"
	TextExtraction     = "text_extraction"
	TableExtraction    = "table_extraction"
	SVGProcessing      = "svg_processing"
	ImageProcessing    = "image_processing"
	LinkExtraction     = "link_extraction"
	ChunkPrep          = "chunk_prep"
	Classification     = "classification"
	MetadataExtraction = "metadata_extraction"
	PartsExtraction    = "parts_extraction"
	SeriesDetection    = "series_detection"
	VisualEmbedding    = "visual_embedding"
	Embedding          = "embedding"
	Storage            = "storage"
	SearchIndexing     = "search_indexing"
)

// Names lists all stage names in registry order.
func Names() []string {
	return []string{
		Upload,
		TextExtraction,
		TableExtraction,
		SVGProcessing,
		ImageProcessing,
		LinkExtraction,
		ChunkPrep,
		Classification,
		MetadataExtraction,
		PartsExtraction,
		SeriesDetection,
		VisualEmbedding,
		Embedding,
		Storage,
		SearchIndexing,
	}
}

// Per-document stage statuses persisted in the documents.stage_status column.
const (
	StatusNotStarted = "not_started"
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusSkipped    = "skipped"
)

// Document is the read-only view of a document a stage may consume: the
// identity key plus the immutable pointer to its source bytes. The checksum
// is computed at registration time, so canonical inputs change whenever the
// source bytes do.
type Document struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	SourceKey      string `json:"source_key"`
	ContentType    string `json:"content_type"`
	SourceChecksum string `json:"source_checksum"`
}

// Output is what a stage produces: a JSON payload persisted as a stage
// artifact plus the object-store keys the stage wrote under its prefix.
type Output struct {
	Stage      string          `json:"stage"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	ObjectKeys []string        `json:"object_keys,omitempty"`
}

// Context carries one stage invocation's inputs. It is built per attempt
// and never mutated by the stage body; Outputs is a read-only view of the
// prerequisite results available within the request.
type Context struct {
	Document      Document
	RequestID     string
	Stage         string
	RetryAttempt  int
	CorrelationID correlation.ID
	Outputs       map[string]Output
	WorkDir       string
}

// Output returns the recorded output of a prerequisite stage.
func (c *Context) Output(name string) (Output, bool) {
	out, ok := c.Outputs[name]
	return out, ok
}

// Stage is the uniform contract every pipeline stage implements.
//
// CanonicalInput must be deterministic over the declared input (document
// fields plus prerequisite outputs): byte-identical input yields
// byte-identical serialization. Execute may touch the outside world only
// through the adapters the implementation was constructed with. Cleanup
// deletes the stage's namespaced outputs and is idempotent.
type Stage interface {
	Name() string
	CanonicalInput(pctx *Context) ([]byte, error)
	Execute(ctx context.Context, pctx *Context) (Output, error)
	Cleanup(ctx context.Context, documentID string) error
}

// ObjectStore is the slice of the object-store adapter the stage
// implementations consume. Keys are bucket-relative.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
	DeletePrefix(ctx context.Context, prefix string) error
}

// AIClient is the slice of the AI-service adapter the enrichment stages
// consume. Implementations surface HTTP status codes on failure so the
// retry layer can classify them.
type AIClient interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float64, error)
	EmbedImage(ctx context.Context, image []byte) ([]float64, error)
}

// Artifact is one persisted row of a stage's output arena. Cleanup of a
// stage is a delete over its (document, stage) artifact namespace plus its
// object-store prefix.
type Artifact struct {
	DocumentID string          `json:"document_id"`
	Stage      string          `json:"stage"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	ObjectKey  string          `json:"object_key,omitempty"`
}

// ArtifactStore is the slice of the relational store the stage
// implementations consume for their output arena.
type ArtifactStore interface {
	SaveArtifact(ctx context.Context, a Artifact) error
	ListArtifacts(ctx context.Context, documentID, stage string) ([]Artifact, error)
	DeleteArtifacts(ctx context.Context, documentID, stage string) (int64, error)
}

// DocumentPrefix returns the object-store prefix owning everything the
// pipeline stores for one document.
func DocumentPrefix(documentID string) string {
	return "docs/" + documentID + "/"
}

// OutputPrefix returns the object-store prefix owning one stage's outputs
// for one document, keeping cleanup targets trivially addressable.
func OutputPrefix(documentID, stage string) string {
	return DocumentPrefix(documentID) + "stages/" + stage + "/"
}
