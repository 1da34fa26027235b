// Package aiclient defines the embedding service abstraction and
// implementations. The HTTP client speaks an OpenAI-compatible embeddings
// API and makes exactly one attempt per call: retry scheduling is the
// pipeline's job, so failures surface immediately with their HTTP status
// attached for classification.
package aiclient

import (
	"context"
	"fmt"
)

// Client is the interface for embedding backends.
// Implementations must be safe for concurrent use.
type Client interface {
	// EmbedTexts returns one vector per input text, in input order.
	EmbedTexts(ctx context.Context, texts []string) ([][]float64, error)

	// EmbedImage returns the vector for a single image.
	EmbedImage(ctx context.Context, image []byte) ([]float64, error)

	// Name returns the client identifier (e.g. "http", "mock").
	Name() string
}

// Config holds configuration for creating a client.
type Config struct {
	// Endpoint is the API base URL.
	Endpoint string

	// APIKey is the bearer credential (empty for unauthenticated services).
	APIKey string

	// Model is the embedding model identifier.
	Model string

	// CustomHeaders are additional headers to send.
	CustomHeaders map[string]string

	// TimeoutSeconds is the per-request timeout (default 60).
	TimeoutSeconds int
}

// HTTPError is a non-2xx response from the embedding service. The status
// code drives error classification: 429 and 5xx are transient, other 4xx
// are permanent.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("embedding service returned %d: %s", e.Status, e.Body)
}

// HTTPStatusCode returns the response status.
func (e *HTTPError) HTTPStatusCode() int { return e.Status }
