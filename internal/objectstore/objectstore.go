// Package objectstore provides the blob storage behind the pipeline:
// normalized sources, extracted text, chunk sets, embeddings, and the
// stage manifests all live under per-document key prefixes. Two
// implementations exist, an S3-compatible store for production and a
// map-backed store for tests and single-binary development.
package objectstore

import (
	"context"
	"errors"
)

// ErrNotFound reports a Get against a key that does not exist.
var ErrNotFound = errors.New("objectstore: object not found")

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Store is the object-store contract the pipeline consumes. Keys are
// bucket-relative; prefixes follow the docs/<document_id>/stages/<stage>/
// layout so one stage's outputs can be dropped without touching its
// neighbors.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
	DeletePrefix(ctx context.Context, prefix string) error
}
