// Package vectorstore provides similarity search and upsert over embedded
// text with metadata filters.
package vectorstore

import (
	"context"
	"errors"
)

// Sentinel errors for vector store operations.
var (
	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmptyDocuments indicates empty or nil documents.
	ErrEmptyDocuments = errors.New("empty or nil documents")

	// ErrCollectionNotFound is returned when a collection does not exist.
	ErrCollectionNotFound = errors.New("collection not found")

	// ErrConnectionFailed indicates the remote store is unreachable.
	ErrConnectionFailed = errors.New("failed to connect to vector store")
)

// Document is a unit of embedded text to be stored.
//
// Callers provide the embedding; the store never calls an embedding provider
// itself. Upserting a document whose ID already exists overwrites the stored
// entry, it never duplicates it.
type Document struct {
	// ID is the unique identifier for the document.
	ID string

	// Content is the text content of the document.
	Content string

	// Embedding is the precomputed vector for Content.
	Embedding []float32

	// Metadata contains key-value pairs used for filtering.
	// Common fields: type, session_id, document_id, message_id, role.
	Metadata map[string]string
}

// Candidate is a single ranked search result.
type Candidate struct {
	// ID is the stored document identifier.
	ID string

	// Content is the stored text.
	Content string

	// Distance is the cosine distance to the query vector (lower = closer).
	Distance float32

	// Metadata is the stored document metadata.
	Metadata map[string]string
}

// Filter is a conjunction of metadata conditions.
//
// Eq matches documents whose metadata value equals the given value.
// In matches documents whose metadata value is one of the given values.
// All conditions must hold.
type Filter struct {
	Eq map[string]string
	In map[string][]string
}

// Empty reports whether the filter has no conditions.
func (f Filter) Empty() bool {
	return len(f.Eq) == 0 && len(f.In) == 0
}

// Matches reports whether the given metadata satisfies every condition.
func (f Filter) Matches(metadata map[string]string) bool {
	for k, want := range f.Eq {
		if metadata[k] != want {
			return false
		}
	}
	for k, values := range f.In {
		got, ok := metadata[k]
		if !ok {
			return false
		}
		found := false
		for _, v := range values {
			if got == v {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Store is the interface for vector storage operations.
//
// Implementations:
//   - ChromemStore: embedded chromem-go (default)
//   - QdrantStore: external Qdrant gRPC client
type Store interface {
	// Upsert writes documents to the store. Existing IDs are overwritten.
	Upsert(ctx context.Context, docs []Document) error

	// Query performs nearest-neighbor search with the given query vector and
	// returns up to k candidates ordered by ascending distance. The filter is
	// a conjunction over metadata equality/membership; a zero Filter matches
	// everything.
	Query(ctx context.Context, vector []float32, k int, filter Filter) ([]Candidate, error)

	// Count returns the number of stored documents.
	Count(ctx context.Context) (int, error)

	// Close releases resources held by the store.
	Close() error
}
