// Package vectorstore defines the embedding-collection contract used by
// Memory's interaction and reflection stores, plus two backends: a
// Qdrant-backed Collection for production use and a SQLite-backed
// in-process fallback for offline and test use.
package vectorstore

import "context"

// Record is one document stored in a Collection: an embedding vector,
// the document text it was computed from, and free-form string
// metadata.
type Record struct {
	ID        string
	Embedding []float32
	Document  string
	Metadata  map[string]string
}

// QueryResult is one hit from Query, ordered nearest-first.
type QueryResult struct {
	ID       string
	Document string
	Metadata map[string]string
	Distance float64
}

// Collection is the contract both backends satisfy. It intentionally
// carries nothing provider-specific: no gRPC types, no SQL, nothing
// that would leak past this package boundary.
type Collection interface {
	// Add inserts or overwrites the record at id.
	Add(ctx context.Context, id string, embedding []float32, document string, metadata map[string]string) error

	// Query returns the n nearest records to embedding, nearest first.
	Query(ctx context.Context, embedding []float32, n int) ([]QueryResult, error)

	// Get returns every record currently in the collection.
	Get(ctx context.Context) ([]Record, error)

	// Persist flushes any buffered state to durable storage. Safe to
	// call on backends that are already fully durable per write.
	Persist(ctx context.Context) error
}
