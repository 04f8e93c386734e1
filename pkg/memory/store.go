// Package memory defines the long-term memory surface behind the remember
// and recall tools: a vector store of embedded text snippets.
//
// Implementations must be safe for concurrent use.
package memory

import (
	"context"
	"time"
)

// Entry is one remembered snippet with its pre-computed embedding.
type Entry struct {
	// ID uniquely identifies the entry (a UUID).
	ID string

	// Content is the remembered text.
	Content string

	// Category is an optional free-form grouping ("person", "place", …).
	Category string

	// Embedding is the vector representation of Content. Its dimension
	// must match the store configuration.
	Embedding []float32

	CreatedAt time.Time
}

// Result is one recall hit, most similar first.
type Result struct {
	Entry

	// Distance is the cosine distance to the query embedding; smaller is
	// closer.
	Distance float64
}

// Store persists entries and retrieves them by embedding similarity.
type Store interface {
	// Remember upserts one entry.
	Remember(ctx context.Context, entry Entry) error

	// Recall returns the limit entries closest to the query embedding,
	// ordered by ascending distance.
	Recall(ctx context.Context, embedding []float32, limit int) ([]Result, error)

	// Close releases the store's resources.
	Close()
}

// Embedder turns text into the vector space the store indexes.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
