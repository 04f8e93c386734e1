// Package mock provides in-memory test doubles for the memory interfaces.
package mock

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/nevil-robotics/nevil/pkg/memory"
)

var _ memory.Store = (*Store)(nil)

// Store keeps entries in a map and ranks recall by exact cosine distance.
type Store struct {
	mu      sync.Mutex
	entries map[string]memory.Entry

	// RememberErr and RecallErr, when set, are returned by the respective
	// methods.
	RememberErr error
	RecallErr   error
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{entries: make(map[string]memory.Entry)}
}

// Remember implements [memory.Store].
func (s *Store) Remember(_ context.Context, entry memory.Entry) error {
	if s.RememberErr != nil {
		return s.RememberErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.ID] = entry
	return nil
}

// Recall implements [memory.Store].
func (s *Store) Recall(_ context.Context, embedding []float32, limit int) ([]memory.Result, error) {
	if s.RecallErr != nil {
		return nil, s.RecallErr
	}
	if limit <= 0 {
		limit = 5
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	results := make([]memory.Result, 0, len(s.entries))
	for _, e := range s.entries {
		results = append(results, memory.Result{
			Entry:    e,
			Distance: cosineDistance(embedding, e.Embedding),
		})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Distance < results[j].Distance })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Len returns how many entries are stored.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close implements [memory.Store].
func (s *Store) Close() {}

// Embedder returns a fixed vector per call, or an error.
type Embedder struct {
	Vector []float32
	Err    error
}

var _ memory.Embedder = (*Embedder)(nil)

// Embed implements [memory.Embedder].
func (e *Embedder) Embed(context.Context, string) ([]float32, error) {
	if e.Err != nil {
		return nil, e.Err
	}
	if e.Vector != nil {
		return e.Vector, nil
	}
	return []float32{1, 0, 0}, nil
}

func cosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 2
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 2
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}
