package retrieval

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"
	"sync"
)

// Hit is a search result. Score is the cosine similarity to the query, higher
// is closer.
type Hit struct {
	Chunk Chunk
	Score float64
}

// Index stores embedded chunks and answers nearest-neighbour queries.
// Implementations must be safe for concurrent use.
type Index interface {
	// Upsert stores chunks, replacing any with the same ID.
	Upsert(ctx context.Context, chunks []Chunk) error

	// Search returns up to k chunks ordered by descending similarity.
	Search(ctx context.Context, embedding []float32, k int) ([]Hit, error)

	// Len returns the number of stored chunks.
	Len(ctx context.Context) (int, error)
}

// MemoryIndex is an exhaustive in-process cosine index.
type MemoryIndex struct {
	mu     sync.RWMutex
	byID   map[string]int
	chunks []Chunk
}

var _ Index = (*MemoryIndex)(nil)

// NewMemoryIndex returns an empty MemoryIndex.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{byID: make(map[string]int)}
}

// Upsert implements Index.
func (m *MemoryIndex) Upsert(_ context.Context, chunks []Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range chunks {
		if len(c.Embedding) == 0 {
			return fmt.Errorf("retrieval: chunk %s has no embedding", c.ID)
		}
		if i, ok := m.byID[c.ID]; ok {
			m.chunks[i] = c
			continue
		}
		m.byID[c.ID] = len(m.chunks)
		m.chunks = append(m.chunks, c)
	}
	return nil
}

// Search implements Index.
func (m *MemoryIndex) Search(_ context.Context, embedding []float32, k int) ([]Hit, error) {
	if k <= 0 {
		return nil, nil
	}
	m.mu.RLock()
	hits := make([]Hit, 0, len(m.chunks))
	for _, c := range m.chunks {
		hits = append(hits, Hit{Chunk: c, Score: cosine(embedding, c.Embedding)})
	}
	m.mu.RUnlock()

	slices.SortStableFunc(hits, func(a, b Hit) int { return cmp.Compare(b.Score, a.Score) })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Len implements Index.
func (m *MemoryIndex) Len(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.chunks), nil
}

// cosine returns the cosine similarity of a and b, or 0 when the lengths
// differ or either vector is zero.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
