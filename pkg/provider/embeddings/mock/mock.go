// Package mock provides a test double for the embeddings.Provider interface.
//
// Without a configured EmbedFunc the Provider produces a deterministic
// bag-of-words vector: every lower-cased word is hashed into one of Dims
// buckets and the result is L2-normalised. Texts sharing words therefore have
// a higher cosine similarity, which is enough to exercise ranking in tests.
package mock

import (
	"context"
	"hash/fnv"
	"math"
	"slices"
	"strings"
	"sync"
	"unicode"

	"github.com/MrWong99/tometo/pkg/provider/embeddings"
)

// DefaultDims is the vector length used when Dims is zero.
const DefaultDims = 64

// Provider is a mock implementation of embeddings.Provider.
type Provider struct {
	mu sync.Mutex

	// Dims is the vector length. Zero means DefaultDims.
	Dims int

	// EmbedFunc overrides the default hashing embedder.
	EmbedFunc func(text string) []float32

	// Err, if non-nil, is returned by Embed and EmbedBatch.
	Err error

	// Model is returned by ModelID.
	Model string

	// EmbedCalls records every text passed to Embed.
	EmbedCalls []string

	// BatchCalls records every slice passed to EmbedBatch.
	BatchCalls [][]string
}

var _ embeddings.Provider = (*Provider)(nil)

// Embed records text and returns its vector.
func (p *Provider) Embed(_ context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	p.EmbedCalls = append(p.EmbedCalls, text)
	err := p.Err
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return p.vector(text), nil
}

// EmbedBatch records texts and returns one vector per text.
func (p *Provider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	p.BatchCalls = append(p.BatchCalls, slices.Clone(texts))
	err := p.Err
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = p.vector(t)
	}
	return out, nil
}

// Dimensions returns Dims or DefaultDims.
func (p *Provider) Dimensions() int {
	if p.Dims > 0 {
		return p.Dims
	}
	return DefaultDims
}

// ModelID returns Model or "mock-embed".
func (p *Provider) ModelID() string {
	if p.Model == "" {
		return "mock-embed"
	}
	return p.Model
}

// Batches returns the number of EmbedBatch calls.
func (p *Provider) Batches() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.BatchCalls)
}

func (p *Provider) vector(text string) []float32 {
	if p.EmbedFunc != nil {
		return p.EmbedFunc(text)
	}
	v := make([]float32, p.Dimensions())
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		h := fnv.New32a()
		h.Write([]byte(w))
		v[int(h.Sum32())%len(v)]++
	}
	var norm float64
	for _, x := range v {
		norm += float64(x * x)
	}
	if norm == 0 {
		return v
	}
	n := float32(math.Sqrt(norm))
	for i := range v {
		v[i] /= n
	}
	return v
}
