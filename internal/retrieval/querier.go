package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/tometo/pkg/provider/embeddings"
)

// ErrEmptyQuery is returned by [Querier.Query] for blank input.
var ErrEmptyQuery = errors.New("retrieval: empty query")

// Querier answers free-text questions from an Index.
type Querier struct {
	emb  embeddings.Provider
	idx  Index
	topK int
}

// NewQuerier returns a Querier fetching topK chunks per query. topK <= 0
// means DefaultTopK.
func NewQuerier(emb embeddings.Provider, idx Index, topK int) *Querier {
	if topK <= 0 {
		topK = DefaultTopK
	}
	return &Querier{emb: emb, idx: idx, topK: topK}
}

// Query embeds text and returns the text of the nearest chunks separated by a
// blank line. It returns "" when the index has nothing to offer.
func (q *Querier) Query(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyQuery
	}
	vec, err := q.emb.Embed(ctx, text)
	if err != nil {
		return "", fmt.Errorf("retrieval: embed query: %w", err)
	}
	hits, err := q.idx.Search(ctx, vec, q.topK)
	if err != nil {
		return "", fmt.Errorf("retrieval: search: %w", err)
	}
	parts := make([]string, 0, len(hits))
	for _, h := range hits {
		parts = append(parts, h.Chunk.Text)
	}
	return strings.Join(parts, "\n\n"), nil
}
