package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/tometo/pkg/provider/embeddings"
)

// Defaults for [BuildOptions].
const (
	DefaultChunkWords   = 512
	DefaultOverlapWords = 32
	DefaultBatchSize    = 32
	DefaultConcurrency  = 4
	DefaultTopK         = 2
)

// BuildOptions tunes [Build]. Zero fields take the package defaults.
type BuildOptions struct {
	ChunkWords   int
	OverlapWords int
	BatchSize    int
	Concurrency  int
}

func (o BuildOptions) withDefaults() BuildOptions {
	if o.ChunkWords <= 0 {
		o.ChunkWords = DefaultChunkWords
	}
	if o.OverlapWords < 0 {
		o.OverlapWords = 0
	} else if o.OverlapWords == 0 {
		o.OverlapWords = DefaultOverlapWords
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	return o
}

// Build chunks docs, embeds the chunks in batches with bounded concurrency and
// upserts them into idx. It returns the number of chunks indexed. The first
// failing batch cancels the rest.
func Build(ctx context.Context, docs []Document, emb embeddings.Provider, idx Index, opts BuildOptions) (int, error) {
	opts = opts.withDefaults()
	start := time.Now()

	var chunks []Chunk
	for _, d := range docs {
		chunks = append(chunks, Split(d, opts.ChunkWords, opts.OverlapWords)...)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for lo := 0; lo < len(chunks); lo += opts.BatchSize {
		batch := chunks[lo:min(lo+opts.BatchSize, len(chunks))]
		g.Go(func() error {
			texts := make([]string, len(batch))
			for i, c := range batch {
				texts[i] = c.Text
			}
			vecs, err := emb.EmbedBatch(gctx, texts)
			if err != nil {
				return fmt.Errorf("retrieval: embed batch at %s: %w", batch[0].ID, err)
			}
			if len(vecs) != len(batch) {
				return fmt.Errorf("retrieval: embed batch at %s: got %d vectors for %d chunks", batch[0].ID, len(vecs), len(batch))
			}
			for i := range batch {
				batch[i].Embedding = vecs[i]
			}
			return idx.Upsert(gctx, batch)
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	slog.Info("retrieval index built",
		"documents", len(docs),
		"chunks", len(chunks),
		"model", emb.ModelID(),
		"elapsed", time.Since(start))
	return len(chunks), nil
}
