// Package postgres stores retrieval chunks in PostgreSQL with a pgvector HNSW
// index. The pgvector extension must be installable in the target database;
// [Migrate] runs CREATE EXTENSION IF NOT EXISTS.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/tometo/internal/retrieval"
)

var _ retrieval.Index = (*Store)(nil)

// Store implements [retrieval.Index]. It is safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

func ddl(dimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS retrieval_chunks (
    id          TEXT         PRIMARY KEY,
    source      TEXT         NOT NULL,
    seq         INTEGER      NOT NULL,
    content     TEXT         NOT NULL,
    embedding   vector(%d)   NOT NULL,
    indexed_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_retrieval_chunks_source
    ON retrieval_chunks (source);

CREATE INDEX IF NOT EXISTS idx_retrieval_chunks_embedding
    ON retrieval_chunks USING hnsw (embedding vector_cosine_ops);
`, dimensions)
}

// Migrate creates the chunks table and its indexes. It is idempotent.
// dimensions is baked into the column type; changing it later needs a manual
// migration.
func Migrate(ctx context.Context, pool *pgxpool.Pool, dimensions int) error {
	if _, err := pool.Exec(ctx, ddl(dimensions)); err != nil {
		return fmt.Errorf("retrieval postgres: migrate: %w", err)
	}
	return nil
}

// New connects to dsn, registers the pgvector types on every connection and
// runs [Migrate].
func New(ctx context.Context, dsn string, dimensions int) (*Store, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("retrieval postgres: dimensions must be positive, got %d", dimensions)
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("retrieval postgres: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("retrieval postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("retrieval postgres: ping: %w", err)
	}
	if err := Migrate(ctx, pool, dimensions); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Upsert implements [retrieval.Index] with one batched round trip.
func (s *Store) Upsert(ctx context.Context, chunks []retrieval.Chunk) error {
	const q = `
		INSERT INTO retrieval_chunks (id, source, seq, content, embedding)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
		    source     = EXCLUDED.source,
		    seq        = EXCLUDED.seq,
		    content    = EXCLUDED.content,
		    embedding  = EXCLUDED.embedding,
		    indexed_at = now()`

	batch := &pgx.Batch{}
	for _, c := range chunks {
		batch.Queue(q, c.ID, c.Source, c.Seq, c.Text, pgvector.NewVector(c.Embedding))
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("retrieval postgres: upsert: %w", err)
	}
	return nil
}

// Search implements [retrieval.Index]. Score is 1 - cosine distance.
func (s *Store) Search(ctx context.Context, embedding []float32, k int) ([]retrieval.Hit, error) {
	if k <= 0 {
		return nil, nil
	}
	const q = `
		SELECT id, source, seq, content, 1 - (embedding <=> $1) AS score
		FROM   retrieval_chunks
		ORDER  BY embedding <=> $1
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(embedding), k)
	if err != nil {
		return nil, fmt.Errorf("retrieval postgres: search: %w", err)
	}
	hits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (retrieval.Hit, error) {
		var h retrieval.Hit
		err := row.Scan(&h.Chunk.ID, &h.Chunk.Source, &h.Chunk.Seq, &h.Chunk.Text, &h.Score)
		return h, err
	})
	if err != nil {
		return nil, fmt.Errorf("retrieval postgres: scan rows: %w", err)
	}
	return hits, nil
}

// Len implements [retrieval.Index].
func (s *Store) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM retrieval_chunks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("retrieval postgres: count: %w", err)
	}
	return n, nil
}

// Ping checks connectivity. It backs the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
