package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/MrWong99/tometo/internal/retrieval"
	"github.com/MrWong99/tometo/internal/retrieval/postgres"
)

const testDims = 3

// testDSN returns the DSN from TOMETO_TEST_POSTGRES_DSN or skips the test.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("TOMETO_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TOMETO_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

func newStore(t *testing.T) *postgres.Store {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := postgres.New(ctx, testDSN(t), testDims)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestNew_RejectsBadDimensions(t *testing.T) {
	if _, err := postgres.New(context.Background(), "postgres://unused", 0); err == nil {
		t.Error("want error for zero dimensions")
	}
}

func TestStore_UpsertSearch(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	prefix := t.Name() + "/"
	chunks := []retrieval.Chunk{
		{ID: prefix + "x", Source: prefix + "a", Seq: 0, Text: "x-axis", Embedding: []float32{1, 0, 0}},
		{ID: prefix + "y", Source: prefix + "a", Seq: 1, Text: "y-axis", Embedding: []float32{0, 1, 0}},
	}
	if err := s.Upsert(ctx, chunks); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	// Upsert is idempotent on ID.
	if err := s.Upsert(ctx, chunks[:1]); err != nil {
		t.Fatalf("second Upsert: %v", err)
	}

	hits, err := s.Search(ctx, []float32{1, 0.05, 0}, 1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].Chunk.Text != "x-axis" {
		t.Fatalf("hits: got %+v", hits)
	}
	if hits[0].Score < 0.9 {
		t.Errorf("score: want close to 1, got %v", hits[0].Score)
	}
	if err := s.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
