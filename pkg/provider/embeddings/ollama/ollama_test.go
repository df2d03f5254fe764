package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

// newServer returns an Ollama stand-in that embeds every input as
// [len(input), index] and counts requests.
func newServer(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Method != http.MethodPost || r.URL.Path != "/api/embed" {
			http.NotFound(w, r)
			return
		}
		var req struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var resp struct {
			Model      string      `json:"model"`
			Embeddings [][]float32 `json:"embeddings"`
		}
		resp.Model = req.Model
		for i, in := range req.Input {
			resp.Embeddings = append(resp.Embeddings, []float32{float32(len(in)), float32(i)})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New("", ""); err == nil {
		t.Error("empty model: want error")
	}
	p, err := New("", "nomic-embed-text:latest")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.Dimensions() != 768 {
		t.Errorf("Dimensions: want 768 for nomic-embed-text, got %d", p.Dimensions())
	}
	if p.ModelID() != "nomic-embed-text:latest" {
		t.Errorf("ModelID: got %q", p.ModelID())
	}
}

func TestEmbedBatch_OrderAndLength(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := newServer(t, &calls)
	defer srv.Close()

	p, _ := New(srv.URL+"/", "custom")
	vecs, err := p.EmbedBatch(context.Background(), []string{"a", "bbb"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != 2 || vecs[0][0] != 1 || vecs[1][0] != 3 {
		t.Errorf("vectors: got %v", vecs)
	}

	if v, err := p.EmbedBatch(context.Background(), nil); err != nil || v != nil {
		t.Errorf("empty batch: want (nil, nil), got (%v, %v)", v, err)
	}
	if calls.Load() != 1 {
		t.Errorf("requests: want 1, got %d", calls.Load())
	}
}

func TestDimensions_Probe(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := newServer(t, &calls)
	defer srv.Close()

	p, _ := New(srv.URL, "unknown-model")
	if got := p.Dimensions(); got != 2 {
		t.Errorf("Dimensions: want 2 from probe, got %d", got)
	}
	_ = p.Dimensions()
	if calls.Load() != 1 {
		t.Errorf("probe requests: want 1, got %d", calls.Load())
	}
}

func TestEmbed_ServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"model not found"}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, _ := New(srv.URL, "m", WithDimensions(8))
	if _, err := p.Embed(context.Background(), "x"); err == nil {
		t.Error("want error on 500")
	}
	if p.Dimensions() != 8 {
		t.Errorf("Dimensions: want 8, got %d", p.Dimensions())
	}
}

func TestLookupDimensions(t *testing.T) {
	t.Parallel()

	tests := map[string]int{
		"mxbai-embed-large":  1024,
		"ALL-MINILM:l6-v2":   384,
		"my-custom-embedder": 0,
	}
	for model, want := range tests {
		if got := lookupDimensions(model); got != want {
			t.Errorf("lookupDimensions(%q): want %d, got %d", model, want, got)
		}
	}
}
