package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func TestDimensions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		model string
		opts  []Option
		want  int
	}{
		{"text-embedding-3-small", nil, 1536},
		{"text-embedding-3-large", nil, 3072},
		{"text-embedding-ada-002", nil, 1536},
		{"text-embedding-3-large", []Option{WithDimensions(256)}, 256},
	}
	for _, tt := range tests {
		p, err := New("sk", tt.model, tt.opts...)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if got := p.Dimensions(); got != tt.want {
			t.Errorf("%s: Dimensions() = %d, want %d", tt.model, got, tt.want)
		}
	}
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()

	if _, err := New("", ""); err == nil {
		t.Error("empty apiKey: want error")
	}
	p, err := New("sk", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.ModelID() != DefaultModel {
		t.Errorf("ModelID: want %s, got %s", DefaultModel, p.ModelID())
	}
}

// newServer answers with data in reverse order, embedding each input as
// [len(input)], and counts requests.
func newServer(t *testing.T, requests *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if !strings.HasSuffix(r.URL.Path, "/embeddings") {
			http.NotFound(w, r)
			return
		}
		var req struct {
			Input []string `json:"input"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		var data []string
		for i := len(req.Input) - 1; i >= 0; i-- {
			data = append(data, fmt.Sprintf(`{"object":"embedding","index":%d,"embedding":[%d]}`, i, len(req.Input[i])))
		}
		fmt.Fprintf(w, `{"object":"list","model":"m","data":[%s],"usage":{"prompt_tokens":1,"total_tokens":1}}`, strings.Join(data, ","))
	}))
}

func TestEmbedBatch_PlacesByIndex(t *testing.T) {
	t.Parallel()

	var requests atomic.Int32
	srv := newServer(t, &requests)
	defer srv.Close()

	p, err := New("sk", "m", WithBaseURL(srv.URL+"/v1/"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	vecs, err := p.EmbedBatch(context.Background(), []string{"a", "bbbb"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != 2 || vecs[0][0] != 1 || vecs[1][0] != 4 {
		t.Errorf("vectors: want [[1] [4]], got %v", vecs)
	}
}

func TestEmbedBatch_SplitsLargeBatches(t *testing.T) {
	t.Parallel()

	var requests atomic.Int32
	srv := newServer(t, &requests)
	defer srv.Close()

	p, err := New("sk", "m", WithBaseURL(srv.URL+"/v1/"), WithMaxBatch(2))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	in := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	vecs, err := p.EmbedBatch(context.Background(), in)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if got := requests.Load(); got != 3 {
		t.Errorf("requests: want 3, got %d", got)
	}
	if len(vecs) != len(in) {
		t.Fatalf("vectors: want %d, got %d", len(in), len(vecs))
	}
	for i, v := range vecs {
		if int(v[0]) != len(in[i]) {
			t.Errorf("vector %d: want [%d], got %v", i, len(in[i]), v)
		}
	}
}

func TestEmbed_SingleInput(t *testing.T) {
	t.Parallel()

	var requests atomic.Int32
	srv := newServer(t, &requests)
	defer srv.Close()

	p, _ := New("sk", "m", WithBaseURL(srv.URL+"/v1/"))
	v, err := p.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(v) != 1 || v[0] != 5 {
		t.Errorf("vector: want [5], got %v", v)
	}
}
