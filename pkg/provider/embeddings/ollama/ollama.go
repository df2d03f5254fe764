// Package ollama provides an embeddings provider backed by a local Ollama
// server, using the official Ollama API client.
package ollama

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/MrWong99/tometo/pkg/provider/embeddings"
)

// DefaultBaseURL is the address of a locally running Ollama instance.
const DefaultBaseURL = "http://localhost:11434"

// probeTimeout bounds the request that discovers an unknown model's vector
// length.
const probeTimeout = 10 * time.Second

// knownDimensions lists the vector length of common embedding models by
// name fragment.
var knownDimensions = []struct {
	fragment string
	dims     int
}{
	{"nomic-embed-text", 768},
	{"mxbai-embed-large", 1024},
	{"snowflake-arctic-embed", 1024},
	{"bge-m3", 1024},
	{"all-minilm", 384},
}

var _ embeddings.Provider = (*Provider)(nil)

// Provider implements embeddings.Provider on an Ollama server.
type Provider struct {
	client *api.Client
	model  string

	mu   sync.Mutex
	dims int
}

type options struct {
	timeout time.Duration
	dims    int
}

// Option is a functional option for Provider.
type Option func(*options)

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithDimensions fixes the vector length instead of looking it up.
func WithDimensions(dims int) Option {
	return func(o *options) { o.dims = dims }
}

// New returns a Provider for model. An empty baseURL means DefaultBaseURL.
func New(baseURL, model string, opts ...Option) (*Provider, error) {
	if model == "" {
		return nil, errors.New("ollama embeddings: model must not be empty")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: base url: %w", err)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.dims == 0 {
		o.dims = lookupDimensions(model)
	}
	return &Provider{
		client: api.NewClient(base, &http.Client{Timeout: o.timeout}),
		model:  model,
		dims:   o.dims,
	}, nil
}

// Embed implements embeddings.Provider.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: embed: %w", err)
	}
	return vecs[0], nil
}

// EmbedBatch implements embeddings.Provider. An empty input issues no request.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vecs, err := p.embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: embed batch: %w", err)
	}
	return vecs, nil
}

// Dimensions implements embeddings.Provider. For models not in the table
// the first call embeds a probe text; a failed probe yields 0 and is retried
// on the next call.
func (p *Provider) Dimensions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dims == 0 {
		ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
		defer cancel()
		if vecs, err := p.embed(ctx, []string{"probe"}); err == nil {
			p.dims = len(vecs[0])
		}
	}
	return p.dims
}

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string { return p.model }

func (p *Provider) embed(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := p.client.Embed(ctx, &api.EmbedRequest{Model: p.model, Input: texts})
	if err != nil {
		return nil, err
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Embeddings))
	}
	return resp.Embeddings, nil
}

func lookupDimensions(model string) int {
	lower := strings.ToLower(model)
	for _, k := range knownDimensions {
		if strings.Contains(lower, k.fragment) {
			return k.dims
		}
	}
	return 0
}
