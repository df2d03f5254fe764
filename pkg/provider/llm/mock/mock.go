// Package mock provides a scripted test double for the llm.Provider interface.
//
// Each StreamCompletion call consumes the next entry of Responses, so a test
// can script a tool-call round followed by a text answer:
//
//	p := &mock.Provider{
//	    Responses: [][]llm.Chunk{
//	        {{FinishReason: llm.FinishToolCalls, ToolCalls: []llm.ToolCall{{ID: "1", Name: "search", Arguments: `{}`}}}},
//	        {{Text: "Done."}, {FinishReason: llm.FinishStop}},
//	    },
//	}
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/tometo/pkg/provider/llm"
)

// StreamCall records a single invocation of StreamCompletion.
type StreamCall struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// Responses scripts the chunks of successive StreamCompletion calls. Once
	// exhausted, the last entry is repeated. With no entries a single
	// FinishStop chunk is sent.
	Responses [][]llm.Chunk

	// StreamErr, if non-nil, is returned by StreamCompletion.
	StreamErr error

	// Block, if non-nil, is received from before each chunk is sent. Tests use
	// it to hold a stream open mid-generation.
	Block chan struct{}

	// TokenCount is returned by CountTokens. When zero, a count of four
	// tokens per message plus one per four bytes of content is returned.
	TokenCount int

	// ModelCapabilities is returned by Capabilities.
	ModelCapabilities llm.ModelCapabilities

	// StreamCalls records every StreamCompletion invocation in order.
	StreamCalls []StreamCall
}

var _ llm.Provider = (*Provider)(nil)

// StreamCompletion records the call and replays the next scripted response.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	req.Messages = slices.Clone(req.Messages)
	p.StreamCalls = append(p.StreamCalls, StreamCall{Ctx: ctx, Req: req})
	if p.StreamErr != nil {
		err := p.StreamErr
		p.mu.Unlock()
		return nil, err
	}
	var chunks []llm.Chunk
	switch n := len(p.StreamCalls); {
	case len(p.Responses) == 0:
		chunks = []llm.Chunk{{FinishReason: llm.FinishStop}}
	case n <= len(p.Responses):
		chunks = slices.Clone(p.Responses[n-1])
	default:
		chunks = slices.Clone(p.Responses[len(p.Responses)-1])
	}
	block := p.Block
	p.mu.Unlock()

	ch := make(chan llm.Chunk, len(chunks))
	go func() {
		defer close(ch)
		for _, c := range chunks {
			if block != nil {
				select {
				case <-block:
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
		}
	}()
	return ch, nil
}

// CountTokens returns TokenCount or a rough estimate.
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.TokenCount != 0 {
		return p.TokenCount, nil
	}
	total := 0
	for _, m := range messages {
		total += 4 + (len(m.Content)+3)/4
	}
	return total, nil
}

// Capabilities returns ModelCapabilities.
func (p *Provider) Capabilities() llm.ModelCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelCapabilities
}

// Calls returns a snapshot of the recorded StreamCompletion calls.
func (p *Provider) Calls() []StreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.StreamCalls)
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StreamCalls = nil
}
