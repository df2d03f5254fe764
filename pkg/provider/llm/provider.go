// Package llm defines the Provider interface for language-model backends.
//
// A provider wraps a remote or local model API and exposes a uniform streaming
// interface to the generation stage without coupling it to any SDK.
// Implementations must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends
// or when the supplied context is cancelled.
package llm

import "context"

// Finish reasons reported on the last [Chunk] of a stream.
const (
	FinishStop      = "stop"
	FinishLength    = "length"
	FinishToolCalls = "tool_calls"

	// FinishError marks a chunk whose Text carries an error that occurred
	// after the stream started.
	FinishError = "error"
)

// CompletionRequest carries everything the model needs to produce a response.
type CompletionRequest struct {
	// Messages is the ordered conversation context.
	Messages []Message

	// Tools is the set of tools offered to the model. Providers whose model
	// cannot call tools ignore it.
	Tools []ToolDefinition

	// Temperature in [0.0, 2.0]. Zero means the provider default.
	Temperature float64

	// MaxTokens caps completion length. Zero means the provider default.
	MaxTokens int

	// SystemPrompt is sent ahead of Messages as a "system" message.
	SystemPrompt string
}

// Chunk is one fragment of a streaming completion. A chunk may carry text, a
// finish signal, tool calls, or any combination of them.
type Chunk struct {
	// Text is the incremental content. On a FinishError chunk it holds the
	// error message.
	Text string

	// FinishReason is empty on intermediate chunks.
	FinishReason string

	// ToolCalls are fully accumulated tool calls. Providers emit them on the
	// final chunk only.
	ToolCalls []ToolCall

	// Usage is set on at most one chunk, which may follow the finish chunk.
	// Providers that do not report usage leave it nil.
	Usage *Usage
}

// Provider is the abstraction over any language-model backend.
type Provider interface {
	// StreamCompletion sends req and returns a channel of chunks that is
	// closed when generation finishes or ctx is cancelled. The error return
	// is non-nil only when the stream could not be started; later failures
	// arrive as a chunk with FinishReason FinishError.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// CountTokens estimates how many context tokens messages would use. It
	// may approximate but should not undercount.
	CountTokens(messages []Message) (int, error)

	// Capabilities returns static metadata about the underlying model.
	Capabilities() ModelCapabilities
}
