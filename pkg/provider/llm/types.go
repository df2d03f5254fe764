package llm

// Message is one entry of the conversation context sent to the model.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string

	// Content is the text content of the message.
	Content string

	// Name is the tool name when Role is "tool".
	Name string

	// ToolCalls lists the tool invocations an assistant message requested.
	ToolCalls []ToolCall

	// ToolCallID links a "tool" message to the call it answers.
	ToolCallID string
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	// ID is the provider-assigned call identifier.
	ID string

	// Name is the requested tool name.
	Name string

	// Arguments is the JSON-encoded argument object exactly as the model
	// produced it. It has not been validated.
	Arguments string
}

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	Name        string
	Description string

	// Parameters is the JSON Schema of the tool's input object.
	Parameters map[string]any
}

// Usage is the token accounting a provider reports for one completion.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// ModelCapabilities describes what a model supports.
type ModelCapabilities struct {
	ContextWindow       int
	MaxOutputTokens     int
	SupportsToolCalling bool
	SupportsStreaming   bool
}
