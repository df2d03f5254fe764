package llm

import "strings"

// DefaultCapabilities is reported for models missing from the table.
var DefaultCapabilities = ModelCapabilities{
	ContextWindow:       128_000,
	MaxOutputTokens:     4_096,
	SupportsToolCalling: true,
	SupportsStreaming:   true,
}

// knownModels is searched in order by lower-case name fragment; put the more
// specific fragment first.
var knownModels = []struct {
	fragment string
	caps     ModelCapabilities
}{
	{"gpt-4.1", ModelCapabilities{1_047_576, 32_768, true, true}},
	{"gpt-4o", ModelCapabilities{128_000, 16_384, true, true}},
	{"gpt-3.5-turbo", ModelCapabilities{16_385, 4_096, true, true}},
	{"o1-mini", ModelCapabilities{128_000, 65_536, false, true}},
	{"claude", ModelCapabilities{200_000, 8_192, true, true}},
	{"gemini", ModelCapabilities{1_048_576, 8_192, true, true}},
	{"deepseek", ModelCapabilities{64_000, 8_192, true, true}},
	{"mistral-large", ModelCapabilities{128_000, 4_096, true, true}},
	{"llama", ModelCapabilities{32_768, 4_096, true, true}},
	{"mixtral", ModelCapabilities{32_768, 4_096, true, true}},
	{"qwen", ModelCapabilities{32_768, 4_096, true, true}},
}

// CapabilitiesFor returns the capabilities of model, or DefaultCapabilities.
func CapabilitiesFor(model string) ModelCapabilities {
	lower := strings.ToLower(model)
	for _, m := range knownModels {
		if strings.Contains(lower, m.fragment) {
			return m.caps
		}
	}
	return DefaultCapabilities
}

// EstimateTokens approximates the context size of messages: four tokens of
// framing per message plus one token per four bytes of content and tool call
// text. It overcounts for English prose.
func EstimateTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += 4 + (len(m.Content)+3)/4
		for _, tc := range m.ToolCalls {
			total += (len(tc.Name) + len(tc.Arguments) + 3) / 4
		}
	}
	return total
}
