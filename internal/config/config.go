// Package config provides the configuration schema, loader, watcher and
// provider registry for the Tometo voice assistant server.
package config

import (
	"time"

	"github.com/MrWong99/tometo/internal/tool/mcptool"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// OutputMode selects what a session sends back to the client.
type OutputMode string

const (
	// OutputAudio synthesises replies to PCM audio.
	OutputAudio OutputMode = "audio"

	// OutputText skips synthesis and sends the aggregated reply text.
	OutputText OutputMode = "text"
)

// IsValid reports whether m is a recognised output mode.
func (m OutputMode) IsValid() bool {
	return m == OutputAudio || m == OutputText
}

// DefaultSystemPrompt is the assistant persona used when
// pipeline.system_prompt is empty.
const DefaultSystemPrompt = "You are a helpful Engineering Manager called Tometo. " +
	"You should have relevant context on the team and their work. " +
	"You should also have context on the product and the roadmap."

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr    = ":8080"
	DefaultWebSocketPath = "/ws"
	DefaultSampleRate    = 16000
	DefaultChannels      = 1
	DefaultBufferSize    = 64
	DefaultToolTimeout   = 10 * time.Second
	DefaultMaxToolRounds = 4
	DefaultDimensions    = 1536
)

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	MCP       MCPConfig       `yaml:"mcp"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. It is hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// WebSocketPath is the route serving voice sessions.
	WebSocketPath string `yaml:"websocket_path"`

	// OriginPatterns lists cross-origin hosts allowed to open sessions.
	OriginPatterns []string `yaml:"origin_patterns"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ProvidersConfig selects the provider implementation for each concern.
// Each entry names a provider registered in the [Registry].
type ProvidersConfig struct {
	LLM        ProviderEntry `yaml:"llm"`
	STT        ProviderEntry `yaml:"stt"`
	TTS        ProviderEntry `yaml:"tts"`
	Embeddings ProviderEntry `yaml:"embeddings"`
}

// ProviderEntry is the configuration block shared by all provider kinds.
type ProviderEntry struct {
	// Name selects the registered implementation (e.g., "openai", "deepgram").
	Name string `yaml:"name"`

	// APIKey authenticates against the provider's API, if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a model within the provider (e.g., "gpt-4o", "nova-3").
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`

	// Fallbacks are tried in order when the primary fails or its circuit
	// breaker is open. Fallbacks of fallbacks are ignored.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}

// PipelineConfig tunes every session's stage graph.
type PipelineConfig struct {
	// SampleRate and Channels describe inbound PCM audio.
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	Language   string `yaml:"language"`

	// InputAudio enables transcription of binary messages. Defaults to true.
	InputAudio *bool `yaml:"input_audio"`

	// Output selects audio or text replies. Defaults to audio.
	Output OutputMode `yaml:"output"`

	// BufferSize is the capacity of every inter-stage stream.
	BufferSize int `yaml:"buffer_size"`

	Aggregation AggregationConfig `yaml:"aggregation"`

	// ToolTimeout bounds each tool call. MaxToolRounds bounds tool rounds
	// per user turn.
	ToolTimeout   time.Duration `yaml:"tool_timeout"`
	MaxToolRounds int           `yaml:"max_tool_rounds"`

	// MaxContextTokens caps the conversation context sent to the LLM. Zero
	// derives the budget from the model's context window.
	MaxContextTokens int     `yaml:"max_context_tokens"`
	Temperature      float64 `yaml:"temperature"`
	MaxTokens        int     `yaml:"max_tokens"`

	SystemPrompt string `yaml:"system_prompt"`

	// ErrorPhrase is spoken when a turn fails. "-" disables it.
	ErrorPhrase string `yaml:"error_phrase"`

	Voice VoiceConfig `yaml:"voice"`
	Debug DebugConfig `yaml:"debug"`
}

// AudioInput reports whether inbound audio is transcribed.
func (p PipelineConfig) AudioInput() bool {
	return p.InputAudio == nil || *p.InputAudio
}

// AggregationConfig bounds how long reply tokens are held before being
// flushed downstream.
type AggregationConfig struct {
	MaxRunes int           `yaml:"max_runes"`
	MaxAge   time.Duration `yaml:"max_age"`
}

// VoiceConfig specifies the TTS voice.
type VoiceConfig struct {
	// VoiceID is the provider-specific voice identifier.
	VoiceID string `yaml:"voice_id"`

	// SpeedFactor adjusts speaking rate in [0.5, 2.0]. 0 means default.
	SpeedFactor float64 `yaml:"speed_factor"`
}

// DebugConfig enables diagnostic stream observers.
type DebugConfig struct {
	// Observe logs every token and history frame of each session.
	Observe bool `yaml:"observe"`
}

// RetrievalConfig configures the transcript corpus behind the search tool.
// Retrieval is disabled when DataDir is empty.
type RetrievalConfig struct {
	// DataDir holds the .txt and .md documents to index.
	DataDir string `yaml:"data_dir"`

	ChunkWords   int `yaml:"chunk_words"`
	OverlapWords int `yaml:"overlap_words"`
	TopK         int `yaml:"top_k"`
	Concurrency  int `yaml:"concurrency"`

	// PostgresDSN selects the pgvector index. When empty an in-memory
	// index is built at startup.
	PostgresDSN string `yaml:"postgres_dsn"`

	// EmbeddingDimensions must match the embeddings model.
	EmbeddingDimensions int `yaml:"embedding_dimensions"`
}

// Enabled reports whether a retrieval corpus is configured.
func (r RetrievalConfig) Enabled() bool { return r.DataDir != "" || r.PostgresDSN != "" }

// MCPConfig lists the Model Context Protocol servers whose tools are
// offered to the LLM.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig describes how to connect to a single MCP tool server.
type MCPServerConfig struct {
	Name      string            `yaml:"name"`
	Transport mcptool.Transport `yaml:"transport"`

	// Command is the executable and arguments for stdio servers.
	Command string `yaml:"command"`

	// URL is the endpoint for streamable-http servers.
	URL string `yaml:"url"`

	// Env is injected into stdio subprocesses.
	Env map[string]string `yaml:"env"`
}

// ServerConfigs converts the MCP section into host connection configs.
func (m MCPConfig) ServerConfigs() []mcptool.ServerConfig {
	out := make([]mcptool.ServerConfig, 0, len(m.Servers))
	for _, s := range m.Servers {
		out = append(out, mcptool.ServerConfig{
			Name:      s.Name,
			Transport: s.Transport,
			Command:   s.Command,
			URL:       s.URL,
			Env:       s.Env,
		})
	}
	return out
}
