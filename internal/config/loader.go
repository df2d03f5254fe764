package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/tometo/internal/tool/mcptool"
)

// ValidProviderNames lists known provider names per provider kind.
// [Validate] warns about names not found here.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq"},
	"stt":        {"deepgram"},
	"tts":        {"elevenlabs"},
	"embeddings": {"openai", "ollama"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero fields of cfg with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.WebSocketPath == "" {
		cfg.Server.WebSocketPath = DefaultWebSocketPath
	}

	p := &cfg.Pipeline
	if p.SampleRate == 0 {
		p.SampleRate = DefaultSampleRate
	}
	if p.Channels == 0 {
		p.Channels = DefaultChannels
	}
	if p.Output == "" {
		p.Output = OutputAudio
	}
	if p.BufferSize == 0 {
		p.BufferSize = DefaultBufferSize
	}
	if p.ToolTimeout == 0 {
		p.ToolTimeout = DefaultToolTimeout
	}
	if p.MaxToolRounds == 0 {
		p.MaxToolRounds = DefaultMaxToolRounds
	}
	if p.SystemPrompt == "" {
		p.SystemPrompt = DefaultSystemPrompt
	}

	if cfg.Providers.Embeddings.Name != "" && cfg.Retrieval.EmbeddingDimensions == 0 {
		cfg.Retrieval.EmbeddingDimensions = DefaultDimensions
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing every failure found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil && (cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	for kind, entry := range map[string]ProviderEntry{
		"llm":        cfg.Providers.LLM,
		"stt":        cfg.Providers.STT,
		"tts":        cfg.Providers.TTS,
		"embeddings": cfg.Providers.Embeddings,
	} {
		validateProviderName(kind, entry.Name)
		for i, fb := range entry.Fallbacks {
			if fb.Name == "" {
				errs = append(errs, fmt.Errorf("providers.%s.fallbacks[%d].name is required", kind, i))
			}
			validateProviderName(kind, fb.Name)
		}
	}

	p := cfg.Pipeline
	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm is required"))
	}
	if p.Output != "" && !p.Output.IsValid() {
		errs = append(errs, fmt.Errorf("pipeline.output %q is invalid; valid values: audio, text", p.Output))
	}
	if p.Output == OutputAudio && cfg.Providers.TTS.Name == "" {
		errs = append(errs, errors.New("pipeline.output audio requires a TTS provider but providers.tts is not configured"))
	}
	if p.AudioInput() && cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("pipeline.input_audio requires an STT provider but providers.stt is not configured; set input_audio: false for text-only input"))
	}
	if p.Output == OutputAudio && p.Voice.VoiceID == "" {
		slog.Warn("pipeline.voice.voice_id is empty; the TTS provider default will be used")
	}
	if p.SampleRate < 0 || p.Channels < 0 || p.BufferSize < 0 {
		errs = append(errs, errors.New("pipeline.sample_rate, channels and buffer_size must not be negative"))
	}
	if p.ToolTimeout < 0 || p.Aggregation.MaxAge < 0 {
		errs = append(errs, errors.New("pipeline.tool_timeout and aggregation.max_age must not be negative"))
	}
	if p.MaxToolRounds < 0 {
		errs = append(errs, fmt.Errorf("pipeline.max_tool_rounds %d must not be negative", p.MaxToolRounds))
	}
	if p.Voice.SpeedFactor != 0 && (p.Voice.SpeedFactor < 0.5 || p.Voice.SpeedFactor > 2.0) {
		errs = append(errs, fmt.Errorf("pipeline.voice.speed_factor %.2f is out of range [0.5, 2.0]", p.Voice.SpeedFactor))
	}

	r := cfg.Retrieval
	if r.Enabled() && cfg.Providers.Embeddings.Name == "" {
		errs = append(errs, errors.New("retrieval requires an embeddings provider but providers.embeddings is not configured"))
	}
	if r.TopK < 0 || r.ChunkWords < 0 || r.Concurrency < 0 || r.EmbeddingDimensions < 0 {
		errs = append(errs, errors.New("retrieval.top_k, chunk_words, concurrency and embedding_dimensions must not be negative"))
	}
	if r.ChunkWords > 0 && r.OverlapWords >= r.ChunkWords {
		errs = append(errs, fmt.Errorf("retrieval.overlap_words %d must be smaller than chunk_words %d", r.OverlapWords, r.ChunkWords))
	}

	seen := make(map[string]int, len(cfg.MCP.Servers))
	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else if prev, ok := seen[srv.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of mcp.servers[%d]", prefix, srv.Name, prev))
		} else {
			seen[srv.Name] = i
		}
		if !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == mcptool.TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == mcptool.TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not listed in
// [ValidProviderNames] for kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
