package resilience

import (
	"context"

	"github.com/MrWong99/tometo/pkg/provider/llm"
	"github.com/MrWong99/tometo/pkg/provider/stt"
	"github.com/MrWong99/tometo/pkg/provider/tts"
)

// LLM fails over between language model backends. Only stream start is
// covered; an error after the first chunk is the caller's to handle.
type LLM struct{ *Group[llm.Provider] }

var _ llm.Provider = LLM{}

func (f LLM) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return Call(f.Group, func(p llm.Provider) (<-chan llm.Chunk, error) {
		return p.StreamCompletion(ctx, req)
	})
}

func (f LLM) CountTokens(messages []llm.Message) (int, error) {
	return f.Primary().CountTokens(messages)
}

// Capabilities reports the primary's capabilities.
func (f LLM) Capabilities() llm.ModelCapabilities {
	return f.Primary().Capabilities()
}

// STT fails over between recognisers when a session cannot be opened.
type STT struct{ *Group[stt.Provider] }

var _ stt.Provider = STT{}

func (f STT) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return Call(f.Group, func(p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
}

// TTS fails over between synthesisers when a stream cannot be opened.
type TTS struct{ *Group[tts.Provider] }

var _ tts.Provider = TTS{}

func (f TTS) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	return Call(f.Group, func(p tts.Provider) (<-chan []byte, error) {
		return p.SynthesizeStream(ctx, text, voice)
	})
}

func (f TTS) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	return Call(f.Group, func(p tts.Provider) ([]tts.VoiceProfile, error) {
		return p.ListVoices(ctx)
	})
}
