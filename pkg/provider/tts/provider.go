// Package tts defines the Provider interface for text-to-speech backends.
//
// SynthesizeStream accepts a channel of text fragments and returns a channel
// of raw PCM audio as it becomes available, so sentences produced by the
// language model can be spoken before the full answer exists.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// VoiceProfile selects a synthesis voice.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// SpeedFactor adjusts speaking rate (0.5–2.0). Zero means provider default.
	SpeedFactor float64

	// Metadata holds provider-specific voice attributes.
	Metadata map[string]string
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// SynthesizeStream consumes text fragments and returns a channel of PCM
	// audio. The audio channel is closed once all text has been synthesised
	// (after text is closed) or when ctx is cancelled. The caller must drain
	// it.
	//
	// A non-nil error means the stream could not be started.
	SynthesizeStream(ctx context.Context, text <-chan string, voice VoiceProfile) (<-chan []byte, error)

	// ListVoices returns the voices available from this provider.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)
}
