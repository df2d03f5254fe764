// Package mock provides a test double for the tts.Provider interface.
//
// By default every text fragment is "synthesised" into one audio chunk holding
// the fragment's bytes, which lets tests assert on spoken text directly.
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/tometo/pkg/provider/tts"
)

// SynthesizeStreamCall records a single invocation of SynthesizeStream.
type SynthesizeStreamCall struct {
	Ctx   context.Context
	Voice tts.VoiceProfile
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Synthesize maps a text fragment to audio. Defaults to []byte(text).
	Synthesize func(text string) []byte

	// SynthesizeErr, if non-nil, is returned by SynthesizeStream.
	SynthesizeErr error

	// EndAfter, if positive, ends every stream after that many fragments
	// even though its text channel is still open.
	EndAfter int

	// Voices is returned by ListVoices.
	Voices []tts.VoiceProfile

	// ListVoicesErr, if non-nil, is returned by ListVoices.
	ListVoicesErr error

	// SynthesizeCalls records every SynthesizeStream call.
	SynthesizeCalls []SynthesizeStreamCall

	// Texts records every text fragment received across all streams.
	Texts []string
}

var _ tts.Provider = (*Provider)(nil)

// SynthesizeStream echoes each fragment as one audio chunk.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeStreamCall{Ctx: ctx, Voice: voice})
	if p.SynthesizeErr != nil {
		err := p.SynthesizeErr
		p.mu.Unlock()
		return nil, err
	}
	synth := p.Synthesize
	endAfter := p.EndAfter
	p.mu.Unlock()
	if synth == nil {
		synth = func(s string) []byte { return []byte(s) }
	}

	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		for n := 0; endAfter <= 0 || n < endAfter; n++ {
			select {
			case s, ok := <-text:
				if !ok {
					return
				}
				p.mu.Lock()
				p.Texts = append(p.Texts, s)
				p.mu.Unlock()
				select {
				case out <- synth(s):
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// ListVoices returns Voices.
func (p *Provider) ListVoices(context.Context) ([]tts.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.Voices), p.ListVoicesErr
}

// Calls returns the number of SynthesizeStream invocations.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.SynthesizeCalls)
}

// Spoken returns a snapshot of all text fragments received.
func (p *Provider) Spoken() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.Texts)
}
