// Package elevenlabs speaks sentences through the ElevenLabs stream-input
// WebSocket API.
//
// Every sentence is sent with flush set, since callers hand over complete
// sentences and waiting for more text would only add latency.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"net/url"

	"github.com/coder/websocket"

	"github.com/MrWong99/tometo/pkg/provider/tts"
)

const (
	defaultWSBase     = "wss://api.elevenlabs.io"
	defaultHTTPBase   = "https://api.elevenlabs.io"
	defaultModel      = "eleven_flash_v2_5"
	defaultFormat     = "pcm_16000"
	defaultStability  = 0.5
	defaultSimilarity = 0.75
	apiKeyHeader      = "xi-api-key"
)

// Option configures a Provider.
type Option func(*Provider)

// WithModel sets the synthesis model, for example "eleven_turbo_v2_5".
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithOutputFormat sets the audio encoding requested from the service.
// Only pcm_* formats produce audio the pipeline can play.
func WithOutputFormat(format string) Option {
	return func(p *Provider) { p.format = format }
}

// WithVoiceSettings overrides stability and similarity boost, both in [0,1].
func WithVoiceSettings(stability, similarity float64) Option {
	return func(p *Provider) {
		p.stability = stability
		p.similarity = similarity
	}
}

// WithBaseURLs points the provider at other WebSocket and REST hosts.
func WithBaseURLs(wsBase, httpBase string) Option {
	return func(p *Provider) {
		p.wsBase = wsBase
		p.httpBase = httpBase
	}
}

// Provider implements [tts.Provider].
type Provider struct {
	apiKey     string
	model      string
	format     string
	stability  float64
	similarity float64
	wsBase     string
	httpBase   string
	client     *http.Client
}

var _ tts.Provider = (*Provider)(nil)

// New returns a Provider authenticating with apiKey.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		format:     defaultFormat,
		stability:  defaultStability,
		similarity: defaultSimilarity,
		wsBase:     defaultWSBase,
		httpBase:   defaultHTTPBase,
		client:     http.DefaultClient,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

type inputMessage struct {
	Text     string    `json:"text"`
	Flush    bool      `json:"flush,omitempty"`
	Settings *settings `json:"voice_settings,omitempty"`
}

type settings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

type outputMessage struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

// pcm decodes the audio payload. A nil slice means the message had none.
func (m outputMessage) pcm() ([]byte, error) {
	if m.Audio == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(m.Audio)
}

func (m outputMessage) failure() string {
	if m.Error != "" {
		return m.Error
	}
	if m.Audio == "" && !m.IsFinal {
		return m.Message
	}
	return ""
}

func (p *Provider) streamURL(voiceID string) string {
	q := url.Values{"model_id": {p.model}, "output_format": {p.format}}
	return p.wsBase + "/v1/text-to-speech/" + url.PathEscape(voiceID) + "/stream-input?" + q.Encode()
}

// SynthesizeStream dials the service, primes it with the voice settings and
// returns the decoded PCM. The audio channel closes after the service marks
// the generation final, on a server error or when ctx ends.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	if voice.ID == "" {
		return nil, errors.New("elevenlabs: voice.ID must not be empty")
	}

	conn, _, err := websocket.Dial(ctx, p.streamURL(voice.ID), &websocket.DialOptions{
		HTTPHeader: http.Header{apiKeyHeader: {p.apiKey}},
	})
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}

	s := &session{conn: conn, audio: make(chan []byte, 64), done: make(chan struct{})}
	// The first message must carry a single space.
	prime := inputMessage{Text: " ", Settings: &settings{
		Stability:       p.stability,
		SimilarityBoost: p.similarity,
		Speed:           voice.SpeedFactor,
	}}
	if err := s.send(ctx, prime); err != nil {
		conn.Close(websocket.StatusInternalError, "prime failed")
		return nil, fmt.Errorf("elevenlabs: prime: %w", err)
	}

	go s.receive(ctx)
	go s.transmit(ctx, text)
	return s.audio, nil
}

// session is one stream-input connection. receive owns done; transmit owns
// audio and the connection close.
type session struct {
	conn  *websocket.Conn
	audio chan []byte
	done  chan struct{}
}

func (s *session) send(ctx context.Context, m inputMessage) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *session) receive(ctx context.Context) {
	defer close(s.done)
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return
		}
		var m outputMessage
		if err := json.Unmarshal(data, &m); err != nil {
			slog.Warn("elevenlabs: undecodable message", "err", err)
			continue
		}
		if reason := m.failure(); reason != "" {
			slog.Warn("elevenlabs: server error", "reason", reason)
			return
		}
		pcm, err := m.pcm()
		if err != nil {
			slog.Warn("elevenlabs: bad audio payload", "err", err)
		} else if pcm != nil {
			select {
			case s.audio <- pcm:
			case <-ctx.Done():
				return
			}
		}
		if m.IsFinal {
			return
		}
	}
}

func (s *session) transmit(ctx context.Context, text <-chan string) {
	defer close(s.audio)
	defer s.conn.Close(websocket.StatusNormalClosure, "")
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			<-s.done
			return
		case sentence, ok := <-text:
			if !ok {
				// Empty text ends the generation once queued audio is out.
				if err := s.send(ctx, inputMessage{}); err != nil {
					slog.Debug("elevenlabs: end of input", "err", err)
				}
				<-s.done
				return
			}
			if sentence == "" {
				continue
			}
			if err := s.send(ctx, inputMessage{Text: sentence + " ", Flush: true}); err != nil {
				<-s.done
				return
			}
		}
	}
}

// ListVoices returns the voices available to the API key.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	var body struct {
		Voices []struct {
			ID       string            `json:"voice_id"`
			Name     string            `json:"name"`
			Category string            `json:"category"`
			Labels   map[string]string `json:"labels"`
		} `json:"voices"`
	}
	if err := p.getJSON(ctx, "/v1/voices", &body); err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}

	out := make([]tts.VoiceProfile, len(body.Voices))
	for i, v := range body.Voices {
		meta := maps.Clone(v.Labels)
		if meta == nil {
			meta = make(map[string]string, 1)
		}
		if v.Category != "" {
			meta["category"] = v.Category
		}
		out[i] = tts.VoiceProfile{ID: v.ID, Name: v.Name, Provider: "elevenlabs", Metadata: meta}
	}
	return out, nil
}

func (p *Provider) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.httpBase+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set(apiKeyHeader, p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
