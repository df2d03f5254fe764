// Package deepgram transcribes linear16 PCM through the Deepgram live
// streaming API.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/tometo/pkg/provider/stt"
)

const (
	defaultEndpoint   = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000

	// Deepgram drops a connection after ten seconds without audio.
	defaultKeepAlive = 5 * time.Second

	// closeGrace bounds how long Close waits for the finals of audio that
	// was already sent.
	closeGrace = 3 * time.Second
)

var (
	msgKeepAlive   = []byte(`{"type":"KeepAlive"}`)
	msgCloseStream = []byte(`{"type":"CloseStream"}`)
)

// Option configures a Provider.
type Option func(*Provider)

// WithModel selects the recognition model, for example "nova-3" or "base".
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the BCP-47 language used when StreamConfig has none.
func WithLanguage(language string) Option {
	return func(p *Provider) { p.language = language }
}

// WithSampleRate sets the sample rate used when StreamConfig has none.
func WithSampleRate(rate int) Option {
	return func(p *Provider) { p.sampleRate = rate }
}

// WithEndpointing sets the silence in milliseconds after which Deepgram
// finalises an utterance. Zero keeps the server default.
func WithEndpointing(ms int) Option {
	return func(p *Provider) { p.endpointing = ms }
}

// WithKeepAlive sets how often an idle session pings the server.
func WithKeepAlive(d time.Duration) Option {
	return func(p *Provider) { p.keepAlive = d }
}

// WithEndpoint overrides the listen URL.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) { p.endpoint = endpoint }
}

// Provider implements [stt.Provider].
type Provider struct {
	apiKey      string
	model       string
	language    string
	sampleRate  int
	endpointing int
	keepAlive   time.Duration
	endpoint    string
}

var _ stt.Provider = (*Provider)(nil)

// New returns a Provider authenticating with apiKey.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
		keepAlive:  defaultKeepAlive,
		endpoint:   defaultEndpoint,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream dials Deepgram and returns a live session.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	target, err := p.listenURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: listen url: %w", err)
	}
	conn, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Token " + p.apiKey}},
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &session{
		conn:      conn,
		keepAlive: p.keepAlive,
		partials:  make(chan stt.Transcript, 64),
		finals:    make(chan stt.Transcript, 64),
		audio:     make(chan []byte, 256),
		closing:   make(chan struct{}),
		received:  make(chan struct{}),
		cancel:    cancel,
	}
	s.loops.Go(func() error { return s.receive(ctx) })
	s.loops.Go(func() error { return s.transmit(ctx) })
	return s, nil
}

func (p *Provider) listenURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}
	lang := orDefault(cfg.Language, p.language)
	rate := cfg.SampleRate
	if rate == 0 {
		rate = p.sampleRate
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(rate))
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}
	if p.endpointing > 0 {
		q.Set("endpointing", strconv.Itoa(p.endpointing))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func orDefault(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

// result is the subset of a Deepgram Results message that Tometo uses.
type result struct {
	Type    string  `json:"type"`
	IsFinal bool    `json:"is_final"`
	Start   float64 `json:"start"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// transcript returns the top hypothesis. ok is false for metadata messages
// and empty hypotheses.
func (r result) transcript() (t stt.Transcript, ok bool) {
	if r.Type != "Results" || len(r.Channel.Alternatives) == 0 {
		return t, false
	}
	best := r.Channel.Alternatives[0]
	if best.Transcript == "" {
		return t, false
	}
	return stt.Transcript{
		Text:       best.Transcript,
		IsFinal:    r.IsFinal,
		Confidence: best.Confidence,
		Start:      time.Duration(r.Start * float64(time.Second)),
	}, true
}

func decodeResult(data []byte) (stt.Transcript, bool) {
	var r result
	if err := json.Unmarshal(data, &r); err != nil {
		return stt.Transcript{}, false
	}
	return r.transcript()
}

// session is one live connection. receive owns the transcript channels and
// closes received before them; transmit is the only writer to conn.
type session struct {
	conn      *websocket.Conn
	keepAlive time.Duration
	partials  chan stt.Transcript
	finals    chan stt.Transcript
	audio     chan []byte

	closing  chan struct{}
	received chan struct{}
	cancel   context.CancelFunc
	loops    errgroup.Group

	closed    atomic.Bool
	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

func (s *session) SendAudio(chunk []byte) error {
	if s.closed.Load() {
		return stt.ErrSessionClosed
	}
	select {
	case <-s.received:
		return fmt.Errorf("deepgram: connection ended: %w", s.Err())
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.closing:
		return stt.ErrSessionClosed
	case <-s.received:
		return fmt.Errorf("deepgram: connection ended: %w", s.Err())
	}
}

func (s *session) Partials() <-chan stt.Transcript { return s.partials }

func (s *session) Finals() <-chan stt.Transcript { return s.finals }

func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close asks Deepgram to finish after the queued audio and waits up to
// closeGrace for it to hang up.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.closing)
		timer := time.NewTimer(closeGrace)
		select {
		case <-s.received:
		case <-timer.C:
		}
		timer.Stop()
		s.cancel()
		_ = s.loops.Wait()
		_ = s.conn.Close(websocket.StatusNormalClosure, "")
	})
	return nil
}

func (s *session) transmit(ctx context.Context) error {
	idle := time.NewTicker(s.keepAlive)
	defer idle.Stop()
	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return err
			}
			idle.Reset(s.keepAlive)
		case <-idle.C:
			if err := s.conn.Write(ctx, websocket.MessageText, msgKeepAlive); err != nil {
				return err
			}
		case <-s.closing:
			return s.finish(ctx)
		case <-s.received:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// finish writes whatever audio is still queued, then CloseStream.
func (s *session) finish(ctx context.Context) error {
	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return err
			}
		default:
			return s.conn.Write(ctx, websocket.MessageText, msgCloseStream)
		}
	}
}

func (s *session) receive(ctx context.Context) error {
	defer close(s.partials)
	defer close(s.finals)
	defer close(s.received)

	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if !s.closed.Load() && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				s.mu.Lock()
				s.err = err
				s.mu.Unlock()
			}
			return nil
		}
		t, ok := decodeResult(data)
		if !ok {
			continue
		}
		out := s.partials
		if t.IsFinal {
			out = s.finals
		}
		select {
		case out <- t:
		case <-ctx.Done():
			return nil
		}
	}
}
