// Package session builds and runs the stage graph of one conversation.
//
// A Session owns one instance of every stage. It constructs them in
// dependency order, sets them up, wires their streams with combinators
//
//	audio ─ transcribe ─┐
//	                    ├─ merge ─ generate ─ aggregate ─ synthesize ─ output
//	text ── content ────┘
//
// and tears them down in reverse order. Sessions share no mutable state; the
// transport creates one per connection.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/tometo/internal/observe"
	"github.com/MrWong99/tometo/internal/stage"
	"github.com/MrWong99/tometo/internal/stage/aggregate"
	"github.com/MrWong99/tometo/internal/stage/generate"
	"github.com/MrWong99/tometo/internal/stage/synthesize"
	"github.com/MrWong99/tometo/internal/stage/transcribe"
	"github.com/MrWong99/tometo/internal/tool"
	"github.com/MrWong99/tometo/pkg/provider/llm"
	"github.com/MrWong99/tometo/pkg/provider/stt"
	"github.com/MrWong99/tometo/pkg/provider/tts"
	"github.com/MrWong99/tometo/pkg/stream"
)

// OutputMode selects what the session returns.
type OutputMode string

const (
	// OutputAudio synthesises aggregated text into speech.
	OutputAudio OutputMode = "audio"

	// OutputText skips synthesis and returns aggregated text.
	OutputText OutputMode = "text"
)

// ErrBadMessage terminates the text input when a message is not valid JSON.
var ErrBadMessage = errors.New("session: malformed text message")

// Config describes the pipeline of a session.
type Config struct {
	// SampleRate and Channels describe inbound and synthesised PCM.
	SampleRate int
	Channels   int
	Language   string

	// InputAudio enables the transcription stage. When false, inbound audio
	// is dropped.
	InputAudio bool

	// Output defaults to OutputAudio.
	Output OutputMode

	// Capacity is the buffer size of every stream the session creates.
	Capacity int

	Generate    generate.Config
	Aggregate   aggregate.Config
	Voice       tts.VoiceProfile
	ErrorPhrase string

	// DebugObserve logs every token, sentence and history frame.
	DebugObserve bool
}

// Providers are the collaborators a session's stages use. Tools may be nil.
type Providers struct {
	LLM   llm.Provider
	STT   stt.Provider
	TTS   tts.Provider
	Tools *tool.Registry
}

// Inputs are the streams the transport feeds. Either may be nil.
type Inputs struct {
	Audio *stream.Reader[stream.AudioFrame]
	Text  *stream.Reader[stream.TextChunk]
}

// Output is the stream returned to the transport. Exactly one field is set,
// according to [Config.Output].
type Output struct {
	Audio *stream.Reader[stream.AudioFrame]
	Text  *stream.Reader[stream.TextChunk]
}

// Session is one conversation.
type Session struct {
	id      string
	cfg     Config
	metrics *observe.Metrics
	log     *slog.Logger
	history func(stream.TextChunk)

	transcribe *transcribe.Stage
	generate   *generate.Stage
	aggregate  *aggregate.Stage
	synthesize *synthesize.Stage

	// stages in construction order.
	stages []stage.Stage

	mu     sync.Mutex
	active bool

	closeOnce sync.Once
	closeErr  error
}

// Option configures a Session.
type Option func(*Session)

// WithMetrics records on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithLogger logs through l instead of [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithHistory calls fn for every history entry, including end-of-turn
// markers, from the session's history consumer.
func WithHistory(fn func(stream.TextChunk)) Option {
	return func(s *Session) { s.history = fn }
}

// New constructs the stages of a session. It does not acquire resources.
func New(cfg Config, p Providers, opts ...Option) (*Session, error) {
	if cfg.Output == "" {
		cfg.Output = OutputAudio
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}

	var errs []error
	if p.LLM == nil {
		errs = append(errs, errors.New("llm provider is required"))
	}
	if cfg.InputAudio && p.STT == nil {
		errs = append(errs, errors.New("audio input requires an stt provider"))
	}
	switch cfg.Output {
	case OutputAudio:
		if p.TTS == nil {
			errs = append(errs, errors.New("audio output requires a tts provider"))
		}
	case OutputText:
	default:
		errs = append(errs, fmt.Errorf("unknown output mode %q", cfg.Output))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	s := &Session{id: uuid.NewString(), cfg: cfg}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With("session_id", s.id)

	if cfg.InputAudio {
		s.transcribe = transcribe.New(p.STT,
			stt.StreamConfig{SampleRate: cfg.SampleRate, Channels: cfg.Channels, Language: cfg.Language},
			transcribe.WithCapacity(cfg.Capacity), transcribe.WithMetrics(s.metrics))
		s.stages = append(s.stages, s.transcribe)
	}

	gcfg := cfg.Generate
	gcfg.Capacity = cfg.Capacity
	s.generate = generate.New(p.LLM, p.Tools, gcfg, generate.WithMetrics(s.metrics))
	s.stages = append(s.stages, s.generate)

	acfg := cfg.Aggregate
	acfg.Capacity = cfg.Capacity
	s.aggregate = aggregate.New(acfg, s.metrics)
	s.stages = append(s.stages, s.aggregate)

	if cfg.Output == OutputAudio {
		s.synthesize = synthesize.New(p.TTS, synthesize.Config{
			Voice:       cfg.Voice,
			SampleRate:  cfg.SampleRate,
			Channels:    cfg.Channels,
			ErrorPhrase: cfg.ErrorPhrase,
			Capacity:    cfg.Capacity,
		}, s.metrics)
		s.stages = append(s.stages, s.synthesize)
	}
	return s, nil
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Setup sets up every stage in construction order. If one fails, the stages
// already set up and the failing one are torn down before returning.
func (s *Session) Setup(ctx context.Context) error {
	start := time.Now()
	for i, st := range s.stages {
		if err := st.Setup(ctx); err != nil {
			s.log.Error("stage setup failed", "stage", st.Name(), "err", err)
			if terr := teardown(ctx, s.log, s.stages[:i+1]); terr != nil {
				s.log.Warn("teardown after failed setup", "err", terr)
			}
			return fmt.Errorf("session: setup %s: %w", st.Name(), err)
		}
	}
	s.mu.Lock()
	s.active = true
	s.mu.Unlock()
	s.metrics.ActiveSessions.Add(ctx, 1)
	s.log.Info("session ready", "stages", len(s.stages), "output", s.cfg.Output, "duration", time.Since(start))
	return nil
}

// Run wires in through the stage graph and returns the output stream. The
// output ends after both inputs have ended and the last turn has been
// delivered. A malformed text message or a stream-fatal stage error
// terminates the output with that error.
func (s *Session) Run(ctx context.Context, in Inputs) (Output, error) {
	ctx = observe.WithSessionID(ctx, s.id)
	var sources []*stream.Reader[stream.TextChunk]
	if in.Text != nil {
		sources = append(sources, stream.FilterMap(ctx, in.Text, decodeContent))
	}
	if in.Audio != nil {
		if s.transcribe != nil {
			transcripts, err := s.transcribe.Run(ctx, in.Audio)
			if err != nil {
				return Output{}, fmt.Errorf("session: %w", err)
			}
			sources = append(sources, transcripts)
		} else {
			go s.dropAudio(ctx, in.Audio)
		}
	}

	outs, err := s.generate.Run(ctx, stream.Merge(ctx, sources...))
	if err != nil {
		return Output{}, fmt.Errorf("session: %w", err)
	}
	if s.cfg.DebugObserve {
		s.observe(ctx, "tokens", outs.Tokens)
	}
	go s.watch(ctx, "history", outs.History, s.history)

	text, err := s.aggregate.Run(ctx, outs.Tokens)
	if err != nil {
		return Output{}, fmt.Errorf("session: %w", err)
	}
	if s.cfg.DebugObserve {
		s.observe(ctx, "sentences", text)
	}
	if s.synthesize == nil {
		return Output{Text: text}, nil
	}
	audio, err := s.synthesize.Run(ctx, text)
	if err != nil {
		return Output{}, fmt.Errorf("session: %w", err)
	}
	return Output{Audio: audio}, nil
}

// Close tears every stage down in reverse construction order. All stages
// are torn down even when some fail; their errors are logged and returned
// joined. Close is idempotent.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.closeErr = teardown(ctx, s.log, s.stages)
		s.mu.Lock()
		wasActive := s.active
		s.active = false
		s.mu.Unlock()
		if wasActive {
			s.metrics.ActiveSessions.Add(ctx, -1)
		}
		if s.closeErr != nil {
			s.log.Warn("session closed with errors", "err", s.closeErr)
			return
		}
		s.log.Info("session closed")
	})
	return s.closeErr
}

func teardown(ctx context.Context, log *slog.Logger, stages []stage.Stage) error {
	var errs []error
	for i := len(stages) - 1; i >= 0; i-- {
		if err := stages[i].Teardown(ctx); err != nil {
			log.Warn("stage teardown failed", "stage", stages[i].Name(), "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", stages[i].Name(), err))
		}
	}
	return errors.Join(errs...)
}

// message is the JSON shape of an inbound text message.
type message struct {
	Content *string `json:"content"`
}

// decodeContent extracts the content field of a raw JSON text message.
// Messages without content are dropped.
func decodeContent(c stream.TextChunk) (stream.TextChunk, bool, error) {
	var m message
	if err := json.Unmarshal([]byte(c.Text), &m); err != nil {
		return stream.TextChunk{}, false, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	if m.Content == nil {
		return stream.TextChunk{}, false, nil
	}
	return stream.TextChunk{Text: *m.Content, Role: "user", IsFinal: true}, true, nil
}

func (s *Session) dropAudio(ctx context.Context, audio *stream.Reader[stream.AudioFrame]) {
	defer audio.Release()
	warned := false
	for _, err := range audio.All(ctx) {
		if err != nil {
			return
		}
		if !warned {
			s.log.Warn("audio input disabled, dropping frames")
			warned = true
		}
	}
}

// watch consumes r until it ends, logging when debug observation is on
// and passing every frame to fn.
// observe logs every frame of r's stream from now on without consuming r.
func (s *Session) observe(ctx context.Context, name string, r *stream.Reader[stream.TextChunk]) {
	for _, o := range stream.Tee(r, 1) {
		go s.watch(ctx, name, o, nil)
	}
}

func (s *Session) watch(ctx context.Context, name string, r *stream.Reader[stream.TextChunk], fn func(stream.TextChunk)) {
	defer r.Release()
	for c, err := range r.All(ctx) {
		if err != nil {
			s.log.Debug("observed stream ended", "stream", name, "err", err)
			return
		}
		if s.cfg.DebugObserve {
			s.log.Info("observed", "stream", name, "kind", c.Kind.String(), "role", c.Role, "text", c.Text)
		}
		if fn != nil {
			fn(c)
		}
	}
}
