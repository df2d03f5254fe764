// Package transcribe implements the speech-to-text pipeline stage. It feeds
// inbound audio frames to a streaming recogniser and emits each final
// transcript as a user TextChunk.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/tometo/internal/observe"
	"github.com/MrWong99/tometo/internal/stage"
	"github.com/MrWong99/tometo/pkg/provider/stt"
	"github.com/MrWong99/tometo/pkg/stream"
)

// Name identifies the stage in logs and metrics.
const Name = "transcribe"

// Stage is the speech-to-text stage.
type Stage struct {
	stage.Lifecycle

	provider stt.Provider
	cfg      stt.StreamConfig
	capacity int
	metrics  *observe.Metrics

	handle    stt.SessionHandle
	closeOnce sync.Once
	closeErr  error
}

var _ stage.Stage = (*Stage)(nil)

// Option configures a Stage.
type Option func(*Stage)

// WithCapacity sets the buffer size of the output stream.
func WithCapacity(n int) Option {
	return func(s *Stage) { s.capacity = n }
}

// WithMetrics records frame counts on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Stage) { s.metrics = m }
}

// New returns a transcription stage for audio in the format described by cfg.
func New(p stt.Provider, cfg stt.StreamConfig, opts ...Option) *Stage {
	s := &Stage{provider: p, cfg: cfg}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Name implements stage.Stage.
func (s *Stage) Name() string { return Name }

// Setup opens the recognition session. ctx bounds the session's lifetime.
func (s *Stage) Setup(ctx context.Context) error {
	if s.provider == nil {
		return fmt.Errorf("transcribe: no stt provider")
	}
	if err := s.MarkReady(Name); err != nil {
		return err
	}
	start := time.Now()
	h, err := s.provider.StartStream(ctx, s.cfg)
	if err != nil {
		s.metrics.RecordProviderError(ctx, "stt", "start")
		return fmt.Errorf("transcribe: start stream: %w", err)
	}
	s.metrics.RecordStage(ctx, Name+".setup", time.Since(start))
	s.handle = h
	return nil
}

// Run forwards audio to the recogniser and returns the stream of final
// transcripts. The output ends after audio ends and the recogniser has
// flushed. An audio error or a recogniser failure terminates the output
// with that error.
func (s *Stage) Run(ctx context.Context, audio *stream.Reader[stream.AudioFrame]) (*stream.Reader[stream.TextChunk], error) {
	if err := s.MarkRunning(Name); err != nil {
		return nil, err
	}
	out := stream.New[stream.TextChunk](s.capacity)
	r := out.Clone()

	go s.send(ctx, audio, out)
	go s.discardPartials()
	go s.receive(ctx, out)
	return r, nil
}

func (s *Stage) send(ctx context.Context, audio *stream.Reader[stream.AudioFrame], out *stream.Stream[stream.TextChunk]) {
	defer audio.Release()
	for frame, err := range audio.All(ctx) {
		if err != nil {
			out.CloseWithError(fmt.Errorf("transcribe: audio input: %w", err))
			break
		}
		if err := s.handle.SendAudio(frame.Data); err != nil {
			if errors.Is(err, stt.ErrSessionClosed) {
				break
			}
			s.metrics.RecordProviderError(ctx, "stt", "send")
			out.CloseWithError(fmt.Errorf("transcribe: send audio: %w", err))
			break
		}
	}
	_ = s.closeHandle()
}

func (s *Stage) discardPartials() {
	for t := range s.handle.Partials() {
		slog.Debug("partial transcript", "text", t.Text)
	}
}

func (s *Stage) receive(ctx context.Context, out *stream.Stream[stream.TextChunk]) {
	for t := range s.handle.Finals() {
		text := strings.TrimSpace(t.Text)
		if text == "" {
			continue
		}
		slog.Info("transcript", "text", text, "confidence", t.Confidence)
		if err := out.Write(ctx, stream.TextChunk{Text: text, Role: "user", IsFinal: true}); err != nil {
			out.CloseWithError(err)
			_ = s.closeHandle()
			for range s.handle.Finals() {
			}
			return
		}
		s.metrics.RecordFrame(ctx, Name, stream.ChunkToken.String())
	}
	if err := s.handle.Err(); err != nil {
		s.metrics.RecordProviderError(ctx, "stt", "stream")
		out.CloseWithError(fmt.Errorf("transcribe: %w", err))
		return
	}
	out.Close()
}

func (s *Stage) closeHandle() error {
	s.closeOnce.Do(func() {
		if s.handle != nil {
			s.closeErr = s.handle.Close()
		}
	})
	return s.closeErr
}

// Teardown closes the recognition session.
func (s *Stage) Teardown(context.Context) error {
	if !s.MarkClosed() {
		return nil
	}
	if err := s.closeHandle(); err != nil {
		return fmt.Errorf("transcribe: close: %w", err)
	}
	return nil
}
