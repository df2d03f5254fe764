// Package synthesize implements the text-to-speech pipeline stage.
//
// The stage opens one streaming synthesis call per turn: the first text chunk
// of a turn starts it, every further chunk is fed to it, and the end-of-turn
// marker closes its input. Audio from one turn is fully written before the
// next turn starts.
package synthesize

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/tometo/internal/observe"
	"github.com/MrWong99/tometo/internal/stage"
	"github.com/MrWong99/tometo/pkg/provider/tts"
	"github.com/MrWong99/tometo/pkg/stream"
)

// Name identifies the stage in logs and metrics.
const Name = "synthesize"

// DefaultErrorPhrase is spoken when an in-band error frame arrives.
const DefaultErrorPhrase = "Sorry, I ran into a problem with that."

// Config describes the synthesised audio.
type Config struct {
	Voice tts.VoiceProfile

	// SampleRate and Channels describe the PCM the provider returns. They
	// are stamped onto every output frame.
	SampleRate int
	Channels   int

	// ErrorPhrase replaces in-band error frames. Empty selects
	// DefaultErrorPhrase; "-" disables it.
	ErrorPhrase string

	Capacity int
}

// Stage is the synthesis stage.
type Stage struct {
	stage.Lifecycle

	provider tts.Provider
	cfg      Config
	metrics  *observe.Metrics

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

var _ stage.Stage = (*Stage)(nil)

// New returns a synthesis stage. A nil m selects [observe.DefaultMetrics].
func New(p tts.Provider, cfg Config, m *observe.Metrics) *Stage {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.ErrorPhrase == "" {
		cfg.ErrorPhrase = DefaultErrorPhrase
	}
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Stage{provider: p, cfg: cfg, metrics: m}
}

// Name implements stage.Stage.
func (s *Stage) Name() string { return Name }

// Setup implements stage.Stage. Synthesis connections are opened per turn.
func (s *Stage) Setup(context.Context) error {
	if s.provider == nil {
		return fmt.Errorf("synthesize: no tts provider")
	}
	return s.MarkReady(Name)
}

// Run returns the audio stream synthesised from text. The output terminates
// the way text terminates, after the audio of the last turn.
func (s *Stage) Run(ctx context.Context, text *stream.Reader[stream.TextChunk]) (*stream.Reader[stream.AudioFrame], error) {
	if err := s.MarkRunning(Name); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.mu.Lock()
	s.cancel, s.done = cancel, done
	s.mu.Unlock()

	out := stream.New[stream.AudioFrame](s.cfg.Capacity)
	r := out.Clone()
	go func() {
		defer close(done)
		defer cancel()
		s.loop(ctx, text, out)
	}()
	return r, nil
}

// turn is one open synthesis call.
type turn struct {
	text  chan string
	done  chan struct{}
	err   error
	start time.Time

	// inputClosed is set once the loop has closed text.
	inputClosed atomic.Bool
	cutShort    sync.Once
}

// endedEarly reports, once per turn, that the provider stopped producing
// audio while the turn still had text to speak. Text queued afterwards is
// dropped.
func (s *Stage) endedEarly(ctx context.Context, t *turn) {
	t.cutShort.Do(func() {
		slog.Warn("synthesis stream ended before the turn; dropping the rest of the turn's text",
			"stage", Name, "voice", s.cfg.Voice.ID)
		s.metrics.RecordProviderError(ctx, "tts", "ended_early")
	})
}

func (s *Stage) loop(ctx context.Context, in *stream.Reader[stream.TextChunk], out *stream.Stream[stream.AudioFrame]) {
	defer in.Release()

	var (
		cur    *turn
		offset time.Duration
	)
	finish := func() error {
		if cur == nil {
			return nil
		}
		cur.inputClosed.Store(true)
		close(cur.text)
		<-cur.done
		s.metrics.RecordStage(ctx, Name, time.Since(cur.start))
		err := cur.err
		cur = nil
		return err
	}
	speak := func(text string) error {
		if cur == nil {
			t, err := s.open(ctx, out, &offset)
			if err != nil {
				return err
			}
			cur = t
		}
		select {
		case <-cur.done:
			if cur.err != nil {
				return cur.err
			}
			s.endedEarly(ctx, cur)
			return nil
		default:
		}
		select {
		case cur.text <- text:
			return nil
		case <-cur.done:
			if cur.err != nil {
				return cur.err
			}
			s.endedEarly(ctx, cur)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for {
		c, err := in.Recv(ctx)
		if err != nil {
			if ferr := finish(); ferr != nil && errors.Is(err, io.EOF) {
				err = ferr
			}
			if errors.Is(err, io.EOF) {
				out.Close()
			} else {
				out.CloseWithError(err)
			}
			return
		}

		switch c.Kind {
		case stream.ChunkToken:
			if c.Text != "" {
				err = speak(c.Text)
			}
		case stream.ChunkError:
			slog.Warn("speaking error fallback", "err", c.Err)
			if s.cfg.ErrorPhrase != "-" {
				err = speak(s.cfg.ErrorPhrase)
			}
		case stream.ChunkEndOfTurn:
			err = finish()
		}
		if err != nil {
			_ = finish()
			out.CloseWithError(err)
			return
		}
	}
}

// open starts a synthesis call whose audio is copied to out.
func (s *Stage) open(ctx context.Context, out *stream.Stream[stream.AudioFrame], offset *time.Duration) (*turn, error) {
	t := &turn{
		text:  make(chan string, 16),
		done:  make(chan struct{}),
		start: time.Now(),
	}
	audio, err := s.provider.SynthesizeStream(ctx, t.text, s.cfg.Voice)
	if err != nil {
		s.metrics.RecordProviderError(ctx, "tts", "start")
		return nil, fmt.Errorf("synthesize: start stream: %w", err)
	}

	go func() {
		t.err = s.pump(ctx, audio, out, offset)
		early := t.err == nil && ctx.Err() == nil && !t.inputClosed.Load()
		close(t.done)
		if early {
			s.endedEarly(ctx, t)
		}
	}()
	return t, nil
}

// pump copies audio to out until the provider closes it.
func (s *Stage) pump(ctx context.Context, audio <-chan []byte, out *stream.Stream[stream.AudioFrame], offset *time.Duration) error {
	bytesPerSecond := s.cfg.SampleRate * s.cfg.Channels * 2
	for pcm := range audio {
		if len(pcm) == 0 {
			continue
		}
		frame := stream.AudioFrame{
			Data:       pcm,
			SampleRate: s.cfg.SampleRate,
			Channels:   s.cfg.Channels,
			Timestamp:  *offset,
		}
		*offset += time.Duration(len(pcm)) * time.Second / time.Duration(bytesPerSecond)
		if err := out.Write(ctx, frame); err != nil {
			for range audio {
			}
			return err
		}
		s.metrics.RecordFrame(ctx, Name, "audio")
	}
	return nil
}

// Teardown stops any synthesis in flight and waits for the stage goroutine.
func (s *Stage) Teardown(ctx context.Context) error {
	if !s.MarkClosed() {
		return nil
	}
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("synthesize: teardown: %w", ctx.Err())
	}
}
