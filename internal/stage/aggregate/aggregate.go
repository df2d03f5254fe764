// Package aggregate implements the token aggregation stage. It re-chunks the
// raw token stream into sentence-sized units so the synthesis stage makes one
// call per pronounceable phrase instead of one per token.
//
// A buffer is flushed when it ends a sentence, grows past MaxRunes, or has
// waited MaxAge since its first token. End-of-turn and error frames flush the
// buffer and are then forwarded unchanged, as is end of stream.
package aggregate

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/MrWong99/tometo/internal/observe"
	"github.com/MrWong99/tometo/internal/stage"
	"github.com/MrWong99/tometo/pkg/stream"
)

// Name identifies the stage in logs and metrics.
const Name = "aggregate"

const (
	DefaultMaxRunes = 200
	DefaultMaxAge   = 800 * time.Millisecond
)

// Config tunes flushing. Zero values select the defaults.
type Config struct {
	MaxRunes int
	MaxAge   time.Duration

	// Capacity is the buffer size of the output stream.
	Capacity int
}

// Stage is the token aggregation stage. It holds no provider resources.
type Stage struct {
	stage.Lifecycle

	cfg     Config
	metrics *observe.Metrics
}

var _ stage.Stage = (*Stage)(nil)

// New returns an aggregation stage. A nil m selects [observe.DefaultMetrics].
func New(cfg Config, m *observe.Metrics) *Stage {
	if cfg.MaxRunes <= 0 {
		cfg.MaxRunes = DefaultMaxRunes
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Stage{cfg: cfg, metrics: m}
}

// Name implements stage.Stage.
func (s *Stage) Name() string { return Name }

// Setup implements stage.Stage.
func (s *Stage) Setup(context.Context) error { return s.MarkReady(Name) }

// Teardown implements stage.Stage.
func (s *Stage) Teardown(context.Context) error {
	s.MarkClosed()
	return nil
}

// Run consumes tokens and returns the aggregated stream. The output
// terminates the way tokens terminates, after the last partial buffer has
// been flushed.
func (s *Stage) Run(ctx context.Context, tokens *stream.Reader[stream.TextChunk]) (*stream.Reader[stream.TextChunk], error) {
	if err := s.MarkRunning(Name); err != nil {
		return nil, err
	}
	out := stream.New[stream.TextChunk](s.cfg.Capacity)
	r := out.Clone()
	go s.loop(ctx, tokens, out)
	return r, nil
}

type buffer struct {
	text    strings.Builder
	role    string
	started time.Time
}

func (s *Stage) loop(ctx context.Context, in *stream.Reader[stream.TextChunk], out *stream.Stream[stream.TextChunk]) {
	defer in.Release()

	var buf buffer
	emit := func(text string) error {
		text = strings.TrimSpace(text)
		if text == "" {
			return nil
		}
		s.metrics.RecordFrame(ctx, Name, stream.ChunkToken.String())
		return out.Write(ctx, stream.TextChunk{Text: text, Role: buf.role, IsFinal: true})
	}
	flush := func() error {
		text := buf.text.String()
		buf.text.Reset()
		return emit(text)
	}

	for {
		recvCtx, cancel := ctx, context.CancelFunc(func() {})
		if buf.text.Len() > 0 {
			recvCtx, cancel = context.WithDeadline(ctx, buf.started.Add(s.cfg.MaxAge))
		}
		c, err := in.Recv(recvCtx)
		cancel()

		if err != nil {
			if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				if err := flush(); err != nil {
					out.CloseWithError(err)
					return
				}
				continue
			}
			if ferr := flush(); ferr != nil && errors.Is(err, io.EOF) {
				err = ferr
			}
			if errors.Is(err, io.EOF) {
				out.Close()
			} else {
				out.CloseWithError(err)
			}
			return
		}

		if c.Kind != stream.ChunkToken {
			err := flush()
			if err == nil {
				s.metrics.RecordFrame(ctx, Name, c.Kind.String())
				err = out.Write(ctx, c)
			}
			if err != nil {
				out.CloseWithError(err)
				return
			}
			continue
		}

		if c.Text == "" {
			continue
		}
		if buf.text.Len() == 0 {
			buf.started = time.Now()
			buf.role = c.Role
		}
		buf.text.WriteString(c.Text)

		err = s.drain(&buf, emit)
		if err == nil && buf.text.Len() > 0 && time.Since(buf.started) >= s.cfg.MaxAge {
			err = flush()
		}
		if err != nil {
			out.CloseWithError(err)
			return
		}
	}
}

// drain emits every complete sentence in buf, then splits an oversized
// remainder at its last space.
func (s *Stage) drain(buf *buffer, emit func(string) error) error {
	for {
		text := buf.text.String()
		idx := sentenceBoundary(text)
		if idx < 0 {
			break
		}
		buf.text.Reset()
		buf.text.WriteString(strings.TrimLeftFunc(text[idx+1:], unicode.IsSpace))
		buf.started = time.Now()
		if err := emit(text[:idx+1]); err != nil {
			return err
		}
	}

	text := buf.text.String()
	if utf8.RuneCountInString(text) < s.cfg.MaxRunes {
		return nil
	}
	cut := len(text)
	if i := strings.LastIndexFunc(text, unicode.IsSpace); i > 0 {
		cut = i
	}
	buf.text.Reset()
	buf.text.WriteString(strings.TrimLeftFunc(text[cut:], unicode.IsSpace))
	buf.started = time.Now()
	return emit(text[:cut])
}

// sentenceBoundary returns the byte index of the first '.', '!', '?', ';' or
// ':' that is immediately followed by whitespace, or of the first newline.
// It returns -1 when s holds no boundary.
func sentenceBoundary(s string) int {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\n':
			return i
		case '.', '!', '?', ';', ':':
			if i+1 < len(s) {
				switch s[i+1] {
				case ' ', '\n', '\r', '\t':
					return i
				}
			}
		}
	}
	return -1
}
