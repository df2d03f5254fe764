// Package generate implements the tool-augmented generation stage.
//
// The stage owns the conversation context of one session. Each final user
// chunk on its input starts a turn:
//
//	Idle → Generating → (ToolRequested → ToolRunning → Generating)* → Finalizing → Idle
//
// While Generating, model tokens are written to the token stream as they
// arrive. When the model requests tools, each call is validated and run in
// its own goroutine under a timeout, its result is appended to the context,
// and generation resumes. Finalizing writes an end-of-turn marker to both the
// token and the history stream; neither is closed until the input ends.
//
// Tool failures, timeouts, malformed arguments and mid-stream provider
// errors are recoverable: they become context entries or in-band error
// frames and the next turn proceeds normally. Only a failure to start a
// completion terminates the outputs.
package generate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/tometo/internal/observe"
	"github.com/MrWong99/tometo/internal/stage"
	"github.com/MrWong99/tometo/internal/tool"
	"github.com/MrWong99/tometo/pkg/provider/llm"
	"github.com/MrWong99/tometo/pkg/stream"
)

// Name identifies the stage in logs and metrics.
const Name = "generate"

const (
	DefaultToolTimeout   = 10 * time.Second
	DefaultMaxToolRounds = 4
)

var (
	// ErrToolRounds is reported in-band when the model still requests tools
	// after MaxToolRounds tool rounds ran.
	ErrToolRounds = errors.New("generate: too many tool rounds")

	// ErrProviderStream wraps an error the model reported after its stream
	// started.
	ErrProviderStream = errors.New("generate: provider stream failed")
)

// TurnState is the position of the stage in its per-turn state machine.
type TurnState int32

const (
	Idle TurnState = iota
	Generating
	ToolRequested
	ToolRunning
	Finalizing
)

// String returns the lower-case name of the state.
func (s TurnState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Generating:
		return "generating"
	case ToolRequested:
		return "tool_requested"
	case ToolRunning:
		return "tool_running"
	case Finalizing:
		return "finalizing"
	default:
		return fmt.Sprintf("turn_state(%d)", int32(s))
	}
}

// Config tunes the stage. Zero values select the defaults.
type Config struct {
	SystemPrompt string
	Temperature  float64
	MaxTokens    int

	// ToolTimeout bounds a tool call. A tool's own timeout overrides it.
	ToolTimeout time.Duration

	// MaxToolRounds bounds the tool rounds executed per turn. A completion
	// asking for more ends the turn with ErrToolRounds.
	MaxToolRounds int

	// MaxContextTokens caps the context sent to the model. Zero derives it
	// from the model's capabilities; when those are unknown nothing is
	// trimmed.
	MaxContextTokens int

	// Capacity is the buffer size of the output streams.
	Capacity int
}

// Outputs are the streams produced by [Stage.Run].
type Outputs struct {
	// Tokens carries assistant tokens, in-band error frames and one
	// end-of-turn marker per turn.
	Tokens *stream.Reader[stream.TextChunk]

	// History carries one entry per context mutation and one end-of-turn
	// marker per turn.
	History *stream.Reader[stream.TextChunk]
}

// Stage is the generation stage.
type Stage struct {
	stage.Lifecycle

	llm     llm.Provider
	tools   *tool.Registry
	cfg     Config
	metrics *observe.Metrics
	observe func(TurnState)

	state atomic.Int32

	// messages is touched only by the turn loop goroutine.
	messages []llm.Message

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

var _ stage.Stage = (*Stage)(nil)

// Option configures a Stage.
type Option func(*Stage)

// WithMetrics records on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Stage) { s.metrics = m }
}

// WithStateObserver calls fn on every turn state change, from the turn loop.
func WithStateObserver(fn func(TurnState)) Option {
	return func(s *Stage) { s.observe = fn }
}

// New returns a generation stage. tools may be nil when no tools are offered.
func New(p llm.Provider, tools *tool.Registry, cfg Config, opts ...Option) *Stage {
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = DefaultToolTimeout
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = DefaultMaxToolRounds
	}
	if tools == nil {
		tools = tool.NewRegistry()
	}
	s := &Stage{llm: p, tools: tools, cfg: cfg}
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

// Setup implements stage.Stage.
func (s *Stage) Setup(context.Context) error {
	if s.llm == nil {
		return fmt.Errorf("generate: no llm provider")
	}
	if err := s.MarkReady(Name); err != nil {
		return err
	}
	caps := s.llm.Capabilities()
	slog.Debug("generation stage ready",
		"tools", s.tools.Names(),
		"context_window", caps.ContextWindow,
		"tool_calling", caps.SupportsToolCalling,
	)
	return nil
}

// TurnState returns the current turn state.
func (s *Stage) TurnState() TurnState { return TurnState(s.state.Load()) }

func (s *Stage) setState(st TurnState) {
	s.state.Store(int32(st))
	if s.observe != nil {
		s.observe(st)
	}
}

// Run starts the turn loop over in. Both outputs end when in ends, and
// terminate with in's error or with a completion start failure.
func (s *Stage) Run(ctx context.Context, in *stream.Reader[stream.TextChunk]) (Outputs, error) {
	if err := s.MarkRunning(Name); err != nil {
		return Outputs{}, err
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.mu.Lock()
	s.cancel, s.done = cancel, done
	s.mu.Unlock()

	tokens := stream.New[stream.TextChunk](s.cfg.Capacity)
	history := stream.New[stream.TextChunk](s.cfg.Capacity)
	outs := Outputs{Tokens: tokens.Clone(), History: history.Clone()}

	go func() {
		defer close(done)
		defer cancel()
		defer in.Release()
		err := s.loop(ctx, in, &emitter{s: s, tokens: tokens, history: history})
		if err != nil {
			tokens.CloseWithError(err)
			history.CloseWithError(err)
			return
		}
		tokens.Close()
		history.Close()
	}()
	return outs, nil
}

func (s *Stage) loop(ctx context.Context, in *stream.Reader[stream.TextChunk], out *emitter) error {
	for c, err := range in.All(ctx) {
		if err != nil {
			return err
		}
		if c.Kind != stream.ChunkToken || !c.IsFinal {
			continue
		}
		text := strings.TrimSpace(c.Text)
		if text == "" {
			continue
		}
		if err := s.turn(ctx, text, out); err != nil {
			return err
		}
	}
	return nil
}

// Teardown stops the turn loop and waits for it to exit.
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
		return fmt.Errorf("generate: teardown: %w", ctx.Err())
	}
}

// emitter writes to the stage outputs.
type emitter struct {
	s       *Stage
	tokens  *stream.Stream[stream.TextChunk]
	history *stream.Stream[stream.TextChunk]
}

func (e *emitter) token(ctx context.Context, c stream.TextChunk) error {
	e.s.metrics.RecordFrame(ctx, Name, c.Kind.String())
	return e.tokens.Write(ctx, c)
}

// record appends m to the context and mirrors it onto the history stream.
func (e *emitter) record(ctx context.Context, m llm.Message) error {
	e.s.messages = append(e.s.messages, m)
	entry := stream.TextChunk{Text: m.Content, Role: m.Role, IsFinal: true}
	if m.Role == "tool" {
		entry.Kind = stream.ChunkToolResult
		entry.Name = m.Name
	}
	return e.history.Write(ctx, entry)
}

func (e *emitter) endOfTurn(ctx context.Context) error {
	if err := e.token(ctx, stream.EndOfTurn("assistant")); err != nil {
		return err
	}
	return e.history.Write(ctx, stream.EndOfTurn("assistant"))
}
