package generate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/tometo/internal/observe"
	"github.com/MrWong99/tometo/internal/resilience"
	"github.com/MrWong99/tometo/internal/tool"
	"github.com/MrWong99/tometo/pkg/provider/llm"
	"github.com/MrWong99/tometo/pkg/stream"
)

// turn runs one generation turn for a user utterance. It returns an error
// only for failures that end the stage.
func (s *Stage) turn(ctx context.Context, text string, out *emitter) (err error) {
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "generate.turn")
	defer func() { observe.EndSpan(span, err) }()
	log := observe.Logger(ctx).With("stage", Name)
	log.Info("turn started", "input", text)

	if err := out.record(ctx, llm.Message{Role: "user", Content: text}); err != nil {
		return err
	}

	for rounds := 0; ; {
		s.setState(Generating)
		reply, calls, streamErr, err := s.complete(ctx, out)
		if err != nil {
			s.setState(Idle)
			return err
		}
		limited := len(calls) > 0 && streamErr == nil && rounds >= s.cfg.MaxToolRounds
		if limited {
			// Calls that will never be answered stay out of the context.
			calls = nil
		}
		if reply != "" || len(calls) > 0 {
			if err := out.record(ctx, llm.Message{Role: "assistant", Content: reply, ToolCalls: calls}); err != nil {
				return err
			}
		}
		if streamErr != nil {
			log.Warn("provider stream failed", "err", streamErr)
			s.metrics.RecordProviderError(ctx, "llm", "stream")
			if err := out.token(ctx, stream.ErrorChunk(streamErr)); err != nil {
				return err
			}
			break
		}
		if limited {
			log.Warn("tool round limit reached", "rounds", rounds)
			if err := out.token(ctx, stream.ErrorChunk(ErrToolRounds)); err != nil {
				return err
			}
			break
		}
		if len(calls) == 0 {
			break
		}

		s.setState(ToolRequested)
		fatal, err := s.runTools(ctx, calls, out)
		if err != nil {
			return err
		}
		rounds++
		if fatal {
			break
		}
	}

	s.setState(Finalizing)
	if err := out.endOfTurn(ctx); err != nil {
		return err
	}
	s.metrics.TurnDuration.Record(ctx, time.Since(start).Seconds())
	log.Info("turn finished", "duration", time.Since(start))
	s.setState(Idle)
	return nil
}

// complete streams one completion, forwarding tokens as they arrive.
// streamErr is a recoverable failure the provider reported mid-stream; err
// ends the stage.
func (s *Stage) complete(ctx context.Context, out *emitter) (reply string, calls []llm.ToolCall, streamErr, err error) {
	s.trim(ctx)

	start := time.Now()
	ch, err := s.llm.StreamCompletion(ctx, llm.CompletionRequest{
		Messages:     slices.Clone(s.messages),
		Tools:        s.tools.Definitions(),
		Temperature:  s.cfg.Temperature,
		MaxTokens:    s.cfg.MaxTokens,
		SystemPrompt: s.cfg.SystemPrompt,
	})
	if err != nil {
		s.metrics.RecordProviderError(ctx, "llm", "start")
		return "", nil, nil, fmt.Errorf("generate: start completion: %w", err)
	}
	defer func() {
		go func() {
			for range ch {
			}
		}()
	}()

	var b strings.Builder
	first := true
	for {
		var (
			c  llm.Chunk
			ok bool
		)
		select {
		case c, ok = <-ch:
		case <-ctx.Done():
			return "", nil, nil, ctx.Err()
		}
		if !ok {
			break
		}

		if c.FinishReason == llm.FinishError {
			streamErr = fmt.Errorf("%w: %s", ErrProviderStream, c.Text)
			break
		}
		if c.Text != "" {
			if first {
				s.metrics.RecordStage(ctx, Name, time.Since(start))
				first = false
			}
			b.WriteString(c.Text)
			if err := out.token(ctx, stream.TextChunk{Text: c.Text, Role: "assistant"}); err != nil {
				return "", nil, nil, err
			}
		}
		if c.FinishReason != "" {
			calls = c.ToolCalls
		}
		if c.Usage != nil {
			s.metrics.RecordTokens(ctx, c.Usage.PromptTokens, c.Usage.CompletionTokens)
		}
	}
	return b.String(), calls, streamErr, nil
}

// runTools answers every call in order, one at a time. stop reports that the
// turn must finalize because a call named an unknown tool.
func (s *Stage) runTools(ctx context.Context, calls []llm.ToolCall, out *emitter) (stop bool, err error) {
	for _, call := range calls {
		s.setState(ToolRunning)
		content, unknown := s.runTool(ctx, call)
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if unknown != nil {
			stop = true
			if err := out.token(ctx, stream.ErrorChunk(unknown)); err != nil {
				return false, err
			}
		}
		msg := llm.Message{Role: "tool", Name: call.Name, ToolCallID: call.ID, Content: content}
		if err := out.record(ctx, msg); err != nil {
			return false, err
		}
	}
	return stop, nil
}

type toolResult struct {
	out string
	err error
}

// runTool executes call under its timeout and returns the context entry that
// answers it. unknown is non-nil when no tool of that name is registered.
func (s *Stage) runTool(ctx context.Context, call llm.ToolCall) (content string, unknown *tool.UnknownToolError) {
	ctx, span := observe.StartSpan(ctx, "tool.call", attribute.String("tool.name", call.Name))
	var callErr error
	defer func() { observe.EndSpan(span, callErr) }()
	log := observe.Logger(ctx).With("stage", Name, "tool", call.Name)

	timeout := s.cfg.ToolTimeout
	if t, err := s.tools.Lookup(call.Name); err == nil && t.Timeout() > 0 {
		timeout = t.Timeout()
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan toolResult, 1)
	go func() {
		out, err := s.tools.Invoke(callCtx, call.Name, call.Arguments)
		done <- toolResult{out: out, err: err}
	}()

	var res toolResult
	select {
	case res = <-done:
	case <-callCtx.Done():
		callErr = callCtx.Err()
		if ctx.Err() != nil {
			return "", nil
		}
		log.Warn("tool call timed out", "timeout", timeout)
		s.metrics.RecordToolCall(ctx, call.Name, observe.StatusTimeout, 0)
		return unavailable(call.Name, "did not respond in time"), nil
	}
	elapsed := time.Since(start)
	callErr = res.err

	var (
		verr *tool.ValidationError
		uerr *tool.UnknownToolError
	)
	switch {
	case res.err == nil:
		log.Info("tool call succeeded", "duration", elapsed)
		s.metrics.RecordToolCall(ctx, call.Name, observe.StatusOK, elapsed)
		return res.out, nil
	case errors.As(res.err, &uerr):
		log.Warn("unknown tool requested", "err", res.err)
		s.metrics.RecordToolCall(ctx, call.Name, observe.StatusUnknown, 0)
		return "error: " + uerr.Error(), uerr
	case errors.As(res.err, &verr) && !verr.Output:
		log.Warn("invalid tool arguments", "err", res.err)
		s.metrics.RecordToolCall(ctx, call.Name, observe.StatusInvalidArgs, 0)
		return fmt.Sprintf("error: %v. Correct the arguments and call the tool again.", res.err), nil
	case errors.Is(res.err, resilience.ErrCircuitOpen):
		log.Warn("tool circuit open")
		s.metrics.RecordToolCall(ctx, call.Name, observe.StatusUnavailable, 0)
		return unavailable(call.Name, "is temporarily disabled"), nil
	case errors.Is(res.err, context.DeadlineExceeded):
		log.Warn("tool call timed out", "timeout", timeout)
		s.metrics.RecordToolCall(ctx, call.Name, observe.StatusTimeout, 0)
		return unavailable(call.Name, "did not respond in time"), nil
	default:
		log.Warn("tool call failed", "err", res.err, "duration", elapsed)
		s.metrics.RecordToolCall(ctx, call.Name, observe.StatusError, elapsed)
		return fmt.Sprintf("error: tool %q failed: %v. Tell the user you could not look that up.", call.Name, res.err), nil
	}
}

// unavailable renders the context entry for a tool that gave no answer.
func unavailable(name, reason string) string {
	return fmt.Sprintf("tool unavailable: %q %s. Tell the user you could not look that up.", name, reason)
}

// trim drops the oldest messages until the context fits the token budget.
// An assistant message is never separated from the tool results that answer
// it, and the newest message is always kept.
func (s *Stage) trim(ctx context.Context) {
	budget := s.cfg.MaxContextTokens
	if budget <= 0 {
		caps := s.llm.Capabilities()
		budget = caps.ContextWindow - caps.MaxOutputTokens
	}
	if budget <= 0 {
		return
	}

	dropped := 0
	for len(s.messages) > 1 {
		n, err := s.llm.CountTokens(s.messages)
		if err != nil {
			slog.Warn("generate: count tokens", "err", err)
			break
		}
		if n <= budget {
			break
		}
		drop := 1
		for drop < len(s.messages)-1 && s.messages[drop].Role == "tool" {
			drop++
		}
		s.messages = append(s.messages[:0:0], s.messages[drop:]...)
		dropped += drop
	}
	if dropped > 0 {
		observe.Logger(ctx).Debug("context trimmed", "dropped", dropped, "kept", len(s.messages))
	}
}
