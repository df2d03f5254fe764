// Package tool describes callable tools and the registry the generation stage
// dispatches tool calls through.
//
// A [Tool] carries JSON schemas for its input and output. Schemas for
// in-process tools are generated from Go types with [New]; remote tools
// supply the schema they advertise through [NewRaw]. Both are resolved once at
// construction, so a schema error is reported at registration and never during
// a conversation.
package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/MrWong99/tometo/pkg/provider/llm"
)

// Func is the untyped handler signature. args and the result are JSON
// documents.
type Func func(ctx context.Context, args string) (string, error)

// Tool is a named callable with validated input and output.
type Tool struct {
	name        string
	description string
	timeout     time.Duration

	inputSchema  *jsonschema.Schema
	outputSchema *jsonschema.Schema
	input        *jsonschema.Resolved
	output       *jsonschema.Resolved

	fn Func
}

// Option configures a Tool.
type Option func(*Tool)

// WithTimeout overrides the caller's default timeout for this tool.
func WithTimeout(d time.Duration) Option {
	return func(t *Tool) { t.timeout = d }
}

// WithOutputSchema validates every result against s, replacing any schema
// inferred by [New].
func WithOutputSchema(s *jsonschema.Schema) Option {
	return func(t *Tool) { t.outputSchema = s }
}

// New builds a Tool from a typed handler. The input and output schemas are
// inferred from In and Out; fields without omitempty are required.
func New[In, Out any](name, description string, fn func(ctx context.Context, in In) (Out, error), opts ...Option) (*Tool, error) {
	in, err := jsonschema.For[In](&jsonschema.ForOptions{})
	if err != nil {
		return nil, fmt.Errorf("tool %q: input schema: %w", name, err)
	}
	out, err := jsonschema.For[Out](&jsonschema.ForOptions{})
	if err != nil {
		return nil, fmt.Errorf("tool %q: output schema: %w", name, err)
	}

	raw := func(ctx context.Context, args string) (string, error) {
		var v In
		if err := json.Unmarshal([]byte(args), &v); err != nil {
			return "", &ValidationError{Tool: name, Err: err}
		}
		res, err := fn(ctx, v)
		if err != nil {
			return "", err
		}
		b, err := json.Marshal(res)
		if err != nil {
			return "", fmt.Errorf("tool %q: encode result: %w", name, err)
		}
		return string(b), nil
	}

	t, err := build(name, description, in, out, raw, opts)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// NewRaw builds a Tool from an untyped handler and the input schema it
// declares. input may be nil, which accepts any JSON object. The output is
// only validated when [WithOutputSchema] is given.
func NewRaw(name, description string, input *jsonschema.Schema, fn Func, opts ...Option) (*Tool, error) {
	if input == nil {
		input = &jsonschema.Schema{Type: "object"}
	}
	return build(name, description, input, nil, fn, opts)
}

func build(name, description string, in, out *jsonschema.Schema, fn Func, opts []Option) (*Tool, error) {
	if name == "" {
		return nil, errors.New("tool: name must not be empty")
	}
	if fn == nil {
		return nil, fmt.Errorf("tool %q: handler must not be nil", name)
	}
	t := &Tool{name: name, description: description, inputSchema: in, outputSchema: out, fn: fn}
	for _, o := range opts {
		o(t)
	}

	var err error
	if t.input, err = in.Resolve(nil); err != nil {
		return nil, fmt.Errorf("tool %q: resolve input schema: %w", name, err)
	}
	if t.outputSchema != nil {
		if t.output, err = t.outputSchema.Resolve(nil); err != nil {
			return nil, fmt.Errorf("tool %q: resolve output schema: %w", name, err)
		}
	}
	return t, nil
}

// Name returns the dispatch name.
func (t *Tool) Name() string { return t.name }

// Timeout returns the per-tool timeout, or zero when the caller's default
// applies.
func (t *Tool) Timeout() time.Duration { return t.timeout }

// Definition returns the descriptor advertised to the language model.
func (t *Tool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        t.name,
		Description: t.description,
		Parameters:  schemaToMap(t.inputSchema),
	}
}

// Call validates args against the input schema, runs the handler, and
// validates the result against the output schema. An empty args string is
// treated as an empty object.
func (t *Tool) Call(ctx context.Context, args string) (string, error) {
	if args == "" {
		args = "{}"
	}
	if err := validate(t.input, args); err != nil {
		return "", &ValidationError{Tool: t.name, Err: err}
	}
	res, err := t.fn(ctx, args)
	if err != nil {
		return "", err
	}
	if t.output != nil {
		if err := validate(t.output, res); err != nil {
			return "", &ValidationError{Tool: t.name, Output: true, Err: err}
		}
	}
	return res, nil
}

func validate(r *jsonschema.Resolved, doc string) error {
	var v any
	if err := json.Unmarshal([]byte(doc), &v); err != nil {
		return err
	}
	return r.Validate(v)
}

// schemaToMap renders a schema as the generic map the providers expect.
func schemaToMap(s *jsonschema.Schema) map[string]any {
	fallback := map[string]any{"type": "object"}
	if s == nil {
		return fallback
	}
	b, err := json.Marshal(s)
	if err != nil {
		return fallback
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil || m == nil {
		return fallback
	}
	return m
}

// SchemaFromMap parses a JSON schema held in a generic value, such as the
// input schema an MCP server advertises.
func SchemaFromMap(v any) (*jsonschema.Schema, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var s jsonschema.Schema
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
