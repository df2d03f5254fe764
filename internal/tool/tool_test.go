package tool_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/MrWong99/tometo/internal/tool"
)

type echoIn struct {
	Text  string `json:"text" jsonschema:"the text to echo"`
	Times int    `json:"times,omitempty"`
}

type echoOut struct {
	Echo string `json:"echo"`
}

func echo(_ context.Context, in echoIn) (echoOut, error) {
	n := max(in.Times, 1)
	return echoOut{Echo: strings.Repeat(in.Text, n)}, nil
}

// mustTool builds a typed tool or fails the test.
func mustTool[In, Out any](t *testing.T, name, description string, fn func(context.Context, In) (Out, error), opts ...tool.Option) *tool.Tool {
	t.Helper()
	tl, err := tool.New(name, description, fn, opts...)
	if err != nil {
		t.Fatalf("tool.New(%q): %v", name, err)
	}
	return tl
}

func TestNew_Definition(t *testing.T) {
	t.Parallel()

	tl, err := tool.New("echo", "Echo text back.", echo, tool.WithTimeout(2*time.Second))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	def := tl.Definition()
	if def.Name != "echo" || def.Description != "Echo text back." {
		t.Errorf("definition: got %s / %s", def.Name, def.Description)
	}
	if def.Parameters["type"] != "object" {
		t.Errorf("parameters type: want object, got %v", def.Parameters["type"])
	}
	props, _ := def.Parameters["properties"].(map[string]any)
	if _, ok := props["text"]; !ok {
		t.Errorf("properties: want text, got %v", props)
	}
	req, _ := def.Parameters["required"].([]any)
	if len(req) != 1 || req[0] != "text" {
		t.Errorf("required: want [text], got %v", req)
	}
	if tl.Timeout() != 2*time.Second {
		t.Errorf("Timeout: want 2s, got %v", tl.Timeout())
	}
}

func TestCall_Valid(t *testing.T) {
	t.Parallel()

	tl := mustTool(t, "echo", "", echo)
	got, err := tl.Call(context.Background(), `{"text":"ab","times":2}`)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got != `{"echo":"abab"}` {
		t.Errorf("result: got %s", got)
	}
}

func TestCall_MissingRequired(t *testing.T) {
	t.Parallel()

	called := false
	tl := mustTool(t, "echo", "", func(ctx context.Context, in echoIn) (echoOut, error) {
		called = true
		return echo(ctx, in)
	})
	_, err := tl.Call(context.Background(), `{"times":2}`)
	var verr *tool.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("want ValidationError, got %v", err)
	}
	if verr.Output {
		t.Error("want input validation error")
	}
	if called {
		t.Error("handler must not run on invalid input")
	}
}

func TestCall_WrongType(t *testing.T) {
	t.Parallel()

	tl := mustTool(t, "echo", "", echo)
	_, err := tl.Call(context.Background(), `{"text":42}`)
	var verr *tool.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("want ValidationError, got %v", err)
	}
}

func TestCall_MalformedJSON(t *testing.T) {
	t.Parallel()

	tl := mustTool(t, "echo", "", echo)
	_, err := tl.Call(context.Background(), `{"text":`)
	var verr *tool.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("want ValidationError, got %v", err)
	}
}

func TestCall_HandlerError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	tl := mustTool(t, "fail", "", func(context.Context, echoIn) (echoOut, error) {
		return echoOut{}, boom
	})
	if _, err := tl.Call(context.Background(), `{"text":"x"}`); !errors.Is(err, boom) {
		t.Errorf("want boom, got %v", err)
	}
}

func TestNewRaw_NilSchemaAcceptsObject(t *testing.T) {
	t.Parallel()

	tl, err := tool.NewRaw("raw", "", nil, func(_ context.Context, args string) (string, error) {
		return args, nil
	})
	if err != nil {
		t.Fatalf("NewRaw: %v", err)
	}
	got, err := tl.Call(context.Background(), "")
	if err != nil || got != "{}" {
		t.Errorf("Call(\"\") = (%q, %v), want ({}, nil)", got, err)
	}
	if _, err := tl.Call(context.Background(), `"not an object"`); err == nil {
		t.Error("string args: want validation error")
	}
}

func TestNewRaw_SchemaFromMap(t *testing.T) {
	t.Parallel()

	s, err := tool.SchemaFromMap(map[string]any{
		"type":       "object",
		"properties": map[string]any{"city": map[string]any{"type": "string"}},
		"required":   []any{"city"},
	})
	if err != nil {
		t.Fatalf("SchemaFromMap: %v", err)
	}
	tl, err := tool.NewRaw("weather", "", s, func(context.Context, string) (string, error) { return "sunny", nil })
	if err != nil {
		t.Fatalf("NewRaw: %v", err)
	}
	if _, err := tl.Call(context.Background(), `{}`); err == nil {
		t.Error("missing city: want validation error")
	}
	if got, err := tl.Call(context.Background(), `{"city":"Oslo"}`); err != nil || got != "sunny" {
		t.Errorf("Call = (%q, %v), want (sunny, nil)", got, err)
	}
}

func TestNew_EmptyName(t *testing.T) {
	t.Parallel()

	if _, err := tool.New("", "", echo); err == nil {
		t.Error("want error for empty name")
	}
}

func resultSchema(t *testing.T) *jsonschema.Schema {
	t.Helper()
	s, err := tool.SchemaFromMap(map[string]any{
		"type":       "object",
		"properties": map[string]any{"result": map[string]any{"type": "string"}},
		"required":   []any{"result"},
	})
	if err != nil {
		t.Fatalf("SchemaFromMap: %v", err)
	}
	return s
}

func TestCall_OutputViolatesSchema(t *testing.T) {
	t.Parallel()

	tl, err := tool.NewRaw("lookup", "", nil,
		func(context.Context, string) (string, error) { return `{}`, nil },
		tool.WithOutputSchema(resultSchema(t)))
	if err != nil {
		t.Fatalf("NewRaw: %v", err)
	}
	_, err = tl.Call(context.Background(), `{}`)
	var verr *tool.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("want ValidationError, got %v", err)
	}
	if !verr.Output {
		t.Error("want output validation error")
	}
	if !strings.Contains(err.Error(), "invalid result") {
		t.Errorf("message: got %q", err)
	}
}

func TestCall_OutputMatchesSchema(t *testing.T) {
	t.Parallel()

	tl, err := tool.NewRaw("lookup", "", nil,
		func(context.Context, string) (string, error) { return `{"result":"ok"}`, nil },
		tool.WithOutputSchema(resultSchema(t)))
	if err != nil {
		t.Fatalf("NewRaw: %v", err)
	}
	if got, err := tl.Call(context.Background(), `{}`); err != nil || got != `{"result":"ok"}` {
		t.Errorf("Call = (%q, %v)", got, err)
	}
}

func TestNew_OutputSchemaOverride(t *testing.T) {
	t.Parallel()

	// echo's inferred schema accepts {"echo":...}; the override demands result.
	tl := mustTool(t, "echo", "", echo, tool.WithOutputSchema(resultSchema(t)))
	_, err := tl.Call(context.Background(), `{"text":"x"}`)
	var verr *tool.ValidationError
	if !errors.As(err, &verr) || !verr.Output {
		t.Errorf("want output ValidationError, got %v", err)
	}
}
