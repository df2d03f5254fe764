package tool_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/tometo/internal/resilience"
	"github.com/MrWong99/tometo/internal/tool"
)

func newRegistry(t *testing.T, opts ...tool.RegistryOption) *tool.Registry {
	t.Helper()
	r := tool.NewRegistry(opts...)
	if err := r.Register(mustTool(t, "search", "Search the corpus.", echo)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(mustTool(t, "echo", "Echo.", echo)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return r
}

func TestRegistry_Duplicate(t *testing.T) {
	t.Parallel()

	r := newRegistry(t)
	err := r.Register(mustTool(t, "search", "", echo))
	if !errors.Is(err, tool.ErrDuplicateTool) {
		t.Errorf("want ErrDuplicateTool, got %v", err)
	}
}

func TestRegistry_OrderAndDefinitions(t *testing.T) {
	t.Parallel()

	r := newRegistry(t)
	names := r.Names()
	if len(names) != 2 || names[0] != "search" || names[1] != "echo" {
		t.Errorf("Names: want [search echo], got %v", names)
	}
	defs := r.Definitions()
	if len(defs) != 2 || defs[0].Name != "search" {
		t.Errorf("Definitions: got %+v", defs)
	}
	if r.Len() != 2 {
		t.Errorf("Len: want 2, got %d", r.Len())
	}
}

func TestRegistry_UnknownWithSuggestion(t *testing.T) {
	t.Parallel()

	r := newRegistry(t)
	_, err := r.Invoke(context.Background(), "serch", `{}`)
	var uerr *tool.UnknownToolError
	if !errors.As(err, &uerr) {
		t.Fatalf("want UnknownToolError, got %v", err)
	}
	if uerr.Suggestion != "search" {
		t.Errorf("suggestion: want search, got %q", uerr.Suggestion)
	}

	_, err = r.Lookup("weather_forecast")
	if !errors.As(err, &uerr) || uerr.Suggestion != "" {
		t.Errorf("unrelated name: want no suggestion, got %v", err)
	}
}

func TestRegistry_InvokeExactName(t *testing.T) {
	t.Parallel()

	r := newRegistry(t)
	got, err := r.Invoke(context.Background(), "echo", `{"text":"hi"}`)
	if err != nil || got != `{"echo":"hi"}` {
		t.Errorf("Invoke = (%s, %v)", got, err)
	}
	if _, err := r.Invoke(context.Background(), "Echo", `{"text":"hi"}`); err == nil {
		t.Error("dispatch must be case-sensitive")
	}
}

func TestRegistry_BreakerOpensOnHandlerFailures(t *testing.T) {
	t.Parallel()

	r := tool.NewRegistry(tool.WithBreaker(resilience.BreakerConfig{MaxFailures: 2, Cooldown: time.Hour}))
	calls := 0
	_ = r.Register(mustTool(t, "flaky", "", func(context.Context, echoIn) (echoOut, error) {
		calls++
		return echoOut{}, errors.New("down")
	}))

	for range 2 {
		_, _ = r.Invoke(context.Background(), "flaky", `{"text":"x"}`)
	}
	_, err := r.Invoke(context.Background(), "flaky", `{"text":"x"}`)
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("want ErrCircuitOpen, got %v", err)
	}
	if calls != 2 {
		t.Errorf("handler calls: want 2, got %d", calls)
	}
}

func TestRegistry_ValidationErrorsDoNotTripBreaker(t *testing.T) {
	t.Parallel()

	r := newRegistry(t, tool.WithBreaker(resilience.BreakerConfig{MaxFailures: 1, Cooldown: time.Hour}))
	for range 3 {
		_, err := r.Invoke(context.Background(), "echo", `{"nope":1}`)
		var verr *tool.ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("want ValidationError, got %v", err)
		}
	}
	if _, err := r.Invoke(context.Background(), "echo", `{"text":"ok"}`); err != nil {
		t.Errorf("valid call after bad args: %v", err)
	}
}
