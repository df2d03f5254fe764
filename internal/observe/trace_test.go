package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useRecorder installs an in-memory tracer provider as the global one for
// the duration of the test.
func useRecorder(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

func TestSessionID_RoundTrip(t *testing.T) {
	t.Parallel()

	if got := SessionID(context.Background()); got != "" {
		t.Errorf("empty ctx: want no session ID, got %q", got)
	}
	ctx := WithSessionID(context.Background(), "s-1")
	if got := SessionID(ctx); got != "s-1" {
		t.Errorf("SessionID: want s-1, got %q", got)
	}
}

func TestStartSpan_SessionAttributeAndError(t *testing.T) {
	exp := useRecorder(t)

	ctx := WithSessionID(context.Background(), "s-42")
	_, span := StartSpan(ctx, "tool.call")
	EndSpan(span, errors.New("boom"))

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans: want 1, got %d", len(spans))
	}
	got := spans[0]
	if got.Name != "tool.call" {
		t.Errorf("name: want tool.call, got %q", got.Name)
	}
	if got.Status.Code != codes.Error || got.Status.Description != "boom" {
		t.Errorf("status: want error/boom, got %v/%q", got.Status.Code, got.Status.Description)
	}
	found := false
	for _, kv := range got.Attributes {
		if string(kv.Key) == "tometo.session_id" && kv.Value.AsString() == "s-42" {
			found = true
		}
	}
	if !found {
		t.Errorf("attributes: want tometo.session_id=s-42, got %v", got.Attributes)
	}
}

func TestEndSpan_OK(t *testing.T) {
	exp := useRecorder(t)

	_, span := StartSpan(context.Background(), "generate.turn")
	EndSpan(span, nil)

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Status.Code == codes.Error {
		t.Fatalf("want one span without error status, got %+v", spans)
	}
}

func TestEnrich(t *testing.T) {
	t.Parallel()

	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	tests := []struct {
		name    string
		ctx     func() context.Context
		want    []string
		notWant []string
	}{
		{
			name:    "bare",
			ctx:     context.Background,
			notWant: []string{"session_id", "trace_id"},
		},
		{
			name: "session only",
			ctx:  func() context.Context { return WithSessionID(context.Background(), "abc") },
			want: []string{"session_id=abc"},
		},
		{
			name: "session and span",
			ctx: func() context.Context {
				ctx, _ := tp.Tracer("test").Start(WithSessionID(context.Background(), "abc"), "op")
				return ctx
			},
			want: []string{"session_id=abc", "trace_id=", "span_id="},
		},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		enrich(slog.New(slog.NewTextHandler(&buf, nil)), tt.ctx()).Info("hello")
		out := buf.String()
		for _, w := range tt.want {
			if !strings.Contains(out, w) {
				t.Errorf("%s: output missing %q: %s", tt.name, w, out)
			}
		}
		for _, w := range tt.notWant {
			if strings.Contains(out, w) {
				t.Errorf("%s: output should not contain %q: %s", tt.name, w, out)
			}
		}
	}
}
