// Package observe provides the observability primitives shared by every
// component: OpenTelemetry metrics and tracing, trace-aware structured
// logging, and HTTP middleware tying them together.
//
// Metrics go through the OpenTelemetry Metrics API and are exposed for
// scraping through a Prometheus exporter set up by [InitProvider]. Components
// that are not handed a [Metrics] use [DefaultMetrics]; tests build their own
// with [NewMetrics] and a manual reader.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope of all Tometo metrics.
const meterName = "github.com/MrWong99/tometo"

// Tool call statuses recorded by [Metrics.RecordToolCall].
const (
	StatusOK          = "ok"
	StatusError       = "error"
	StatusTimeout     = "timeout"
	StatusInvalidArgs = "invalid_args"
	StatusUnknown     = "unknown"
	StatusUnavailable = "unavailable"
)

// Metrics holds all OpenTelemetry instruments. All fields are safe for
// concurrent use.
type Metrics struct {
	// StageDuration tracks the latency of one unit of stage work: a provider
	// stream start, a synthesis call, a transcription. Attribute "stage".
	StageDuration metric.Float64Histogram

	// TurnDuration tracks a full generation turn from input to end-of-turn.
	TurnDuration metric.Float64Histogram

	// ToolExecutionDuration tracks tool latency. Attribute "tool".
	ToolExecutionDuration metric.Float64Histogram

	// FramesWritten counts frames emitted by stages. Attributes "stage" and
	// "kind".
	FramesWritten metric.Int64Counter

	// ToolCalls counts tool invocations. Attributes "tool" and "status".
	ToolCalls metric.Int64Counter

	// ProviderErrors counts provider failures. Attributes "provider" and "kind".
	ProviderErrors metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Attributes
	// "breaker" and "state".
	BreakerTransitions metric.Int64Counter

	// LLMTokens counts model tokens as reported by the provider. Attribute
	// "kind" is "prompt" or "completion".
	LLMTokens metric.Int64Counter

	// ActiveSessions tracks the number of live pipeline sessions.
	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request time. Attributes "method" and
	// "path".
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds tuned for voice latency.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.StageDuration, err = m.Float64Histogram("tometo.stage.duration",
		metric.WithDescription("Latency of one unit of pipeline stage work."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("tometo.turn.duration",
		metric.WithDescription("Latency of a full generation turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("tometo.tool_execution.duration",
		metric.WithDescription("Latency of tool execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.FramesWritten, err = m.Int64Counter("tometo.stream.frames",
		metric.WithDescription("Frames emitted by pipeline stages by stage and kind."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("tometo.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("tometo.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("tometo.breaker.transitions",
		metric.WithDescription("Circuit breaker state changes by breaker and new state."),
	); err != nil {
		return nil, err
	}

	if met.LLMTokens, err = m.Int64Counter("tometo.llm.tokens",
		metric.WithDescription("Model tokens consumed by kind."),
		metric.WithUnit("{token}"),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("tometo.active_sessions",
		metric.WithDescription("Number of live pipeline sessions."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("tometo.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics], created on first use
// from [otel.GetMeterProvider]. It panics if instrument creation fails, which
// does not happen with the global provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordStage records how long one unit of stage work took.
func (m *Metrics) RecordStage(ctx context.Context, stage string, d time.Duration) {
	m.StageDuration.Record(ctx, d.Seconds(), metric.WithAttributes(Attr("stage", stage)))
}

// RecordFrame counts one frame emitted by stage.
func (m *Metrics) RecordFrame(ctx context.Context, stage, kind string) {
	m.FramesWritten.Add(ctx, 1, metric.WithAttributes(
		Attr("stage", stage),
		Attr("kind", kind),
	))
}

// RecordToolCall counts one tool invocation and, when d > 0, its latency.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string, d time.Duration) {
	m.ToolCalls.Add(ctx, 1, metric.WithAttributes(
		Attr("tool", tool),
		Attr("status", status),
	))
	if d > 0 {
		m.ToolExecutionDuration.Record(ctx, d.Seconds(), metric.WithAttributes(Attr("tool", tool)))
	}
}

// RecordProviderError counts one provider failure.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
		Attr("provider", provider),
		Attr("kind", kind),
	))
}

// RecordBreakerTransition counts a circuit breaker moving to state.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, breaker, state string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(
		Attr("breaker", breaker),
		Attr("state", state),
	))
}

// RecordTokens adds provider-reported token usage.
func (m *Metrics) RecordTokens(ctx context.Context, prompt, completion int) {
	if prompt > 0 {
		m.LLMTokens.Add(ctx, int64(prompt), metric.WithAttributes(Attr("kind", "prompt")))
	}
	if completion > 0 {
		m.LLMTokens.Add(ctx, int64(completion), metric.WithAttributes(Attr("kind", "completion")))
	}
}
