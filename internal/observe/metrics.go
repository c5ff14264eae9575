// Package observe provides application-wide observability primitives for
// leadline: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all leadline metrics.
const meterName = "github.com/askjohngeorge/leadline"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks speech-to-text transcription latency.
	STTDuration metric.Float64Histogram

	// LLMDuration tracks conversation LLM inference latency.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks text-to-speech synthesis latency.
	TTSDuration metric.Float64Histogram

	// ClassifierDuration tracks turn-completeness verdict latency.
	ClassifierDuration metric.Float64Histogram

	// ToolExecutionDuration tracks tool execution latency (flow handlers
	// and MCP tools alike).
	ToolExecutionDuration metric.Float64Histogram

	// TurnResolveDuration tracks the time from the caller falling silent to
	// the output gate releasing the response.
	TurnResolveDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// Verdicts counts completeness classifier outcomes. Use with attribute:
	//   attribute.String("verdict", ...) — "yes", "no", or "error"
	Verdicts metric.Int64Counter

	// TurnsResolved counts resolved caller turns. Use with attribute:
	//   attribute.String("cause", ...) — "verdict" or "timeout"
	TurnsResolved metric.Int64Counter

	// Interruptions counts caller barge-ins over assistant speech.
	Interruptions metric.Int64Counter

	// LeadsCaptured counts persisted leads. Use with attribute:
	//   attribute.String("status", ...) — "complete" or "partial"
	LeadsCaptured metric.Int64Counter

	// BookingsCreated counts calendar bookings. Use with attribute:
	//   attribute.String("status", ...) — "success" or "error"
	BookingsCreated metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of live caller sessions.
	ActiveCalls metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.STTDuration, err = m.Float64Histogram("leadline.stt.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("leadline.llm.duration",
		metric.WithDescription("Latency of conversation LLM inference."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("leadline.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ClassifierDuration, err = m.Float64Histogram("leadline.classifier.duration",
		metric.WithDescription("Latency of turn-completeness classification."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("leadline.tool_execution.duration",
		metric.WithDescription("Latency of tool execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnResolveDuration, err = m.Float64Histogram("leadline.turn.resolve_duration",
		metric.WithDescription("Time from caller silence to output gate release."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("leadline.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("leadline.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.Verdicts, err = m.Int64Counter("leadline.classifier.verdicts",
		metric.WithDescription("Total completeness verdicts by outcome."),
	); err != nil {
		return nil, err
	}
	if met.TurnsResolved, err = m.Int64Counter("leadline.turns.resolved",
		metric.WithDescription("Total resolved caller turns by cause."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("leadline.interruptions",
		metric.WithDescription("Total caller barge-ins over assistant speech."),
	); err != nil {
		return nil, err
	}
	if met.LeadsCaptured, err = m.Int64Counter("leadline.leads.captured",
		metric.WithDescription("Total leads persisted by completeness status."),
	); err != nil {
		return nil, err
	}
	if met.BookingsCreated, err = m.Int64Counter("leadline.bookings.created",
		metric.WithDescription("Total calendar bookings by status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("leadline.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("leadline.active_calls",
		metric.WithDescription("Number of live caller sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("leadline.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordToolCall is a convenience method that records a tool call counter
// increment with the standard attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordVerdict is a convenience method that records a completeness verdict
// counter increment.
func (m *Metrics) RecordVerdict(ctx context.Context, verdict string) {
	m.Verdicts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("verdict", verdict)),
	)
}

// RecordTurnResolved records a resolved caller turn: the counter by cause and
// the silence-to-release latency histogram.
func (m *Metrics) RecordTurnResolved(ctx context.Context, cause string, d time.Duration) {
	m.TurnsResolved.Add(ctx, 1,
		metric.WithAttributes(attribute.String("cause", cause)),
	)
	m.TurnResolveDuration.Record(ctx, d.Seconds())
}

// RecordInterruption is a convenience method that records a caller barge-in.
func (m *Metrics) RecordInterruption(ctx context.Context) {
	m.Interruptions.Add(ctx, 1)
}

// RecordLeadCaptured is a convenience method that records a persisted lead.
func (m *Metrics) RecordLeadCaptured(ctx context.Context, status string) {
	m.LeadsCaptured.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordBookingCreated is a convenience method that records a calendar
// booking attempt.
func (m *Metrics) RecordBookingCreated(ctx context.Context, status string) {
	m.BookingsCreated.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
