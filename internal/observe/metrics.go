// Package observe provides application-wide observability primitives for
// Duskhall: OpenTelemetry metrics, distributed tracing, structured logging,
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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Duskhall metrics.
const meterName = "github.com/mwalden/duskhall"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// Latency histograms, one per pipeline stage. TurnDuration spans a full
	// game-master turn, from committed utterance to final narration.
	STTDuration           metric.Float64Histogram
	LLMDuration           metric.Float64Histogram
	TTSDuration           metric.Float64Histogram
	TurnDuration          metric.Float64Histogram
	ToolExecutionDuration metric.Float64Histogram

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// Narrations counts game-master narration turns. Use with attribute:
	//   attribute.String("session_id", ...)
	Narrations metric.Int64Counter

	// EventsAppended counts events written to session logs. Use with
	// attribute: attribute.String("type", ...)
	EventsAppended metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// Gauges (UpDownCounters) for live resources.
	ActiveSessions   metric.Int64UpDownCounter
	ConnectedPlayers metric.Int64UpDownCounter
	VoiceLoops       metric.Int64UpDownCounter

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
	meter := mp.Meter(meterName)

	// The builders record the first instrument creation error and turn the
	// rest into no-ops, so the instrument list below stays flat.
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	latency := func(name, desc string) metric.Float64Histogram {
		h, err := meter.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		)
		keep(err)
		return h
	}
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		keep(err)
		return c
	}
	gauge := func(name, desc string) metric.Int64UpDownCounter {
		g, err := meter.Int64UpDownCounter(name, metric.WithDescription(desc))
		keep(err)
		return g
	}

	met := &Metrics{
		STTDuration:           latency("duskhall.stt.duration", "Latency of speech-to-text transcription."),
		LLMDuration:           latency("duskhall.llm.duration", "Latency of LLM inference."),
		TTSDuration:           latency("duskhall.tts.duration", "Latency of text-to-speech synthesis."),
		TurnDuration:          latency("duskhall.turn.duration", "End-to-end game-master turn latency."),
		ToolExecutionDuration: latency("duskhall.tool_execution.duration", "Latency of game-master tool execution."),

		ProviderRequests: counter("duskhall.provider.requests", "Total provider API requests by provider, kind, and status."),
		ToolCalls:        counter("duskhall.tool.calls", "Total tool invocations by tool name and status."),
		Narrations:       counter("duskhall.narrations", "Total game-master narration turns by session."),
		EventsAppended:   counter("duskhall.events.appended", "Total session log events appended by type."),
		ProviderErrors:   counter("duskhall.provider.errors", "Total provider errors by provider and kind."),

		ActiveSessions:   gauge("duskhall.active_sessions", "Number of live game sessions."),
		ConnectedPlayers: gauge("duskhall.connected_players", "Number of connected players across all sessions."),
		VoiceLoops:       gauge("duskhall.voice_loops", "Number of open voice connections."),
	}

	// The HTTP histogram uses the SDK's default buckets, which suit the
	// broader spread of request latencies better than the voice buckets.
	httpHist, err := meter.Float64Histogram("duskhall.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	)
	keep(err)
	met.HTTPRequestDuration = httpHist

	if firstErr != nil {
		return nil, firstErr
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

// RecordProviderRequest increments the provider request counter with the
// standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
		attribute.String("status", status),
	))
}

// RecordToolCall increments the tool call counter for one invocation.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("status", status),
	))
}

// RecordNarration increments the narration counter for a session.
func (m *Metrics) RecordNarration(ctx context.Context, sessionID string) {
	m.Narrations.Add(ctx, 1, metric.WithAttributes(attribute.String("session_id", sessionID)))
}

// RecordEventAppended increments the appended-event counter by event type.
func (m *Metrics) RecordEventAppended(ctx context.Context, eventType string) {
	m.EventsAppended.Add(ctx, 1, metric.WithAttributes(attribute.String("type", eventType)))
}

// RecordProviderError increments the provider error counter.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
	))
}
