package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// ── harness ──────────────────────────────────────────────────────────

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func findMetric(t *testing.T, rm metricdata.ResourceMetrics, name string) metricdata.Metrics {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name == name {
				return met
			}
		}
	}
	t.Fatalf("metric %q not found", name)
	return metricdata.Metrics{}
}

// sumValue returns the value of the int64 sum data point whose attribute set
// contains key=val. An empty key matches the first data point.
func sumValue(t *testing.T, rm metricdata.ResourceMetrics, name, key, val string) int64 {
	t.Helper()
	met := findMetric(t, rm, name)
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not an int64 sum", name)
	}
	for _, dp := range sum.DataPoints {
		if key == "" {
			return dp.Value
		}
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == key && kv.Value.AsString() == val {
				return dp.Value
			}
		}
	}
	t.Fatalf("metric %q has no data point with %s=%s", name, key, val)
	return 0
}

// histCount returns the sample count of the first float64 histogram data point.
func histCount(t *testing.T, rm metricdata.ResourceMetrics, name string) uint64 {
	t.Helper()
	met := findMetric(t, rm, name)
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("metric %q is not a float64 histogram", name)
	}
	if len(hist.DataPoints) == 0 {
		t.Fatalf("metric %q has no data points", name)
	}
	return hist.DataPoints[0].Count
}

// ── histograms ───────────────────────────────────────────────────────

func TestLatencyHistograms(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	stages := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"duskhall.stt.duration", m.STTDuration},
		{"duskhall.llm.duration", m.LLMDuration},
		{"duskhall.tts.duration", m.TTSDuration},
		{"duskhall.turn.duration", m.TurnDuration},
		{"duskhall.tool_execution.duration", m.ToolExecutionDuration},
	}
	for _, stage := range stages {
		stage.h.Record(ctx, 0.123)
		stage.h.Record(ctx, 0.456)
	}

	rm := collect(t, reader)
	for _, stage := range stages {
		t.Run(stage.name, func(t *testing.T) {
			if got := histCount(t, rm, stage.name); got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestHTTPRequestDuration(t *testing.T) {
	m, reader := newTestMetrics(t)

	m.HTTPRequestDuration.Record(context.Background(), 0.05, metric.WithAttributes(
		attribute.String("method", "GET"),
		attribute.String("path", "/healthz"),
	))

	rm := collect(t, reader)
	if got := histCount(t, rm, "duskhall.http.request.duration"); got != 1 {
		t.Errorf("sample count = %d, want 1", got)
	}
}

// ── counters ─────────────────────────────────────────────────────────

func TestCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	reqAttrs := metric.WithAttributes(
		attribute.String("provider", "openai"),
		attribute.String("kind", "llm"),
		attribute.String("status", "ok"),
	)
	m.ProviderRequests.Add(ctx, 1, reqAttrs)
	m.ProviderRequests.Add(ctx, 1, reqAttrs)
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", "openai"),
		attribute.String("kind", "llm"),
		attribute.String("status", "error"),
	))

	m.RecordToolCall(ctx, "updateGameState", "ok")
	m.RecordToolCall(ctx, "updateGameState", "error")

	m.RecordNarration(ctx, "sess_1")
	m.RecordNarration(ctx, "sess_1")
	m.RecordNarration(ctx, "sess_2")

	m.RecordEventAppended(ctx, "narration")
	m.RecordEventAppended(ctx, "narration")
	m.RecordEventAppended(ctx, "player_action")

	m.RecordProviderError(ctx, "openai", "tts")

	rm := collect(t, reader)

	counters := []struct {
		name     string
		key, val string
		want     int64
	}{
		{"duskhall.provider.requests", "status", "ok", 2},
		{"duskhall.tool.calls", "status", "ok", 1},
		{"duskhall.narrations", "session_id", "sess_1", 2},
		{"duskhall.events.appended", "type", "narration", 2},
		{"duskhall.provider.errors", "", "", 1},
	}
	for _, tc := range counters {
		t.Run(tc.name, func(t *testing.T) {
			if got := sumValue(t, rm, tc.name, tc.key, tc.val); got != tc.want {
				t.Errorf("value = %d, want %d", got, tc.want)
			}
		})
	}
}

// ── gauges ───────────────────────────────────────────────────────────

func TestGauges(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.VoiceLoops.Add(ctx, 5)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ConnectedPlayers.Add(ctx, 3)

	rm := collect(t, reader)

	gauges := []struct {
		name string
		want int64
	}{
		{"duskhall.voice_loops", 5},
		{"duskhall.active_sessions", 2},
		{"duskhall.connected_players", 3},
	}
	for _, tc := range gauges {
		t.Run(tc.name, func(t *testing.T) {
			if got := sumValue(t, rm, tc.name, "", ""); got != tc.want {
				t.Errorf("value = %d, want %d", got, tc.want)
			}
		})
	}
}

// ── package-level default ────────────────────────────────────────────

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	// DefaultMetrics uses the global OTel provider so we just check
	// that repeated calls return the same pointer.
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
