package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// middlewareHarness wires an instrumented no-op handler to in-memory metric
// and span sinks.
type middlewareHarness struct {
	metrics *Metrics
	reader  *sdkmetric.ManualReader
	spans   *tracetest.InMemoryExporter
}

func newMiddlewareHarness(t *testing.T) *middlewareHarness {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	origTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(origTP) })

	return &middlewareHarness{metrics: m, reader: reader, spans: exp}
}

// serve runs one request through the middleware-wrapped handler and returns
// the recorder plus the correlation ID the handler observed in its context.
func (h *middlewareHarness) serve(t *testing.T, req *http.Request, status int) (*httptest.ResponseRecorder, string) {
	t.Helper()
	var seenCID string
	handler := Middleware(h.metrics)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenCID = CorrelationID(r.Context())
		w.WriteHeader(status)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec, seenCID
}

func TestMiddleware(t *testing.T) {
	t.Run("generates a correlation ID and echoes it in the response", func(t *testing.T) {
		h := newMiddlewareHarness(t)
		rec, cid := h.serve(t, httptest.NewRequest("GET", "/test", nil), http.StatusOK)

		if len(cid) != 32 {
			t.Errorf("correlation ID = %q, want a 32-char trace ID", cid)
		}
		if got := rec.Header().Get("X-Correlation-ID"); got != cid {
			t.Errorf("X-Correlation-ID header = %q, want %q", got, cid)
		}
	})

	t.Run("opens a server span named after method and route", func(t *testing.T) {
		h := newMiddlewareHarness(t)
		h.serve(t, httptest.NewRequest("GET", "/span-test", nil), http.StatusOK)

		spans := h.spans.GetSpans()
		if len(spans) == 0 {
			t.Fatal("no span recorded")
		}
		if spans[0].Name != "HTTP GET /span-test" {
			t.Errorf("span name = %q", spans[0].Name)
		}
	})

	t.Run("records request duration with method and path labels", func(t *testing.T) {
		h := newMiddlewareHarness(t)
		h.serve(t, httptest.NewRequest("GET", "/metrics-test", nil), http.StatusOK)

		rm := collect(t, h.reader)
		met := findMetric(t, rm, "duskhall.http.request.duration")
		hist, ok := met.Data.(metricdata.Histogram[float64])
		if !ok {
			t.Fatal("metric is not a float64 histogram")
		}
		if len(hist.DataPoints) == 0 {
			t.Fatal("no data points")
		}
		dp := hist.DataPoints[0]
		if dp.Count != 1 {
			t.Errorf("sample count = %d, want 1", dp.Count)
		}
		labels := map[string]string{}
		for _, kv := range dp.Attributes.ToSlice() {
			labels[string(kv.Key)] = kv.Value.AsString()
		}
		if labels["method"] != "GET" || labels["path"] != "/metrics-test" {
			t.Errorf("labels = %v", labels)
		}
	})

	t.Run("captures the handler's status code on the span", func(t *testing.T) {
		h := newMiddlewareHarness(t)
		rec, _ := h.serve(t, httptest.NewRequest("GET", "/not-found", nil), http.StatusNotFound)

		if rec.Code != http.StatusNotFound {
			t.Errorf("response status = %d, want 404", rec.Code)
		}
		spans := h.spans.GetSpans()
		if len(spans) == 0 {
			t.Fatal("no span recorded")
		}
		var got int64 = -1
		for _, a := range spans[0].Attributes {
			if string(a.Key) == "http.response.status_code" {
				got = a.Value.AsInt64()
			}
		}
		if got != 404 {
			t.Errorf("http.response.status_code = %d, want 404", got)
		}
	})

	t.Run("continues an incoming W3C trace context", func(t *testing.T) {
		h := newMiddlewareHarness(t)
		const upstream = "4bf92f3577b34da6a3ce929d0e0e4736"

		req := httptest.NewRequest("GET", "/propagate", nil)
		req.Header.Set("traceparent", "00-"+upstream+"-00f067aa0ba902b7-01")
		rec, cid := h.serve(t, req, http.StatusOK)

		if cid != upstream {
			t.Errorf("correlation ID = %q, want the upstream trace ID %q", cid, upstream)
		}
		if got := rec.Header().Get("X-Correlation-ID"); got != upstream {
			t.Errorf("X-Correlation-ID header = %q, want %q", got, upstream)
		}
	})
}

func TestMetricRoute_FoldsIdentifiers(t *testing.T) {
	for _, tc := range []struct{ in, want string }{
		{"/api/sessions/0f8fad5b-d9cb-469f-a165-70867728950e", "/api/sessions/{id}"},
		{"/api/sessions/0f8fad5b-d9cb-469f-a165-70867728950e/events", "/api/sessions/{id}/events"},
		{"/api/players/0f8fad5b-d9cb-469f-a165-70867728950e/heartbeat", "/api/players/{id}/heartbeat"},
		{"/api/sessions/code/XK42QP", "/api/sessions/code/{code}"},
		{"/api/sessions", "/api/sessions"},
		{"/healthz", "/healthz"},
	} {
		if got := metricRoute(tc.in); got != tc.want {
			t.Errorf("metricRoute(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
