package observe

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

func serveThrough(t *testing.T, m *Metrics, next http.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()

	rec := httptest.NewRecorder()
	Middleware(m)(next).ServeHTTP(rec, req)
	return rec
}

func TestMiddlewareIssuesCorrelationID(t *testing.T) {
	withTestTracer(t)
	m, _ := newTestMetrics(t)

	var seenInCtx string
	rec := serveThrough(t, m, func(w http.ResponseWriter, r *http.Request) {
		seenInCtx = CorrelationID(r.Context())
	}, httptest.NewRequest("POST", "/incoming-call", nil))

	if seenInCtx == "" {
		t.Fatal("handler context carries no trace ID")
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != seenInCtx {
		t.Errorf("X-Correlation-ID = %q, want %q", got, seenInCtx)
	}
	if rec.Header().Get("Traceparent") == "" {
		t.Error("response is missing the injected traceparent header")
	}
}

func TestMiddlewareContinuesIncomingTrace(t *testing.T) {
	withTestTracer(t)
	m, _ := newTestMetrics(t)

	const upstream = "4bf92f3577b34da6a3ce929d0e0e4736"
	req := httptest.NewRequest("POST", "/incoming-call", nil)
	req.Header.Set("traceparent", "00-"+upstream+"-00f067aa0ba902b7-01")

	var seenInCtx string
	serveThrough(t, m, func(w http.ResponseWriter, r *http.Request) {
		seenInCtx = CorrelationID(r.Context())
	}, req)

	if seenInCtx != upstream {
		t.Errorf("trace ID = %q, want the upstream %q", seenInCtx, upstream)
	}
}

func TestMiddlewareRecordsStatusOnSpan(t *testing.T) {
	exp := withTestTracer(t)
	m, _ := newTestMetrics(t)

	serveThrough(t, m, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "draining", http.StatusServiceUnavailable)
	}, httptest.NewRequest("POST", "/incoming-call", nil))

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	found := false
	for _, attr := range spans[0].Attributes {
		if attr.Key == semconv.HTTPResponseStatusCodeKey {
			found = true
			if attr.Value.AsInt64() != http.StatusServiceUnavailable {
				t.Errorf("status attribute = %d, want 503", attr.Value.AsInt64())
			}
		}
	}
	if !found {
		t.Error("span is missing the response status attribute")
	}
}

func TestMiddlewareRecordsRequestDuration(t *testing.T) {
	withTestTracer(t)
	m, reader := newTestMetrics(t)

	serveThrough(t, m, func(w http.ResponseWriter, r *http.Request) {},
		httptest.NewRequest("GET", "/healthz", nil))

	rm := collect(t, reader)
	metric := findMetric(rm, "voxbridge.http.request.duration")
	if metric == nil {
		t.Fatal("voxbridge.http.request.duration was not recorded")
	}
	hist, ok := metric.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("unexpected data type %T", metric.Data)
	}
	if len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 1 {
		t.Fatalf("unexpected histogram shape: %+v", hist.DataPoints)
	}
}

func TestRecorderUnwrapReachesOriginalWriter(t *testing.T) {
	orig := httptest.NewRecorder()
	wrapped := &recorder{ResponseWriter: orig, status: http.StatusOK}

	if wrapped.Unwrap() != http.ResponseWriter(orig) {
		t.Error("Unwrap does not return the wrapped writer")
	}
}
