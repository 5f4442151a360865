// Package observe provides application-wide observability primitives for
// voxbridge: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all voxbridge metrics.
const meterName = "github.com/voxbridge/voxbridge"

// Metrics holds all OpenTelemetry metric instruments for the relay.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// FramesForwarded counts frames delivered across the bridge. Use with
	// attribute.String("direction", ...).
	FramesForwarded metric.Int64Counter

	// FramesDropped counts frames lost to eviction, encode failure, or
	// shutdown. Use with attribute.String("direction", ...).
	FramesDropped metric.Int64Counter

	// AudioBytes counts forwarded payload bytes. Use with
	// attribute.String("direction", ...).
	AudioBytes metric.Int64Counter

	// CodecErrors counts inbound messages rejected by a codec.
	CodecErrors metric.Int64Counter

	// SessionsEnded counts finished calls. Use with
	// attribute.String("cause", ...).
	SessionsEnded metric.Int64Counter

	// ToolCalls counts AI tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// ActiveSessions tracks the number of live calls.
	ActiveSessions metric.Int64UpDownCounter

	// SessionDuration tracks call lifetime. Use with
	// attribute.String("cause", ...).
	SessionDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// durationBuckets defines histogram bucket boundaries (in seconds) sized for
// phone call lifetimes.
var durationBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.FramesForwarded, err = m.Int64Counter("voxbridge.frames.forwarded",
		metric.WithDescription("Total frames delivered across the bridge by direction."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("voxbridge.frames.dropped",
		metric.WithDescription("Total frames lost to eviction or shutdown by direction."),
	); err != nil {
		return nil, err
	}
	if met.AudioBytes, err = m.Int64Counter("voxbridge.audio.bytes",
		metric.WithDescription("Total forwarded payload bytes by direction."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.CodecErrors, err = m.Int64Counter("voxbridge.codec.errors",
		metric.WithDescription("Total inbound messages rejected by a codec."),
	); err != nil {
		return nil, err
	}
	if met.SessionsEnded, err = m.Int64Counter("voxbridge.sessions.ended",
		metric.WithDescription("Total finished calls by termination cause."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("voxbridge.tool.calls",
		metric.WithDescription("Total AI tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxbridge.active_sessions",
		metric.WithDescription("Number of live calls."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.SessionDuration, err = m.Float64Histogram("voxbridge.session.duration",
		metric.WithDescription("Call lifetime by termination cause."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxbridge.http.request.duration",
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

// SessionStarted records the beginning of a call.
func (m *Metrics) SessionStarted(ctx context.Context) {
	m.ActiveSessions.Add(ctx, 1)
}

// SessionEnded records the end of a call: gauge decrement, cause counter,
// and duration histogram.
func (m *Metrics) SessionEnded(ctx context.Context, cause string, duration time.Duration) {
	m.ActiveSessions.Add(ctx, -1)
	m.SessionsEnded.Add(ctx, 1,
		metric.WithAttributes(attribute.String("cause", cause)),
	)
	m.SessionDuration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(attribute.String("cause", cause)),
	)
}

// RecordRelayTotals flushes one direction's frame counters for a finished
// call. The bridge accumulates per-session counters in memory; they reach
// the exporter only here, once per session.
func (m *Metrics) RecordRelayTotals(ctx context.Context, direction string, forwarded, dropped, bytes uint64) {
	attrs := metric.WithAttributes(attribute.String("direction", direction))
	m.FramesForwarded.Add(ctx, int64(forwarded), attrs)
	m.FramesDropped.Add(ctx, int64(dropped), attrs)
	m.AudioBytes.Add(ctx, int64(bytes), attrs)
}

// RecordCodecErrors adds n codec failures.
func (m *Metrics) RecordCodecErrors(ctx context.Context, n uint64) {
	m.CodecErrors.Add(ctx, int64(n))
}

// RecordToolCall records an AI tool invocation with the standard attribute
// set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}
