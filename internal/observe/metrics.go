// Package observe provides application-wide observability primitives for
// parley: OpenTelemetry metrics, distributed tracing, structured logging, and
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [InitProvider]
// bridges them to Prometheus for the /metrics endpoint and applies the
// histogram bucket layouts from [Views]. A package-level default
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

// meterName is the instrumentation scope name used for all parley metrics.
const meterName = "github.com/MrWong99/parley"

// Direction labels for relay message metrics.
const (
	Upstream   = "upstream"   // client to speech model
	Downstream = "downstream" // speech model to client
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Gauges ---

	// ActiveSessions tracks the number of live relay sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- Latency histograms ---

	// SessionDuration tracks how long relay sessions last, from accept to
	// Closed.
	SessionDuration metric.Float64Histogram

	// DialDuration tracks upstream connection establishment latency. Use with
	// attribute:
	//   attribute.String("status", "ok"|"error")
	DialDuration metric.Float64Histogram

	// --- Counters ---

	// MessagesForwarded counts relayed messages. Use with attributes:
	//   attribute.String("direction", ...), attribute.String("type", ...)
	MessagesForwarded metric.Int64Counter

	// MessagesDropped counts messages lost to backpressure. Use with
	// attributes:
	//   attribute.String("direction", ...), attribute.String("reason", ...)
	MessagesDropped metric.Int64Counter

	// --- Error counters ---

	// UpstreamErrors counts error events reported by the speech model. Use
	// with attribute:
	//   attribute.String("type", ...)
	UpstreamErrors metric.Int64Counter

	// RelayFailures counts sessions the relay could not serve. Use with
	// attribute:
	//   attribute.String("reason", "dial"|"config"|"capacity"|"accept")
	RelayFailures metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// Histogram instrument names, matched by [Views].
const (
	metricSessionDuration = "parley.relay.session.duration"
	metricDialDuration    = "parley.relay.upstream.dial.duration"
	metricHTTPDuration    = "parley.http.request.duration"
)

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("parley.relay.active_sessions",
		metric.WithDescription("Number of live relay sessions."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.SessionDuration, err = m.Float64Histogram(metricSessionDuration,
		metric.WithDescription("Lifetime of relay sessions."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if met.DialDuration, err = m.Float64Histogram(metricDialDuration,
		metric.WithDescription("Latency of opening the upstream speech model connection."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.MessagesForwarded, err = m.Int64Counter("parley.relay.messages.forwarded",
		metric.WithDescription("Total relayed messages by direction and event type."),
	); err != nil {
		return nil, err
	}
	if met.MessagesDropped, err = m.Int64Counter("parley.relay.messages.dropped",
		metric.WithDescription("Total messages dropped under backpressure by direction and reason."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.UpstreamErrors, err = m.Int64Counter("parley.relay.upstream.errors",
		metric.WithDescription("Total error events reported by the upstream speech model."),
	); err != nil {
		return nil, err
	}
	if met.RelayFailures, err = m.Int64Counter("parley.relay.failures",
		metric.WithDescription("Total sessions the relay could not serve, by reason."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram(metricHTTPDuration,
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

// RecordForwarded records one relayed message.
func (m *Metrics) RecordForwarded(ctx context.Context, direction, eventType string) {
	m.MessagesForwarded.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("direction", direction),
			attribute.String("type", eventType),
		),
	)
}

// RecordDropped records one message lost to backpressure.
func (m *Metrics) RecordDropped(ctx context.Context, direction, reason string) {
	m.MessagesDropped.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("direction", direction),
			attribute.String("reason", reason),
		),
	)
}

// RecordUpstreamError records an error event from the speech model.
func (m *Metrics) RecordUpstreamError(ctx context.Context, errType string) {
	m.UpstreamErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", errType)),
	)
}

// RecordRelayFailure records a session the relay could not serve.
func (m *Metrics) RecordRelayFailure(ctx context.Context, reason string) {
	m.RelayFailures.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}
