package observe

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// Resource attribute keys describing the relay deployment.
const (
	AttrUpstreamModel = attribute.Key("parley.upstream.model")
	AttrMaxSessions   = attribute.Key("parley.relay.max_sessions")
)

// latencyBuckets (seconds) suit connection setup and HTTP handling.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// sessionBuckets covers conversations from a few seconds to an hour.
var sessionBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600,
}

// ProviderConfig configures the relay's OpenTelemetry SDK providers.
type ProviderConfig struct {
	// ServiceName defaults to "parley-relay".
	ServiceName    string
	ServiceVersion string

	// InstanceID distinguishes relay replicas. A random UUID when empty.
	InstanceID string

	// Model and MaxSessions are reported as resource attributes so scraped
	// series can be told apart per deployment.
	Model       string
	MaxSessions int

	// Reader replaces the Prometheus exporter. Tests pass a ManualReader.
	Reader sdkmetric.Reader

	// Registerer receives the Prometheus exporter's collector. Default:
	// [prometheus.DefaultRegisterer], which the /metrics route serves.
	Registerer prometheus.Registerer

	// TraceExporter is optional. Without it spans are recorded but not
	// exported.
	TraceExporter sdktrace.SpanExporter
}

// Provider holds the SDK providers built by [NewProvider].
type Provider struct {
	Resource       *resource.Resource
	MeterProvider  *sdkmetric.MeterProvider
	TracerProvider *sdktrace.TracerProvider
}

// Views returns the histogram views for relay instruments. Session lengths
// and setup latencies differ by orders of magnitude, so each gets its own
// bucket layout.
func Views() []sdkmetric.View {
	hist := func(name string, bounds []float64) sdkmetric.View {
		return sdkmetric.NewView(
			sdkmetric.Instrument{Name: name, Kind: sdkmetric.InstrumentKindHistogram},
			sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{Boundaries: bounds}},
		)
	}
	return []sdkmetric.View{
		hist(metricSessionDuration, sessionBuckets),
		hist(metricDialDuration, latencyBuckets),
		hist(metricHTTPDuration, latencyBuckets),
	}
}

// NewProvider builds the meter and tracer providers without registering
// them globally.
func NewProvider(ctx context.Context, cfg ProviderConfig) (*Provider, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "parley-relay"
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceInstanceID(cfg.InstanceID),
	}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	if cfg.Model != "" {
		attrs = append(attrs, AttrUpstreamModel.String(cfg.Model))
	}
	if cfg.MaxSessions > 0 {
		attrs = append(attrs, AttrMaxSessions.Int(cfg.MaxSessions))
	}
	res, err := resource.New(ctx,
		resource.WithTelemetrySDK(),
		resource.WithFromEnv(),
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(attrs...),
	)
	if err != nil {
		return nil, fmt.Errorf("observe: resource: %w", err)
	}

	reader := cfg.Reader
	if reader == nil {
		reg := cfg.Registerer
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		if reader, err = promexporter.New(promexporter.WithRegisterer(reg)); err != nil {
			return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
		}
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
		sdkmetric.WithView(Views()...),
	)

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	return &Provider{
		Resource:       res,
		MeterProvider:  mp,
		TracerProvider: sdktrace.NewTracerProvider(tpOpts...),
	}, nil
}

// InitProvider builds the providers with [NewProvider] and installs them as
// the global OpenTelemetry providers, so [DefaultMetrics] and [Tracer] use
// them. Call [Provider.Shutdown] before exit.
func InitProvider(ctx context.Context, cfg ProviderConfig) (*Provider, error) {
	p, err := NewProvider(ctx, cfg)
	if err != nil {
		return nil, err
	}
	otel.SetMeterProvider(p.MeterProvider)
	otel.SetTracerProvider(p.TracerProvider)
	return p, nil
}

// Shutdown flushes and closes both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	return errors.Join(
		p.MeterProvider.Shutdown(ctx),
		p.TracerProvider.Shutdown(ctx),
	)
}
