// Package observability wires the daemon's metrics instrumentation: an
// OpenTelemetry MeterProvider exporting either to stdout (the default, for
// local development) or to an OTLP collector when RALPH_API_OTEL_ENDPOINT
// is set, plus the counters and histograms request handling records into.
package observability

import (
	"context"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

// meterName identifies this daemon's instrumentation scope.
const meterName = "github.com/ralph-run/ralph-api"

// Metrics holds the instruments request handling records into.
type Metrics struct {
	RequestsTotal   metric.Int64Counter
	RequestErrors   metric.Int64Counter
	RequestDuration metric.Float64Histogram
}

// Provider bundles the MeterProvider together with the Metrics it produced,
// plus the shutdown hook the caller must run before process exit so the
// exporter flushes any buffered data.
type Provider struct {
	MeterProvider *sdkmetric.MeterProvider
	Metrics       *Metrics
}

// NewProvider builds a MeterProvider and its instruments. If endpoint is
// empty, metrics are periodically written to stdout; otherwise they are
// pushed to an OTLP/HTTP collector at that endpoint.
func NewProvider(ctx context.Context, serviceName, serviceVersion, endpoint string) (*Provider, error) {
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", serviceName),
		attribute.String("service.version", serviceVersion),
	))
	if err != nil {
		return nil, err
	}

	reader, err := newReader(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)

	meter := mp.Meter(meterName)
	requestsTotal, err := meter.Int64Counter(
		"ralph_api.rpc.requests",
		metric.WithDescription("Total rpc-v1 requests handled, labeled by method and outcome."),
	)
	if err != nil {
		return nil, err
	}
	requestErrors, err := meter.Int64Counter(
		"ralph_api.rpc.errors",
		metric.WithDescription("Total rpc-v1 requests that completed with an error envelope."),
	)
	if err != nil {
		return nil, err
	}
	requestDuration, err := meter.Float64Histogram(
		"ralph_api.rpc.request_duration",
		metric.WithDescription("rpc-v1 request handling latency."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &Provider{
		MeterProvider: mp,
		Metrics: &Metrics{
			RequestsTotal:   requestsTotal,
			RequestErrors:   requestErrors,
			RequestDuration: requestDuration,
		},
	}, nil
}

func newReader(ctx context.Context, endpoint string) (sdkmetric.Reader, error) {
	if endpoint == "" {
		exporter, err := stdoutmetric.New()
		if err != nil {
			return nil, err
		}
		return sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(30*time.Second)), nil
	}

	exporter, err := otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpoint(endpoint), otlpmetrichttp.WithInsecure())
	if err != nil {
		return nil, err
	}
	return sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second)), nil
}

// Shutdown flushes and stops the underlying MeterProvider.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.MeterProvider.Shutdown(ctx)
}

// EndpointFromEnv reads the OTLP collector endpoint, defaulting to stdout
// export when unset.
func EndpointFromEnv() string {
	return os.Getenv("RALPH_API_OTEL_ENDPOINT")
}
