// Package otel provides otel support.
package otel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/execution-service/pkg/common/logger"
)

// Config defines the information needed to init tracing and metrics.
type Config struct {
	ServiceName string
	// ExporterEndpoint is the OTLP gRPC collector. Empty disables OTLP export;
	// metrics are still served through the Prometheus registry.
	ExporterEndpoint   string
	ExcludedRoutes     map[string]struct{}
	Probability        float64
	ResourceAttributes map[string]string
	InsecureExporter   bool
}

// Providers are the telemetry providers InitTelemetry installs globally.
type Providers struct {
	Tracer trace.TracerProvider
	Meter  otelmetric.MeterProvider
}

// InitTelemetry configures the trace and meter providers. Metrics are read
// both by the OTLP exporter and by a Prometheus exporter registered on the
// default prometheus registry, so promhttp.Handler serves them.
func InitTelemetry(log *logger.Logger, cfg Config) (Providers, func(ctx context.Context), error) {
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		append([]attribute.KeyValue{semconv.ServiceNameKey.String(cfg.ServiceName)},
			attributesFromMap(cfg.ResourceAttributes)...)...,
	)

	promExporter, err := prometheus.New()
	if err != nil {
		return Providers{}, nil, fmt.Errorf("creating prometheus exporter: %w", err)
	}

	traceOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(newEndpointExcluder(cfg.ExcludedRoutes, cfg.Probability)),
		sdktrace.WithResource(res),
	}
	metricOpts := []metric.Option{
		metric.WithReader(promExporter),
		metric.WithResource(res),
	}

	if cfg.ExporterEndpoint != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		grpcTrace := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.ExporterEndpoint)}
		grpcMetric := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.ExporterEndpoint)}
		if cfg.InsecureExporter {
			grpcTrace = append(grpcTrace, otlptracegrpc.WithInsecure())
			grpcMetric = append(grpcMetric, otlpmetricgrpc.WithInsecure())
		}

		traceExporter, err := otlptracegrpc.New(ctx, grpcTrace...)
		if err != nil {
			return Providers{}, nil, fmt.Errorf("creating trace exporter: %w", err)
		}
		metricExporter, err := otlpmetricgrpc.New(ctx, grpcMetric...)
		if err != nil {
			return Providers{}, nil, fmt.Errorf("creating metric exporter: %w", err)
		}

		traceOpts = append(traceOpts, sdktrace.WithBatcher(traceExporter,
			sdktrace.WithBatchTimeout(5*time.Second),
			sdktrace.WithMaxExportBatchSize(512),
			sdktrace.WithMaxQueueSize(2048),
		))
		metricOpts = append(metricOpts, metric.WithReader(metric.NewPeriodicReader(metricExporter)))
	} else {
		log.Info(context.Background(), "OTLP endpoint not configured; exporting metrics to prometheus only")
	}

	tp := sdktrace.NewTracerProvider(traceOpts...)
	mp := metric.NewMeterProvider(metricOpts...)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	cleanup := func(ctx context.Context) {
		if err := tp.Shutdown(ctx); err != nil {
			log.Error(ctx, "shutting down tracer provider", "error", err)
		}
		if err := mp.Shutdown(ctx); err != nil {
			log.Error(ctx, "shutting down meter provider", "error", err)
		}
	}

	return Providers{Tracer: tp, Meter: mp}, cleanup, nil
}

// endpointExcluder drops spans for health routes and samples the rest.
type endpointExcluder struct {
	excluded map[string]struct{}
	sampler  sdktrace.Sampler
}

func newEndpointExcluder(excluded map[string]struct{}, probability float64) endpointExcluder {
	return endpointExcluder{
		excluded: excluded,
		sampler:  sdktrace.ParentBased(sdktrace.TraceIDRatioBased(probability)),
	}
}

func (e endpointExcluder) ShouldSample(p sdktrace.SamplingParameters) sdktrace.SamplingResult {
	for _, attr := range p.Attributes {
		if attr.Key != "url.path" && attr.Key != "http.target" {
			continue
		}
		if _, ok := e.excluded[attr.Value.AsString()]; ok {
			return sdktrace.SamplingResult{Decision: sdktrace.Drop}
		}
	}
	return e.sampler.ShouldSample(p)
}

func (e endpointExcluder) Description() string { return "endpointExcluder" }

func attributesFromMap(m map[string]string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(m))
	for k, v := range m {
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}
