package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// ExporterType defines the type of trace exporter.
type ExporterType string

const (
	// ExporterOTLPGRPC exports traces via OTLP over gRPC.
	ExporterOTLPGRPC ExporterType = "otlp-grpc"
	// ExporterOTLPHTTP exports traces via OTLP over HTTP.
	ExporterOTLPHTTP ExporterType = "otlp-http"
	// ExporterNone disables trace export.
	ExporterNone ExporterType = "none"
)

// TracingConfig holds configuration for the tracing provider.
type TracingConfig struct {
	// ServiceName is the name of the service.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// Environment is the deployment environment (e.g., production, staging).
	Environment string

	// ExporterType is the type of exporter to use.
	ExporterType ExporterType

	// Endpoint is the OTLP collector endpoint.
	Endpoint string

	// Insecure disables TLS for the exporter connection.
	Insecure bool

	// SampleRate is the sampling rate (0.0 to 1.0).
	SampleRate float64

	// BatchTimeout is the maximum time to wait before exporting a batch.
	BatchTimeout time.Duration
}

// DefaultTracingConfig returns a TracingConfig with default values.
func DefaultTracingConfig() *TracingConfig {
	return &TracingConfig{
		ServiceName:    "avkeypool",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		ExporterType:   ExporterOTLPGRPC,
		Endpoint:       "localhost:4317",
		Insecure:       true,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
	}
}

// TracingProvider manages the OpenTelemetry trace provider.
type TracingProvider struct {
	config         *TracingConfig
	tracerProvider *sdktrace.TracerProvider
	logger         Logger
}

// NewTracingProvider creates a new tracing provider.
func NewTracingProvider(config *TracingConfig, logger Logger) *TracingProvider {
	if config == nil {
		config = DefaultTracingConfig()
	}
	if logger == nil {
		logger = NopLogger()
	}

	return &TracingProvider{
		config: config,
		logger: logger,
	}
}

// Start initializes the tracer provider and registers it globally.
func (p *TracingProvider) Start(ctx context.Context) error {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(p.config.ServiceName),
			semconv.ServiceVersion(p.config.ServiceVersion),
			semconv.DeploymentEnvironment(p.config.Environment),
		),
		resource.WithHost(),
		resource.WithTelemetrySDK(),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := p.createExporter(ctx)
	if err != nil {
		return fmt.Errorf("failed to create exporter: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(
		exporter,
		sdktrace.WithBatchTimeout(p.config.BatchTimeout),
	)

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp),
		sdktrace.WithSampler(p.createSampler()),
	)

	otel.SetTracerProvider(p.tracerProvider)

	p.logger.Info("tracing provider started",
		String("service", p.config.ServiceName),
		String("exporter", string(p.config.ExporterType)),
		String("endpoint", p.config.Endpoint),
		Float64("sampleRate", p.config.SampleRate),
	)

	return nil
}

// Stop shuts down the tracing provider.
func (p *TracingProvider) Stop(ctx context.Context) error {
	if p.tracerProvider == nil {
		return nil
	}

	p.logger.Info("stopping tracing provider")
	return p.tracerProvider.Shutdown(ctx)
}

// Tracer returns a tracer with the given name.
func (p *TracingProvider) Tracer(name string) trace.Tracer {
	if p.tracerProvider == nil {
		return otel.GetTracerProvider().Tracer(name)
	}
	return p.tracerProvider.Tracer(name)
}

// createExporter creates the trace exporter.
func (p *TracingProvider) createExporter(ctx context.Context) (*otlptrace.Exporter, error) {
	switch p.config.ExporterType {
	case ExporterOTLPHTTP:
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(p.config.Endpoint)}
		if p.config.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	case ExporterNone:
		return nil, fmt.Errorf("no exporter configured")
	default:
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.Endpoint)}
		if p.config.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	}
}

// createSampler creates the trace sampler.
func (p *TracingProvider) createSampler() sdktrace.Sampler {
	if p.config.SampleRate <= 0 {
		return sdktrace.NeverSample()
	}
	if p.config.SampleRate >= 1.0 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.TraceIDRatioBased(p.config.SampleRate)
}
