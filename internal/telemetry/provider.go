package telemetry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// ScopeName is the instrumentation scope for meters and tracers.
const ScopeName = "github.com/cuihairu/countersign"

// Config controls the OpenTelemetry exporters.
type Config struct {
	ServiceName    string  `mapstructure:"service_name" yaml:"service_name"`
	ServiceVersion string  `mapstructure:"service_version" yaml:"service_version"`
	Environment    string  `mapstructure:"environment" yaml:"environment"`
	CollectorURL   string  `mapstructure:"collector_url" yaml:"collector_url"`
	EnableTracing  bool    `mapstructure:"enable_tracing" yaml:"enable_tracing"`
	EnableMetrics  bool    `mapstructure:"enable_metrics" yaml:"enable_metrics"`
	SamplingRatio  float64 `mapstructure:"sampling_ratio" yaml:"sampling_ratio"`
}

// Provider owns the SDK providers and the approval metric instruments.
type Provider struct {
	TracerProvider *trace.TracerProvider
	MeterProvider  *metric.MeterProvider
	Metrics        *ApprovalMetrics
	config         Config
}

// NewProvider wires the OTLP/HTTP exporters and registers them globally.
// With tracing and metrics both disabled the global no-op providers stay in
// place and Metrics still records into them.
func NewProvider(ctx context.Context, config Config) (*Provider, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(config.ServiceName),
			semconv.ServiceVersionKey.String(config.ServiceVersion),
			semconv.DeploymentEnvironmentKey.String(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := &Provider{config: config}

	if config.EnableTracing {
		provider.TracerProvider, err = initTracing(ctx, res, config)
		if err != nil {
			return nil, fmt.Errorf("failed to init tracing: %w", err)
		}
		otel.SetTracerProvider(provider.TracerProvider)
	}

	if config.EnableMetrics {
		provider.MeterProvider, err = initMetrics(ctx, res, config)
		if err != nil {
			return nil, fmt.Errorf("failed to init metrics: %w", err)
		}
		otel.SetMeterProvider(provider.MeterProvider)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	provider.Metrics, err = NewApprovalMetrics(otel.Meter(ScopeName))
	if err != nil {
		return nil, fmt.Errorf("failed to create approval metrics: %w", err)
	}
	return provider, nil
}

func initTracing(ctx context.Context, res *resource.Resource, config Config) (*trace.TracerProvider, error) {
	traceExporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpointHost(config.CollectorURL)),
		otlptracehttp.WithURLPath("/v1/traces"),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}
	return trace.NewTracerProvider(
		trace.WithResource(res),
		trace.WithBatcher(traceExporter,
			trace.WithBatchTimeout(time.Second*5),
			trace.WithMaxExportBatchSize(512),
		),
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(config.SamplingRatio))),
	), nil
}

func initMetrics(ctx context.Context, res *resource.Resource, config Config) (*metric.MeterProvider, error) {
	metricExporter, err := otlpmetrichttp.New(ctx,
		otlpmetrichttp.WithEndpoint(endpointHost(config.CollectorURL)),
		otlpmetrichttp.WithURLPath("/v1/metrics"),
		otlpmetrichttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}
	return metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(metric.NewPeriodicReader(
			metricExporter,
			metric.WithInterval(time.Second*30),
		)),
	), nil
}

// endpointHost strips the scheme; the otlp http options want host:port.
func endpointHost(u string) string {
	u = strings.TrimPrefix(u, "http://")
	u = strings.TrimPrefix(u, "https://")
	return strings.TrimSuffix(u, "/")
}

// Shutdown flushes and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if p.TracerProvider != nil {
		if err := p.TracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown TracerProvider: %w", err))
		}
	}
	if p.MeterProvider != nil {
		if err := p.MeterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown MeterProvider: %w", err))
		}
	}
	return errors.Join(errs...)
}

// LoadConfigFromEnv reads the standard OTEL_* variables.
func LoadConfigFromEnv() Config {
	return Config{
		ServiceName:    getEnvOrDefault("OTEL_SERVICE_NAME", "countersign"),
		ServiceVersion: getEnvOrDefault("OTEL_SERVICE_VERSION", "dev"),
		Environment:    getEnvOrDefault("OTEL_ENVIRONMENT", "development"),
		CollectorURL:   getEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "http://localhost:4318"),
		EnableTracing:  getEnvOrDefault("OTEL_ENABLE_TRACING", "false") == "true",
		EnableMetrics:  getEnvOrDefault("OTEL_ENABLE_METRICS", "false") == "true",
		SamplingRatio:  parseFloatOrDefault(os.Getenv("OTEL_SAMPLING_RATIO"), 1.0),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseFloatOrDefault(s string, def float64) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 || f > 1 {
		return def
	}
	return f
}
