// Package obs wires up the two ambient observability concerns every
// component shares: the structured logrus logger and the OpenTelemetry
// trace provider exporting over OTLP/HTTP.
package obs

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// NewLogger builds the process-wide logrus logger from the
// configured level and format ("text" or "json").
func NewLogger(level, format string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)

	if format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	return logger
}

// TracingConfig configures the OTLP/HTTP trace exporter. Disabled by
// default — an air-gapped terminal host typically has no collector to
// export to.
type TracingConfig struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	Environment    string
	Endpoint       string
	SampleRate     float64
	BatchTimeout   time.Duration
}

// DefaultTracingConfig returns a disabled tracer with sane fallbacks.
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		Enabled:        false,
		ServiceName:    "quorum",
		ServiceVersion: "dev",
		Environment:    "production",
		Endpoint:       "http://localhost:4318/v1/traces",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
	}
}

// TracerProvider wraps the SDK provider with a no-op fallback so
// callers never need to branch on whether tracing is enabled.
type TracerProvider struct {
	provider *trace.TracerProvider
	tracer   oteltrace.Tracer
}

// NewTracerProvider builds a TracerProvider; when cfg.Enabled is
// false it returns a no-op tracer and never touches the network.
func NewTracerProvider(ctx context.Context, cfg TracingConfig, logger *logrus.Logger) (*TracerProvider, error) {
	if !cfg.Enabled {
		return &TracerProvider{tracer: otel.Tracer("noop")}, nil
	}

	exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(otlptracehttp.WithEndpoint(cfg.Endpoint)))
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create trace resource: %w", err)
	}

	provider := trace.NewTracerProvider(
		trace.WithBatcher(exporter, trace.WithBatchTimeout(cfg.BatchTimeout)),
		trace.WithResource(res),
		trace.WithSampler(trace.TraceIDRatioBased(cfg.SampleRate)),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	if logger != nil {
		logger.WithFields(logrus.Fields{
			"service":  cfg.ServiceName,
			"endpoint": cfg.Endpoint,
		}).Info("tracing initialized")
	}

	return &TracerProvider{provider: provider, tracer: otel.Tracer(cfg.ServiceName)}, nil
}

// Tracer returns the wrapped tracer, real or no-op.
func (tp *TracerProvider) Tracer() oteltrace.Tracer { return tp.tracer }

// Shutdown flushes and stops the exporter, a no-op when tracing was
// never enabled.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.provider == nil {
		return nil
	}
	return tp.provider.Shutdown(ctx)
}
