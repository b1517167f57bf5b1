// Package observability wires OpenTelemetry tracing for the service. Spans are
// produced by otelgin at the edge, by the application service and publisher,
// and by the GORM tracing plugin; this package only installs the exporter and
// the global provider.
package observability

import (
	"context"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc/credentials"

	"github.com/tbourn/go-applications-backend/internal/config"
)

// Replaced in tests.
var (
	newOTLPClient = otlptracegrpc.NewClient

	newExporter = func(ctx context.Context, client otlptrace.Client) (*otlptrace.Exporter, error) {
		return otlptrace.New(ctx, client)
	}

	newResource = func(ctx context.Context, serviceName, version string) (*resource.Resource, error) {
		return resource.New(ctx,
			resource.WithAttributes(
				semconv.ServiceName(serviceName),
				semconv.ServiceVersion(version),
			),
		)
	}
)

// ShutdownFunc flushes and stops the tracer provider.
type ShutdownFunc func(context.Context) error

// SetupOTel installs a batching OTLP/gRPC tracer provider and the W3C
// propagators. When tracing is disabled it changes nothing and returns a
// no-op shutdown. Globals are only replaced once every piece was built.
func SetupOTel(ctx context.Context, cfg config.OTELConfig, version string) (ShutdownFunc, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	} else {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")))
	}

	exp, err := newExporter(ctx, newOTLPClient(opts...))
	if err != nil {
		return nil, err
	}
	res, err := newResource(ctx, cfg.ServiceName, version)
	if err != nil {
		_ = exp.Shutdown(ctx)
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	otel.SetErrorHandler(otel.ErrorHandlerFunc(logExportError))

	log.Info().
		Str("endpoint", cfg.Endpoint).
		Float64("sample_ratio", cfg.SampleRatio).
		Msg("tracing enabled")
	return tp.Shutdown, nil
}

// logExportError routes SDK errors (dropped spans, unreachable collector)
// into the service log instead of stderr.
func logExportError(err error) {
	log.Warn().Err(err).Str("component", "otel").Msg("telemetry error")
}
