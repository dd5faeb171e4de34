package observability

import (
	"context"
	"io"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc"
)

// TracingOptions selects the span exporter
type TracingOptions struct {
	// OTLPEndpoint sends spans to an OTLP gRPC collector when set
	OTLPEndpoint string
	OTLPInsecure bool
	// Writer receives pretty-printed spans when no collector is configured
	Writer io.Writer
}

// InitTracing installs a global tracer provider.
// The returned function flushes pending spans and must be called on exit.
func InitTracing(ctx context.Context, opts TracingOptions) (func(context.Context) error, error) {
	exporter, name, err := newSpanExporter(ctx, opts)
	if err != nil {
		return nil, err
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", serviceName),
		attribute.String("service.version", serviceVersion),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	logger := Component("tracing")
	logger.Info().Str("exporter", name).Msg("Tracing initialized")
	return tp.Shutdown, nil
}

func newSpanExporter(ctx context.Context, opts TracingOptions) (sdktrace.SpanExporter, string, error) {
	if endpoint := strings.TrimSpace(opts.OTLPEndpoint); endpoint != "" {
		grpcOpts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithDialOption(grpc.WithUserAgent(serviceName + "/" + serviceVersion)),
		}
		if opts.OTLPInsecure {
			grpcOpts = append(grpcOpts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, grpcOpts...)
		if err != nil {
			return nil, "", err
		}
		return exporter, "otlp", nil
	}

	stdoutOpts := []stdouttrace.Option{stdouttrace.WithPrettyPrint()}
	if opts.Writer != nil {
		stdoutOpts = append(stdoutOpts, stdouttrace.WithWriter(opts.Writer))
	}
	exporter, err := stdouttrace.New(stdoutOpts...)
	if err != nil {
		return nil, "", err
	}
	return exporter, "stdout", nil
}
