// Package telemetry configures the daemon's OpenTelemetry trace provider.
// Ground: pkg/telemetry's OTELImpl/NewAutoOTEL zero-configuration setup —
// generalised from capability-span attributes to plan/action attributes and
// trimmed to the one thing the daemon needs at startup, a tracer provider
// otelhttp's middleware can pull spans from.
package telemetry

import (
	"context"
	"os"

	"github.com/go-logr/zapr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.uber.org/zap"
)

// Setup installs the global tracer provider and text-map propagator for
// serviceName, returning a shutdown func to flush and close exporters.
//
// Exporter selection, in order: OTEL_EXPORTER_OTLP_ENDPOINT set -> OTLP/gRPC;
// IMLD_TRACE_STDOUT=true -> stdout exporter (useful for local debugging);
// otherwise a provider with no exporter, which still satisfies every span
// call as a no-op.
func Setup(ctx context.Context, serviceName string) (shutdown func(context.Context) error, err error) {
	if zapLogger, zapErr := zap.NewProduction(); zapErr == nil {
		otel.SetLogger(zapr.NewLogger(zapLogger))
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version()),
		),
	)
	if err != nil {
		return nil, err
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}

	var closers []func(context.Context) error
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		exp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(endpoint), otlptracegrpc.WithInsecure())
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
		closers = append(closers, exp.Shutdown)
	} else if os.Getenv("IMLD_TRACE_STDOUT") == "true" {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
		closers = append(closers, exp.Shutdown)
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return func(shutdownCtx context.Context) error {
		var firstErr error
		for _, c := range closers {
			if err := c(shutdownCtx); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if err := tp.Shutdown(shutdownCtx); err != nil && firstErr == nil {
			firstErr = err
		}
		return firstErr
	}, nil
}

func version() string {
	if v := os.Getenv("IMLD_VERSION"); v != "" {
		return v
	}
	return "dev"
}
