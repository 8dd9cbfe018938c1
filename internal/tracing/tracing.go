// Package tracing initializes the OpenTelemetry trace pipeline shared by all
// three services: an OTLP-HTTP exporter behind a batching span processor,
// registered as the global tracer provider.
package tracing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/mesabot/internal/config"
)

const exportBatchTimeout = time.Second

// Tracer returns a named tracer from the global provider. Safe to call from
// package init: the global delegates to whatever Init registers later, and
// stays a no-op when telemetry is disabled.
func Tracer(name string) trace.Tracer {
	if name == "" {
		name = "mesabot"
	}
	return otel.GetTracerProvider().Tracer(name)
}

// Init sets up the global tracer provider for one service process. With
// telemetry disabled it returns a no-op shutdown so callers never branch.
// The returned shutdown flushes buffered spans and must run before exit.
func Init(ctx context.Context, cfg config.TelemetryConfig, service, version string) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	name := cfg.ServiceName
	if name == "" {
		name = service
	} else {
		name = name + "-" + service
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(name),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build trace resource: %w", err)
	}

	// Endpoint falls through to OTEL_EXPORTER_OTLP_ENDPOINT when unset in
	// config, which the exporter reads on its own.
	var opts []otlptracehttp.Option
	if cfg.Endpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpointURL(cfg.Endpoint))
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(
			exporter,
			sdktrace.WithBatchTimeout(exportBatchTimeout),
		)),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	slog.Info("tracing enabled", "service", name, "endpoint", cfg.Endpoint)
	return func(ctx context.Context) error {
		return errors.Join(provider.Shutdown(ctx), exporter.Shutdown(ctx))
	}, nil
}
