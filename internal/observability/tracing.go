package observability

import (
	"context"
	"strings"

	"github.com/caarlos0/env/v11"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// TracingEnv is read from the process environment by SetupTracing.
type TracingEnv struct {
	Endpoint string `env:"STATEBRIDGE_OTEL_ENDPOINT"`
	Enabled  string `env:"STATEBRIDGE_OTEL_ENABLED"`
}

// SetupTracing installs a global OTLP/HTTP tracer provider for process.
//
// Tracing is opt-in: with no STATEBRIDGE_OTEL_ENDPOINT, or with
// STATEBRIDGE_OTEL_ENABLED=false, the returned shutdown is a no-op and the
// global provider is left untouched.
func SetupTracing(ctx context.Context, process string) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }

	var cfg TracingEnv
	if err := env.Parse(&cfg); err != nil {
		return noop, err
	}
	if strings.EqualFold(strings.TrimSpace(cfg.Enabled), "false") {
		return noop, nil
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return noop, nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
	if err != nil {
		return noop, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(process)))
	if err != nil {
		return noop, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return tp.Shutdown, nil
}
