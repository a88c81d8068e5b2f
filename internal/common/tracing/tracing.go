// Package tracing provides OTel tracer initialization for the orchestrator.
//
// Tracing is off unless OTEL_EXPORTER_OTLP_ENDPOINT is set; without it every
// tracer returned here is a no-op.
package tracing

import (
	"context"
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const serviceName = "devflow"

var (
	initOnce sync.Once
	provider trace.TracerProvider = noop.NewTracerProvider()
	sdkProv  *sdktrace.TracerProvider
)

func initTracing() {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		return
	}

	ctx := context.Background()
	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(stripScheme(endpoint)),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		res = resource.Default()
	}

	sdkProv = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	provider = sdkProv
	otel.SetTracerProvider(provider)
}

// stripScheme drops the URL scheme; otlptracehttp wants a bare host:port.
func stripScheme(endpoint string) string {
	for _, prefix := range []string{"https://", "http://"} {
		if strings.HasPrefix(endpoint, prefix) {
			return endpoint[len(prefix):]
		}
	}
	return endpoint
}

// Tracer returns a named tracer, no-op when tracing is disabled.
func Tracer(name string) trace.Tracer {
	initOnce.Do(initTracing)
	return provider.Tracer(name)
}

// Shutdown flushes pending spans. Safe to call when tracing never started.
func Shutdown(ctx context.Context) error {
	if sdkProv != nil {
		return sdkProv.Shutdown(ctx)
	}
	return nil
}
