// Package telemetry sets up OpenTelemetry tracing for the broker process:
// a span around each inbound agent frame handled by the router, each
// outbound chat call made by the notifier, and each connection accepted by
// the gateway. The provider is installed once at process start and handed
// out as a trace.Tracer. No collector backend (Jaeger, an OTLP endpoint)
// is part of this deployment, so spans are exported through a small
// in-process exporter that logs via pkg/logx.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"taskbroker/pkg/logx"
)

// Provider owns the process-wide TracerProvider and the Tracer components
// pull spans from.
type Provider struct {
	tp     *sdktrace.TracerProvider
	Tracer trace.Tracer
}

// Init installs a TracerProvider for serviceName and returns it; call
// Shutdown during graceful shutdown to flush any buffered spans.
func Init(serviceName string) *Provider {
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(&logExporter{logger: logx.NewLogger("telemetry")}),
	)
	otel.SetTracerProvider(tp)
	return &Provider{tp: tp, Tracer: tp.Tracer(serviceName)}
}

// Shutdown flushes buffered spans and stops the provider's background
// processor.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.tp.Shutdown(ctx)
}

// logExporter is a minimal sdktrace.SpanExporter that records completed
// spans as debug log lines, standing in for a real collector backend.
type logExporter struct {
	logger *logx.Logger
}

func (e *logExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		e.logger.Debug("span %s dur=%s attrs=%v", s.Name(), s.EndTime().Sub(s.StartTime()).Round(time.Microsecond), s.Attributes())
	}
	return nil
}

func (e *logExporter) Shutdown(context.Context) error { return nil }
