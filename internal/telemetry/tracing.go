// Package telemetry configures the process-wide OTel TracerProvider that
// internal/events uses to open/close a span per tool call. No pack example
// wires a TracerProvider explicitly (tracer.Start/span.End calls elsewhere
// in the ecosystem assume one is already registered by main), so this
// follows the SDK's own documented construction shape directly: a
// TracerProvider driven by a SpanProcessor over an exporter.
package telemetry

import (
	"context"
	"fmt"
	"log"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Init registers a process-wide TracerProvider so every internal/events.Emitter's
// tracer.Start/span.End calls produce real spans instead of the no-op default.
// Spans are exported via a small log-line exporter; a production deployment
// would swap in an OTLP exporter without internal/events needing to change.
// Returns a shutdown func that flushes and detaches the provider; call it
// during graceful shutdown.
func Init() func(context.Context) error {
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(logExporter{})),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown
}

// logExporter writes finished spans as single log lines. Implements
// sdktrace.SpanExporter.
type logExporter struct{}

func (logExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		status := s.Status()
		log.Printf("[trace] %s dur=%s status=%s attrs=%s",
			s.Name(), s.EndTime().Sub(s.StartTime()), status.Code, formatAttrs(s.Attributes()))
	}
	return nil
}

func (logExporter) Shutdown(context.Context) error { return nil }

func formatAttrs(kvs []attribute.KeyValue) string {
	parts := make([]string, 0, len(kvs))
	for _, kv := range kvs {
		parts = append(parts, fmt.Sprintf("%s=%v", kv.Key, kv.Value.AsInterface()))
	}
	return strings.Join(parts, ",")
}
