package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// tracerName scopes every span the pipeline emits.
const tracerName = "github.com/nevil-robotics/nevil"

// StartSpan opens a span on the Nevil tracer. The caller ends it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// Tracer returns the tracer all pipeline spans come from, backed by whatever
// provider [InitProvider] installed globally.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// CorrelationID returns the active trace ID as hex, or "" outside a span.
// The admin middleware echoes it as X-Correlation-ID so a log line, a span
// and an HTTP response can be matched up.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger annotated with the ambient trace and
// span IDs so work done inside a span logs correlatably. Outside a span it
// is just [slog.Default].
func Logger(ctx context.Context) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return slog.Default()
	}
	return slog.Default().With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
