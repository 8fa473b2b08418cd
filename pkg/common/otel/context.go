package otel

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// GetTraceID extracts the trace id from the span on ctx. It returns the
// all-zero id when no valid span context is present so log correlation
// fields are always populated.
func GetTraceID(ctx context.Context) string {
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		return span.SpanContext().TraceID().String()
	}
	return "00000000000000000000000000000000"
}
