package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartInvokeSpan opens a span around one component method invocation.
// The returned end function records the outcome; both are no-ops when
// tracing is disabled.
func StartInvokeSpan(ctx context.Context, component, method, instanceID string) (context.Context, func(err error)) {
	if !Enabled() {
		return ctx, func(error) {}
	}

	ctx, span := Tracer().Start(ctx, component+"."+method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("component.type", component),
			attribute.String("component.method", method),
			attribute.String("component.instance_id", instanceID),
		),
	)

	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// SpanIDs returns the current trace and span ids for log correlation, or
// empty strings outside a recording span.
func SpanIDs(ctx context.Context) (traceID, spanID string) {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return "", ""
	}
	return sc.TraceID().String(), sc.SpanID().String()
}
