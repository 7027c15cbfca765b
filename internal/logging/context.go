package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type (
	sessionCtxKey struct{}
	traceCtxKey   struct{}
)

// ContextFields extracts correlation fields from ctx: the active OTel span
// and any traceway session or trace ID.
func ContextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	fields := make([]zap.Field, 0, 5)

	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
		if sc.IsSampled() {
			fields = append(fields, zap.Bool("trace_sampled", true))
		}
	}
	if id := SessionIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("session.id", id))
	}
	if id := EventTraceIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("event.trace_id", id))
	}
	return fields
}

// WithSessionID attaches a traceway session ID to ctx.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionCtxKey{}, id)
}

// SessionIDFromContext returns the session ID attached to ctx, if any.
func SessionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionCtxKey{}).(string)
	return id
}

// WithEventTraceID attaches the trace ID of the event being handled.
func WithEventTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceCtxKey{}, id)
}

// EventTraceIDFromContext returns the event trace ID attached to ctx, if any.
func EventTraceIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(traceCtxKey{}).(string)
	return id
}
