// Package tracing wraps OpenTelemetry spans with context-resolved tracers.
package tracing

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type contextKey string

const tracerKey contextKey = "tracer"

var (
	defaultTracer trace.Tracer //nolint:gochecknoglobals // protected by tracerOnce
	tracerOnce    sync.Once    //nolint:gochecknoglobals
)

// InitializeTracer sets the process default tracer.
func InitializeTracer(serviceName string) {
	tracerOnce.Do(func() {
		defaultTracer = otel.Tracer(serviceName)
	})
}

// WithTracer adds a tracer to the context.
func WithTracer(ctx context.Context, tracer trace.Tracer) context.Context {
	return context.WithValue(ctx, tracerKey, tracer)
}

// FromContext returns the context tracer, the default tracer, or the
// global provider's tracer.
func FromContext(ctx context.Context) trace.Tracer {
	if tracer, ok := ctx.Value(tracerKey).(trace.Tracer); ok {
		return tracer
	}

	if defaultTracer != nil {
		return defaultTracer
	}

	return otel.Tracer("newtab")
}

// StartSpan starts a span named spanName with string attribute pairs.
func StartSpan(ctx context.Context, spanName string, attrs ...string) (context.Context, trace.Span) {
	return FromContext(ctx).Start(ctx, spanName, trace.WithAttributes(attributes(attrs)...))
}

// SetAttributes sets attributes on the current span.
func SetAttributes(ctx context.Context, attrs ...string) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(attributes(attrs)...)
	}
}

// SetError records err on the current span.
func SetError(ctx context.Context, err error) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetOK marks the current span successful.
func SetOK(ctx context.Context) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetStatus(codes.Ok, "")
	}
}

// WithSpan runs fn inside a span, recording its error status.
func WithSpan(ctx context.Context, spanName string, fn func(context.Context) error, attrs ...string) error {
	ctx, span := StartSpan(ctx, spanName, attrs...)
	defer span.End()

	if err := fn(ctx); err != nil {
		SetError(ctx, err)

		return err
	}

	span.SetStatus(codes.Ok, "")

	return nil
}

func attributes(pairs []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(pairs)/2)

	for i := 0; i+1 < len(pairs); i += 2 {
		attrs = append(attrs, attribute.String(pairs[i], pairs[i+1]))
	}

	return attrs
}
