package tracing_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/jkoelker/newtab/tracing"
)

func TestWithSpanRecordsStatus(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	ctx := tracing.WithTracer(t.Context(), provider.Tracer("test"))

	errBoom := errors.New("boom")

	err := tracing.WithSpan(ctx, "register", func(context.Context) error {
		return errBoom
	}, "attempt", "0")
	require.ErrorIs(t, err, errBoom)

	require.NoError(t, tracing.WithSpan(ctx, "validate", func(ctx context.Context) error {
		tracing.SetAttributes(ctx, "status", "ok")

		return nil
	}))

	spans := recorder.Ended()
	require.Len(t, spans, 2)

	assert.Equal(t, "register", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, codes.Ok, spans[1].Status().Code)
}
