package metrics_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/jkoelker/newtab/metrics"
)

func TestRecordCounterUsesContextMeter(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	ctx := metrics.WithMeter(t.Context(), provider.Meter("test"))

	metrics.RecordCounter(ctx, "cache_hits_total", 1, "tier", "memory")
	metrics.RecordCounter(ctx, "cache_hits_total", 2, "tier", "memory")
	metrics.RecordHistogram(ctx, "fetch_duration_ms", 12.5, "odd")
	metrics.RecordGauge(ctx, "pending_requests", 3)

	var data metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &data))
	require.Len(t, data.ScopeMetrics, 1)

	byName := make(map[string]metricdata.Metrics)
	for _, m := range data.ScopeMetrics[0].Metrics {
		byName[m.Name] = m
	}

	sum, ok := byName["cache_hits_total"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)
	assert.Equal(t, int64(3), sum.DataPoints[0].Value)

	gauge, ok := byName["pending_requests"].Data.(metricdata.Gauge[int64])
	require.True(t, ok)
	assert.Equal(t, int64(3), gauge.DataPoints[0].Value)

	assert.Contains(t, byName, "fetch_duration_ms")
}

func TestRecordWithoutInitialization(t *testing.T) {
	t.Parallel()

	assert.NotPanics(t, func() {
		metrics.RecordCounter(t.Context(), "noop_total", 1)
	})
}
