// Package metrics records OpenTelemetry instruments by name, resolving
// the meter from the context or the process default.
package metrics

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type contextKey string

const meterKey contextKey = "meter"

var (
	defaultMeter metric.Meter //nolint:gochecknoglobals // protected by meterOnce
	meterOnce    sync.Once    //nolint:gochecknoglobals

	counters   sync.Map //nolint:gochecknoglobals // meter+name -> metric.Int64Counter
	histograms sync.Map //nolint:gochecknoglobals // meter+name -> metric.Float64Histogram
	gauges     sync.Map //nolint:gochecknoglobals // meter+name -> metric.Int64Gauge
)

type instrumentKey struct {
	meter metric.Meter
	name  string
}

// InitializeMeter sets the process default meter. Only the first call
// has an effect.
func InitializeMeter(serviceName string) {
	meterOnce.Do(func() {
		defaultMeter = otel.Meter(serviceName)
	})
}

// WithMeter adds a meter to the context.
func WithMeter(ctx context.Context, meter metric.Meter) context.Context {
	return context.WithValue(ctx, meterKey, meter)
}

// FromContext returns the context meter, the default meter, or the
// global provider's meter when neither is set.
func FromContext(ctx context.Context) metric.Meter {
	if meter, ok := ctx.Value(meterKey).(metric.Meter); ok {
		return meter
	}

	if defaultMeter != nil {
		return defaultMeter
	}

	return otel.Meter("newtab")
}

// RecordCounter adds incr to the named counter.
func RecordCounter(ctx context.Context, name string, incr int64, attrs ...string) {
	meter := FromContext(ctx)

	counter, ok := lookup(&counters, meter, name, func() (metric.Int64Counter, error) {
		return meter.Int64Counter(name)
	})
	if ok {
		counter.Add(ctx, incr, metric.WithAttributes(attributes(attrs)...))
	}
}

// RecordHistogram records value in the named histogram.
func RecordHistogram(ctx context.Context, name string, value float64, attrs ...string) {
	meter := FromContext(ctx)

	histogram, ok := lookup(&histograms, meter, name, func() (metric.Float64Histogram, error) {
		return meter.Float64Histogram(name)
	})
	if ok {
		histogram.Record(ctx, value, metric.WithAttributes(attributes(attrs)...))
	}
}

// RecordGauge sets the named gauge to value.
func RecordGauge(ctx context.Context, name string, value int64, attrs ...string) {
	meter := FromContext(ctx)

	gauge, ok := lookup(&gauges, meter, name, func() (metric.Int64Gauge, error) {
		return meter.Int64Gauge(name)
	})
	if ok {
		gauge.Record(ctx, value, metric.WithAttributes(attributes(attrs)...))
	}
}

// lookup returns the cached instrument for meter+name, creating it on
// first use. Creation errors leave the measurement unrecorded.
func lookup[T any](cache *sync.Map, meter metric.Meter, name string, create func() (T, error)) (T, bool) {
	key := instrumentKey{meter: meter, name: name}

	if existing, ok := cache.Load(key); ok {
		return existing.(T), true //nolint:forcetypeassert // only T is stored under this map
	}

	instrument, err := create()
	if err != nil {
		var zero T

		return zero, false
	}

	actual, _ := cache.LoadOrStore(key, instrument)

	return actual.(T), true //nolint:forcetypeassert
}

// attributes converts key/value string pairs; a trailing odd key is
// dropped.
func attributes(pairs []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(pairs)/2)

	for i := 0; i+1 < len(pairs); i += 2 {
		attrs = append(attrs, attribute.String(pairs[i], pairs[i+1]))
	}

	return attrs
}
