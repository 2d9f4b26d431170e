// Package observability wires OpenTelemetry providers, the Prometheus
// exporter, and HTTP instrumentation.
package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/jkoelker/newtab/log"
	appmetrics "github.com/jkoelker/newtab/metrics"
	"github.com/jkoelker/newtab/tracing"
)

// ErrOTelShutdownFailed is returned when OTel shutdown encounters errors.
var ErrOTelShutdownFailed = errors.New("errors during OTel shutdown")

// OTelConfig holds OpenTelemetry configuration.
type OTelConfig struct {
	ServiceName    string
	MetricsEnabled bool
	TracingEnabled bool
}

// OTelProviders holds the initialized OpenTelemetry providers.
type OTelProviders struct {
	MeterProvider  *metric.MeterProvider
	TracerProvider *sdktrace.TracerProvider
	PrometheusHTTP http.Handler
}

// InitializeOTel sets up the providers cfg enables and installs them
// globally.
func InitializeOTel(ctx context.Context, cfg OTelConfig) (*OTelProviders, error) {
	providers := &OTelProviders{}

	log.Info(ctx, "Initializing OpenTelemetry",
		"service_name", cfg.ServiceName,
		"metrics_enabled", cfg.MetricsEnabled,
		"tracing_enabled", cfg.TracingEnabled,
	)

	if cfg.MetricsEnabled {
		meterProvider, handler, err := initializeMetrics(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize metrics: %w", err)
		}

		providers.MeterProvider = meterProvider
		providers.PrometheusHTTP = handler

		otel.SetMeterProvider(meterProvider)
		appmetrics.InitializeMeter(cfg.ServiceName)
	}

	if cfg.TracingEnabled {
		providers.TracerProvider = sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		)

		otel.SetTracerProvider(providers.TracerProvider)
		tracing.InitializeTracer(cfg.ServiceName)
	}

	return providers, nil
}

// initializeMetrics exports through a dedicated Prometheus registry so
// repeated initialization (tests, restarts) never collides on the
// default one.
func initializeMetrics(ctx context.Context) (*metric.MeterProvider, http.Handler, error) {
	registry := prometheus.NewRegistry()

	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}

	meterProvider := metric.NewMeterProvider(metric.WithReader(exporter))
	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	log.Debug(ctx, "Metrics provider configured with Prometheus exporter")

	return meterProvider, handler, nil
}

// Shutdown flushes and stops the providers.
func (p *OTelProviders) Shutdown(ctx context.Context) error {
	var errs []error

	if p.MeterProvider != nil {
		if err := p.MeterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown meter provider: %w", err))
		}
	}

	if p.TracerProvider != nil {
		if err := p.TracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown tracer provider: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrOTelShutdownFailed, errors.Join(errs...))
	}

	return nil
}
