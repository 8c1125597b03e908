// Package telemetry sets up OpenTelemetry metrics (exported to Prometheus) and tracing.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

type Config struct {
	// Enabled toggles metrics and tracing. Disabled telemetry uses no-op providers.
	Enabled     bool
	ServiceName string
	// MetricsPort serves /metrics when positive.
	MetricsPort int
}

type Telemetry struct {
	Tracer trace.Tracer
	Meter  metric.Meter
}

// ShutdownFunc flushes and stops the providers.
type ShutdownFunc func(ctx context.Context) error

// Noop returns telemetry that records nothing; used by tests and when disabled.
func Noop() *Telemetry {
	return &Telemetry{
		Tracer: nooptrace.NewTracerProvider().Tracer(""),
		Meter:  noop.NewMeterProvider().Meter(""),
	}
}

func New(config Config) (*Telemetry, ShutdownFunc, error) {
	if !config.Enabled {
		return Noop(), func(ctx context.Context) error { return nil }, nil
	}

	// Bind before registering the exporter so a taken port fails New cleanly.
	var lis net.Listener
	if config.MetricsPort > 0 {
		var err error
		lis, err = net.Listen("tcp", fmt.Sprintf(":%d", config.MetricsPort))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to listen for metrics on port %d: %w", config.MetricsPort, err)
		}
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
		),
	)
	if err != nil {
		closeListener(lis)
		return nil, nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := prometheus.New()
	if err != nil {
		closeListener(lis)
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	var server *http.Server
	if lis != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		server = &http.Server{Handler: mux}

		go func() {
			if err := server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				otel.Handle(fmt.Errorf("metrics server stopped: %w", err))
			}
		}()
	}

	tel := &Telemetry{
		Tracer: tracerProvider.Tracer(config.ServiceName),
		Meter:  meterProvider.Meter(config.ServiceName),
	}

	shutdown := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		var errs []error
		if server != nil {
			errs = append(errs, server.Shutdown(ctx))
		}
		errs = append(errs, tracerProvider.Shutdown(ctx), meterProvider.Shutdown(ctx))

		return errors.Join(errs...)
	}

	return tel, shutdown, nil
}

func closeListener(lis net.Listener) {
	if lis != nil {
		_ = lis.Close()
	}
}
