// Package telemetry wires OpenTelemetry tracing and metrics. Metrics are
// exposed through a Prometheus handler, traces go to an OTLP collector or
// stdout when configured.
package telemetry

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"

	"github.com/groxaxo/kani-tts-arg/internal/pkg/kanitts/config"
)

type ShutdownFunc func(context.Context) error

// Setup installs the global tracer and meter providers. The returned handler
// serves the Prometheus exposition.
func Setup(ctx context.Context, cfg config.Telemetry, version string, log zerolog.Logger) (ShutdownFunc, http.Handler, error) {
	log = log.With().Str("component", "telemetry").Logger()

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, nil, err
	}

	traceShutdown, err := initTracer(ctx, cfg, res, log)
	if err != nil {
		return nil, nil, err
	}

	meterProvider, handler, err := initMetrics(res)
	if err != nil {
		_ = traceShutdown(ctx)
		return nil, nil, err
	}
	otel.SetMeterProvider(meterProvider)

	shutdown := func(ctx context.Context) error {
		var errs []error
		if err := meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := traceShutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	}

	return shutdown, handler, nil
}

func initTracer(ctx context.Context, cfg config.Telemetry, res *resource.Resource, log zerolog.Logger) (ShutdownFunc, error) {
	var exporter sdktrace.SpanExporter
	if endpoint := strings.TrimSpace(cfg.OTLPEndpoint); endpoint != "" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		otlp, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, err
		}
		exporter = otlp
		log.Info().Str("exporter", "otlp").Str("endpoint", endpoint).Msg("Tracing initialized")
	} else if cfg.Stdout {
		stdout, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		exporter = stdout
		log.Info().Str("exporter", "stdout").Msg("Tracing initialized")
	} else {
		log.Debug().Msg("Tracing disabled")
		return func(context.Context) error { return nil }, nil
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func initMetrics(res *resource.Resource) (*sdkmetric.MeterProvider, http.Handler, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	return mp, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}
