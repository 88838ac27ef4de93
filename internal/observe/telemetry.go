// Package observe configures OpenTelemetry tracing and metrics for the
// broker, and instruments the HTTP transport used for token requests.
package observe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"os"
	"time"

	"github.com/go-logr/zerologr"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/thanoskit/tokenbroker/internal/config"
	"go.opentelemetry.io/contrib/instrumentation/net/http/httptrace/otelhttptrace"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const (
	TypeGRPC   = "grpc"
	TypeStdout = "stdout"
)

// ShutdownFunc flushes and stops the configured providers.
type ShutdownFunc func(context.Context) error

func noShutdown(context.Context) error { return nil }

// Configure installs global trace and meter providers according to cfg. When
// telemetry is disabled nothing is installed and the returned ShutdownFunc
// does nothing.
func Configure(ctx context.Context, cfg config.ObserveConfig) (ShutdownFunc, error) {
	return configure(ctx, cfg, os.Stdout)
}

func configure(ctx context.Context, cfg config.ObserveConfig, out io.Writer) (ShutdownFunc, error) {
	if !cfg.Enabled {
		log.Info().Msg("telemetry disabled")
		return noShutdown, nil
	}

	if err := configureSDKLogging(cfg.SDKLogLevel); err != nil {
		return noShutdown, err
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(attribute.String("service.name", cfg.ServiceName)),
	)
	if err != nil {
		return noShutdown, fmt.Errorf("telemetry resource: %w", err)
	}

	spanExporter, err := newSpanExporter(ctx, cfg.Type, out)
	if err != nil {
		return noShutdown, err
	}

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(spanExporter,
			sdktrace.WithBatchTimeout(time.Duration(cfg.TraceBatchTimeoutSeconds)*time.Second),
		),
	)

	shutdowns := []ShutdownFunc{tracerProvider.Shutdown}

	otel.SetTracerProvider(tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if cfg.MetricsEnabled {
		metricExporter, err := newMetricExporter(ctx, cfg.Type, out)
		if err != nil {
			_ = tracerProvider.Shutdown(ctx)
			return noShutdown, err
		}

		meterProvider := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter,
				sdkmetric.WithInterval(time.Duration(cfg.MetricReadIntervalSeconds)*time.Second),
			)),
		)

		otel.SetMeterProvider(meterProvider)
		shutdowns = append(shutdowns, meterProvider.Shutdown)
	}

	log.Info().
		Str("type", cfg.Type).
		Str("service", cfg.ServiceName).
		Bool("metrics", cfg.MetricsEnabled).
		Msg("telemetry configured")

	return func(ctx context.Context) error {
		var errs []error
		for _, shutdown := range shutdowns {
			errs = append(errs, shutdown(ctx))
		}
		return errors.Join(errs...)
	}, nil
}

func newSpanExporter(ctx context.Context, exporterType string, out io.Writer) (sdktrace.SpanExporter, error) {
	switch exporterType {
	case TypeGRPC:
		exporter, err := otlptracegrpc.New(ctx)
		if err != nil {
			return nil, fmt.Errorf("trace exporter: %w", err)
		}
		return exporter, nil
	case TypeStdout:
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(out))
		if err != nil {
			return nil, fmt.Errorf("trace exporter: %w", err)
		}
		return exporter, nil
	default:
		return nil, fmt.Errorf("invalid telemetry type %q: must be %q or %q", exporterType, TypeGRPC, TypeStdout)
	}
}

func newMetricExporter(ctx context.Context, exporterType string, out io.Writer) (sdkmetric.Exporter, error) {
	switch exporterType {
	case TypeGRPC:
		exporter, err := otlpmetricgrpc.New(ctx)
		if err != nil {
			return nil, fmt.Errorf("metric exporter: %w", err)
		}
		return exporter, nil
	case TypeStdout:
		exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(out))
		if err != nil {
			return nil, fmt.Errorf("metric exporter: %w", err)
		}
		return exporter, nil
	default:
		return nil, fmt.Errorf("invalid telemetry type %q: must be %q or %q", exporterType, TypeGRPC, TypeStdout)
	}
}

// configureSDKLogging routes the SDK's internal logging and errors through
// zerolog.
func configureSDKLogging(level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid telemetry log level %q: %w", level, err)
	}

	sdkLogger := log.Logger.With().Str("component", "otel").Logger().Level(lvl)
	otel.SetLogger(zerologr.New(&sdkLogger))
	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		sdkLogger.Warn().Err(err).Msg("telemetry error")
	}))

	return nil
}

// HTTPTransport instruments wrapped so that each token request is traced.
// When telemetry or transport tracing is disabled, wrapped is returned as is.
func HTTPTransport(wrapped http.RoundTripper, cfg config.ObserveConfig) http.RoundTripper {
	if !cfg.Enabled || !cfg.HTTPTransportEnabled {
		return wrapped
	}

	opts := []otelhttp.Option{
		otelhttp.WithSpanNameFormatter(SpanName),
	}

	if cfg.HTTPConnectionTraceEnabled {
		opts = append(opts, otelhttp.WithClientTrace(func(ctx context.Context) *httptrace.ClientTrace {
			return otelhttptrace.NewClientTrace(ctx)
		}))
	}

	return otelhttp.NewTransport(wrapped, opts...)
}

// SpanName names an outbound request span after the method and the request
// path, leaving out the query string.
func SpanName(_ string, r *http.Request) string {
	if r.URL == nil || r.URL.Path == "" {
		return r.Method
	}
	return r.Method + " " + r.URL.Path
}
