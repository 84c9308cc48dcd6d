// Package telemetry initializes OpenTelemetry tracing and metrics exporters
// and holds the instruments the answer pipeline reports into.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Shutdown combines multiple shutdown functions.
type Shutdown func(ctx context.Context) error

// Init configures the global OpenTelemetry tracer and meter providers.
// If endpoint is empty, OTEL is disabled and no-op providers are used.
// Returns a shutdown function that must be called during graceful shutdown.
func Init(ctx context.Context, endpoint, serviceName, version string, insecure bool) (Shutdown, error) {
	if endpoint == "" {
		return func(ctx context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create resource: %w", err)
	}

	traceOpts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(endpoint),
	}
	if insecure {
		traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
	}
	traceExp, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp,
			sdktrace.WithBatchTimeout(5*time.Second),
		),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	// W3C Trace Context and Baggage, so incoming traceparent headers flow
	// through to the chat and embedding API calls.
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	metricOpts := []otlpmetrichttp.Option{
		otlpmetrichttp.WithEndpoint(endpoint),
	}
	if insecure {
		metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
	}
	metricExp, err := otlpmetrichttp.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(metricExp,
				sdkmetric.WithInterval(15*time.Second),
			),
		),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	shutdown := func(ctx context.Context) error {
		var firstErr error
		if err := tp.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := mp.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		return firstErr
	}

	return shutdown, nil
}

// Meter returns the global meter for the given instrumentation scope.
func Meter(name string) metric.Meter {
	return otel.GetMeterProvider().Meter(name)
}

// PipelineMetrics holds the answering pipeline's instruments. Instruments
// resolve against the global meter provider, so a set built before Init
// records into the no-op provider and stays silent.
type PipelineMetrics struct {
	RetrievalDuration metric.Float64Histogram
	AnswerDuration    metric.Float64Histogram
	CitationsEmitted  metric.Int64Counter
	CitationsVerified metric.Int64Counter
	FallbackAnswers   metric.Int64Counter
	UnsupportedClaims metric.Int64Counter
}

// NewPipelineMetrics registers the answering pipeline's instruments.
func NewPipelineMetrics() *PipelineMetrics {
	meter := Meter("shepard/answer")
	retrDur, _ := meter.Float64Histogram("shepard.retrieval.duration",
		metric.WithDescription("Time to build the ranked candidate set (ms)"),
		metric.WithUnit("ms"),
	)
	ansDur, _ := meter.Float64Histogram("shepard.answer.duration",
		metric.WithDescription("End-to-end answer latency (ms)"),
		metric.WithUnit("ms"),
	)
	emitted, _ := meter.Int64Counter("shepard.citations.emitted",
		metric.WithDescription("Citations emitted in answers"),
	)
	verified, _ := meter.Int64Counter("shepard.citations.verified",
		metric.WithDescription("Citations that survived binding and verification"),
	)
	fallback, _ := meter.Int64Counter("shepard.answers.fallback",
		metric.WithDescription("Answers served by the retrieval-only fallback"),
	)
	unsupported, _ := meter.Int64Counter("shepard.claims.case_attributed_unsupported",
		metric.WithDescription("Case-attributed propositions without a verified citation"),
	)
	return &PipelineMetrics{
		RetrievalDuration: retrDur,
		AnswerDuration:    ansDur,
		CitationsEmitted:  emitted,
		CitationsVerified: verified,
		FallbackAnswers:   fallback,
		UnsupportedClaims: unsupported,
	}
}
