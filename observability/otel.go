package observability

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
)

// InitTracer configures a global tracer provider with an OTLP gRPC exporter,
// grounded on the reference otelinit.InitTracer. Returns a shutdown func
// that is always safe to call even if exporter setup failed.
func InitTracer(ctx context.Context, service string) func(context.Context) error {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithDialOption(grpc.WithInsecure()),
	)
	if err != nil {
		slog.Warn("otel trace exporter init failed", "error", err)
		return func(context.Context) error { return nil }
	}
	res, _ := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
	))
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp), sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)
	slog.Info("otel tracer initialized", "endpoint", endpoint)
	return tp.Shutdown
}

// Metrics holds the common OTLP-pushed instruments used across components.
type Metrics struct {
	TaskDuration     metric.Float64Histogram
	RetryAttempts    metric.Int64Counter
	CircuitOpens     metric.Int64Counter
	CircuitCloses    metric.Int64Counter
	RateLimitDenials metric.Int64Counter
	TaskFailures     metric.Int64Counter
	DAGParallelism   metric.Int64Gauge
	TriggerFires     metric.Int64Counter
	TriggerFailures  metric.Int64Counter
}

// InitMetrics configures a global OTLP push metrics pipeline, mirroring the
// reference otelinit.InitMetrics. The returned Metrics struct is always
// populated (with no-op-backed instruments on exporter failure) so callers
// never need to nil-check.
func InitMetrics(ctx context.Context, service string) (shutdown func(context.Context) error, m Metrics) {
	res, _ := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
	))
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT")
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	ctxInit, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exp, err := otlpmetricgrpc.New(ctxInit,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithDialOption(grpc.WithInsecure()),
	)
	if err != nil {
		slog.Warn("otel metrics exporter init failed", "error", err)
		return func(context.Context) error { return nil }, commonInstruments()
	}
	reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)
	slog.Info("otel metrics initialized", "endpoint", endpoint)
	return mp.Shutdown, commonInstruments()
}

func commonInstruments() Metrics {
	meter := otel.Meter("taskforge")
	dur, _ := meter.Float64Histogram("taskforge_task_duration_ms")
	retry, _ := meter.Int64Counter("taskforge_retry_attempts_total")
	circuit, _ := meter.Int64Counter("taskforge_circuit_open_total")
	circuitClose, _ := meter.Int64Counter("taskforge_circuit_closed_total")
	rateDenied, _ := meter.Int64Counter("taskforge_rate_limit_denied_total")
	fail, _ := meter.Int64Counter("taskforge_task_failures_total")
	par, _ := meter.Int64Gauge("taskforge_dag_parallelism")
	trig, _ := meter.Int64Counter("taskforge_trigger_fires_total")
	trigFail, _ := meter.Int64Counter("taskforge_trigger_failures_total")
	return Metrics{
		TaskDuration:     dur,
		RetryAttempts:    retry,
		CircuitOpens:     circuit,
		CircuitCloses:    circuitClose,
		RateLimitDenials: rateDenied,
		TaskFailures:     fail,
		DAGParallelism:   par,
		TriggerFires:     trig,
		TriggerFailures:  trigFail,
	}
}

// Flush performs a bounded-time graceful shutdown of a tracer/metrics
// provider, mirroring the reference otelinit.Flush.
func Flush(ctx context.Context, shutdown func(context.Context) error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_ = shutdown(ctx)
}
