package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config controls observability initialisation.
type Config struct {
	Enabled        bool
	ServiceName    string
	Environment    string
	OTLPEndpoint   string
	OTLPHeaders    map[string]string
	OTLPInsecure   bool
	MetricsAddress string
}

// Providers exposes configured telemetry providers.
type Providers struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	Propagator     propagation.TextMapPropagator
	MetricsHandler http.Handler
	Shutdown       func(ctx context.Context) error
	Config         Config
}

var (
	initOnce sync.Once

	jobTracer trace.Tracer

	rowDuration  metric.Float64Histogram
	rowTotal     metric.Int64Counter
	jobTotal     metric.Int64Counter
	jobsInFlight metric.Int64UpDownCounter
)

// Init configures tracing and metrics exporters. When cfg.Enabled is false the function is a no-op.
func Init(ctx context.Context, cfg Config) (*Providers, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "parcel-valuation"
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	var spanExporter sdktrace.SpanExporter
	if cfg.OTLPEndpoint != "" {
		clientOpts := []otlptracehttp.Option{
			getOTLPEndpointOption(cfg.OTLPEndpoint),
		}
		if cfg.OTLPInsecure {
			clientOpts = append(clientOpts, otlptracehttp.WithInsecure())
		}
		if len(cfg.OTLPHeaders) > 0 {
			clientOpts = append(clientOpts, otlptracehttp.WithHeaders(cfg.OTLPHeaders))
		}

		exp, err := otlptracehttp.New(ctx, clientOpts...)
		if err != nil {
			// Traces are optional; the service runs without them
			log.Warn().Err(err).Str("endpoint", cfg.OTLPEndpoint).Msg("Failed to create OTLP trace exporter, traces disabled")
		} else {
			spanExporter = exp
			log.Info().Str("endpoint", cfg.OTLPEndpoint).Msg("OTLP trace exporter initialised")
		}
	}

	traceOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
	}
	if spanExporter != nil {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(spanExporter))
	}

	tracerProvider := sdktrace.NewTracerProvider(traceOpts...)
	otel.SetTracerProvider(tracerProvider)

	prop := propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
	otel.SetTextMapPropagator(prop)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	promExporter, err := otelprom.New(
		otelprom.WithRegisterer(registry),
	)
	if err != nil {
		_ = tracerProvider.Shutdown(ctx) // best-effort cleanup
		return nil, fmt.Errorf("create Prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	)
	otel.SetMeterProvider(meterProvider)

	initOnce.Do(func() {
		jobTracer = tracerProvider.Tracer("parcel-valuation/jobs")
		if err := initJobInstruments(meterProvider); err != nil {
			log.Warn().Err(err).Msg("Failed to create job instruments")
		}
	})

	shutdown := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		var allErr error
		if err := meterProvider.Shutdown(ctx); err != nil {
			allErr = errors.Join(allErr, fmt.Errorf("metric provider shutdown: %w", err))
		}
		if err := tracerProvider.Shutdown(ctx); err != nil {
			allErr = errors.Join(allErr, fmt.Errorf("trace provider shutdown: %w", err))
		}
		return allErr
	}

	return &Providers{
		TracerProvider: tracerProvider,
		MeterProvider:  meterProvider,
		Propagator:     prop,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Shutdown:       shutdown,
		Config:         cfg,
	}, nil
}

func getOTLPEndpointOption(endpoint string) otlptracehttp.Option {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return otlptracehttp.WithEndpointURL(endpoint)
	}
	return otlptracehttp.WithEndpoint(endpoint)
}

// WrapHandler applies OpenTelemetry instrumentation to an http.Handler when the providers are active.
func WrapHandler(handler http.Handler, prov *Providers) http.Handler {
	if prov == nil || prov.TracerProvider == nil {
		return handler
	}

	options := []otelhttp.Option{
		otelhttp.WithTracerProvider(prov.TracerProvider),
		otelhttp.WithPropagators(prov.Propagator),
		otelhttp.WithMeterProvider(prov.MeterProvider),
		otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
			return fmt.Sprintf("%s %s", r.Method, r.URL.Path)
		}),
		// Skip tracing for health checks to reduce noise
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/health"
		}),
	}

	return otelhttp.NewHandler(handler, "http.server", options...)
}

func initJobInstruments(meterProvider *sdkmetric.MeterProvider) error {
	if meterProvider == nil {
		return nil
	}

	meter := meterProvider.Meter("parcel-valuation/jobs")

	var err error
	rowDuration, err = meter.Float64Histogram(
		"valuation.row.duration_ms",
		metric.WithUnit("ms"),
		metric.WithDescription("Time taken to analyse one batch row"),
	)
	if err != nil {
		return err
	}

	rowTotal, err = meter.Int64Counter(
		"valuation.row.total",
		metric.WithDescription("Counts row outcomes processed by the row pool"),
	)
	if err != nil {
		return err
	}

	jobTotal, err = meter.Int64Counter(
		"valuation.job.total",
		metric.WithDescription("Counts batch jobs by terminal status"),
	)
	if err != nil {
		return err
	}

	jobsInFlight, err = meter.Int64UpDownCounter(
		"valuation.job.in_flight",
		metric.WithDescription("Batch jobs currently being processed by this instance"),
	)
	return err
}

// RowSpanInfo describes the attributes used when starting a row span.
type RowSpanInfo struct {
	JobID     string
	RowIndex  int
	ParcelGID int64
}

// RowMetrics describes a processed row for metric recording.
type RowMetrics struct {
	JobID    string
	Status   string
	Duration time.Duration
}

// StartRowSpan starts a span for the analysis of a single batch row.
func StartRowSpan(ctx context.Context, info RowSpanInfo) (context.Context, trace.Span) {
	t := jobTracer
	if t == nil {
		t = otel.Tracer("parcel-valuation/jobs")
	}

	attrs := []attribute.KeyValue{
		attribute.String("job.id", info.JobID),
		attribute.Int("row.index", info.RowIndex),
		attribute.Int64("parcel.gid", info.ParcelGID),
	}

	return t.Start(ctx, "jobs.process_row", trace.WithAttributes(attrs...))
}

// RecordRow emits row metrics when instrumentation is initialised.
func RecordRow(ctx context.Context, metrics RowMetrics) {
	attrs := metric.WithAttributes(attribute.String("job.id", metrics.JobID), attribute.String("row.status", metrics.Status))

	if rowDuration != nil {
		rowDuration.Record(ctx, float64(metrics.Duration.Milliseconds()), attrs)
	}
	if rowTotal != nil {
		rowTotal.Add(ctx, 1, attrs)
	}
}

// JobStarted marks a job as in flight on this instance.
func JobStarted(ctx context.Context) {
	if jobsInFlight != nil {
		jobsInFlight.Add(ctx, 1)
	}
}

// RecordJob records a job leaving this instance with the given status.
func RecordJob(ctx context.Context, status string) {
	if jobsInFlight != nil {
		jobsInFlight.Add(ctx, -1)
	}
	if jobTotal != nil {
		jobTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("job.status", status)))
	}
}
