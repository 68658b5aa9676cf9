package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
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

const instrumentationName = "seo-pagegen/generator"

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

// instruments are swapped in whole so recorders never see a half-built set
type instruments struct {
	tracer       trace.Tracer
	pageDuration metric.Float64Histogram
	pageTotal    metric.Int64Counter
	claimTotal   metric.Int64Counter
	jobFinalized metric.Int64Counter
	jobPages     metric.Int64Histogram
}

var active atomic.Pointer[instruments]

// Init configures tracing and metrics exporters. When cfg.Enabled is false the function is a no-op.
func Init(ctx context.Context, cfg Config) (*Providers, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "seo-pagegen"
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

	tracerProvider := newTracerProvider(ctx, cfg, res)
	otel.SetTracerProvider(tracerProvider)

	prop := propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
	otel.SetTextMapPropagator(prop)

	meterProvider, metricsHandler, err := newMeterProvider(res)
	if err != nil {
		_ = tracerProvider.Shutdown(ctx)
		return nil, err
	}
	otel.SetMeterProvider(meterProvider)

	inst, err := newInstruments(tracerProvider, meterProvider)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create page generation instruments")
	} else {
		active.Store(inst)
	}

	return &Providers{
		TracerProvider: tracerProvider,
		MeterProvider:  meterProvider,
		Propagator:     prop,
		MetricsHandler: metricsHandler,
		Shutdown: func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return errors.Join(meterProvider.Shutdown(ctx), tracerProvider.Shutdown(ctx))
		},
		Config: cfg,
	}, nil
}

// newTracerProvider exports spans over OTLP when an endpoint is set. A
// broken exporter leaves tracing local rather than failing startup.
func newTracerProvider(ctx context.Context, cfg Config, res *resource.Resource) *sdktrace.TracerProvider {
	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.OTLPEndpoint == "" {
		return sdktrace.NewTracerProvider(opts...)
	}

	clientOpts := []otlptracehttp.Option{getOTLPEndpointOption(cfg.OTLPEndpoint)}
	if cfg.OTLPInsecure {
		clientOpts = append(clientOpts, otlptracehttp.WithInsecure())
	}
	if len(cfg.OTLPHeaders) > 0 {
		clientOpts = append(clientOpts, otlptracehttp.WithHeaders(cfg.OTLPHeaders))
	}

	exp, err := otlptracehttp.New(ctx, clientOpts...)
	if err != nil {
		log.Warn().Err(err).Str("endpoint", cfg.OTLPEndpoint).Msg("Failed to create OTLP trace exporter, traces disabled")
		return sdktrace.NewTracerProvider(opts...)
	}
	log.Info().Str("endpoint", cfg.OTLPEndpoint).Msg("OTLP trace exporter initialised")
	return sdktrace.NewTracerProvider(append(opts, sdktrace.WithBatcher(exp))...)
}

// newMeterProvider backs otel metrics with a private Prometheus registry
// that also carries the Go runtime and process collectors
func newMeterProvider(res *resource.Resource) (*sdkmetric.MeterProvider, http.Handler, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, nil, fmt.Errorf("create Prometheus exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(exporter))
	return mp, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
}

func newInstruments(tp trace.TracerProvider, mp metric.MeterProvider) (*instruments, error) {
	meter := mp.Meter(instrumentationName)
	inst := &instruments{tracer: tp.Tracer(instrumentationName)}

	var err error
	if inst.pageDuration, err = meter.Float64Histogram(
		"pagegen.page.duration_ms",
		metric.WithUnit("ms"),
		metric.WithDescription("Time taken to generate one page"),
	); err != nil {
		return nil, err
	}
	if inst.pageTotal, err = meter.Int64Counter(
		"pagegen.page.total",
		metric.WithDescription("Page generation outcomes by page type"),
	); err != nil {
		return nil, err
	}
	if inst.claimTotal, err = meter.Int64Counter(
		"pagegen.claim.total",
		metric.WithDescription("Claim attempts by source and whether a page was handed out"),
	); err != nil {
		return nil, err
	}
	if inst.jobFinalized, err = meter.Int64Counter(
		"pagegen.job.finalized",
		metric.WithDescription("Jobs that reached a terminal status"),
	); err != nil {
		return nil, err
	}
	if inst.jobPages, err = meter.Int64Histogram(
		"pagegen.job.pages",
		metric.WithDescription("Pages per finalized job"),
	); err != nil {
		return nil, err
	}
	return inst, nil
}

func getOTLPEndpointOption(endpoint string) otlptracehttp.Option {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return otlptracehttp.WithEndpointURL(endpoint)
	}
	return otlptracehttp.WithEndpoint(endpoint)
}

// WrapHandler applies OpenTelemetry instrumentation to an http.Handler when the providers are active.
// Health checks and the websocket progress stream are not traced.
func WrapHandler(handler http.Handler, prov *Providers) http.Handler {
	if prov == nil || prov.TracerProvider == nil {
		return handler
	}

	return otelhttp.NewHandler(handler, "http.server",
		otelhttp.WithTracerProvider(prov.TracerProvider),
		otelhttp.WithPropagators(prov.Propagator),
		otelhttp.WithMeterProvider(prov.MeterProvider),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithFilter(func(r *http.Request) bool {
			return !strings.HasPrefix(r.URL.Path, "/health") && !strings.HasSuffix(r.URL.Path, "/stream")
		}),
	)
}

// PageSpanInfo describes the attributes used when starting a page generation span.
type PageSpanInfo struct {
	JobID    string
	PageID   string
	PageType string
	PageSlug string
	Attempt  int
	Source   string // pool, consumer
}

// PageMetrics describes a processed page for metric recording.
type PageMetrics struct {
	PageType string
	Status   string
	Duration time.Duration
}

// StartPageSpan starts a span for an individual page generation.
func StartPageSpan(ctx context.Context, info PageSpanInfo) (context.Context, trace.Span) {
	var tracer trace.Tracer
	if inst := active.Load(); inst != nil {
		tracer = inst.tracer
	} else {
		tracer = otel.Tracer(instrumentationName)
	}

	return tracer.Start(ctx, "generator.process_page", trace.WithAttributes(
		attribute.String("job.id", info.JobID),
		attribute.String("page.id", info.PageID),
		attribute.String("page.type", info.PageType),
		attribute.String("page.slug", info.PageSlug),
		attribute.Int("page.attempt", info.Attempt),
		attribute.String("page.source", info.Source),
	))
}

// RecordPage emits page generation metrics when instrumentation is initialised.
// Job ids are left out of the attributes to keep series cardinality bounded.
func RecordPage(ctx context.Context, m PageMetrics) {
	inst := active.Load()
	if inst == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("page.type", m.PageType), attribute.String("page.status", m.Status))
	inst.pageDuration.Record(ctx, float64(m.Duration.Milliseconds()), attrs)
	inst.pageTotal.Add(ctx, 1, attrs)
}

// RecordClaim counts one claim attempt. source is pool, consumer or remote.
func RecordClaim(ctx context.Context, source string, claimed bool) {
	inst := active.Load()
	if inst == nil {
		return
	}
	inst.claimTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("claim.source", source),
		attribute.Bool("claim.found", claimed),
	))
}

// RecordJobFinalized counts a job reaching completed or failed
func RecordJobFinalized(ctx context.Context, pageType, status string, totalPages int) {
	inst := active.Load()
	if inst == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("page.type", pageType), attribute.String("job.status", status))
	inst.jobFinalized.Add(ctx, 1, attrs)
	inst.jobPages.Record(ctx, int64(totalPages), attrs)
}
