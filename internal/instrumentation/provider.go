package instrumentation

import (
	"context"
	"log/slog"
	"os"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Provider owns the meter and tracer providers for one process and the
// Metrics recorder built on them. A disabled or nil Provider hands out
// no-op instruments.
type Provider struct {
	meters     *metric.MeterProvider
	tracers    *sdktrace.TracerProvider
	metrics    *Metrics
	prometheus bool
}

// NewProvider builds the exporters named in cfg and installs the providers
// as the otel globals.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{}, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.MetricsExporter == "" {
		cfg.MetricsExporter = ExporterPrometheus
	}
	if cfg.TracingExporter == "" {
		cfg.TracingExporter = ExporterNone
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	reader, err := newMetricReader(ctx, cfg)
	if err != nil {
		return nil, err
	}
	p := &Provider{
		meters:     metric.NewMeterProvider(metric.WithResource(res), metric.WithReader(reader)),
		prometheus: cfg.MetricsExporter == ExporterPrometheus,
	}

	p.tracers, err = newTracerProvider(ctx, cfg, res)
	if err != nil {
		return nil, errors.CombineErrors(err, p.meters.Shutdown(ctx))
	}

	otel.SetMeterProvider(p.meters)
	otel.SetTracerProvider(p.tracers)

	p.metrics, err = NewMetrics(p.meters.Meter(cfg.ServiceName), cfg.DetailedLabels)
	if err != nil {
		return nil, errors.CombineErrors(err, p.Shutdown(ctx))
	}
	return p, nil
}

func newResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	instance := cfg.ServiceInstanceID
	if instance == "" {
		instance, _ = os.Hostname()
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	}
	if instance != "" {
		attrs = append(attrs, semconv.ServiceInstanceID(instance))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	return res, errors.Wrap(err, "telemetry resource")
}

// newMetricReader returns the pull reader for prometheus, which registers
// on the default Prometheus registry, or a periodic reader for push exporters.
func newMetricReader(ctx context.Context, cfg Config) (metric.Reader, error) {
	var exporter metric.Exporter
	var err error
	switch cfg.MetricsExporter {
	case ExporterPrometheus:
		reader, err := prometheus.New()
		if err != nil {
			return nil, errors.Wrap(err, "prometheus exporter")
		}
		return reader, nil
	case ExporterOTLP:
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		exporter, err = otlpmetrichttp.New(ctx, opts...)
	case ExporterStdout:
		slog.Warn("stdout metrics exporter enabled, use for debugging only", "component", "instrumentation")
		exporter, err = stdoutmetric.New()
	default:
		return nil, errors.Newf("unsupported metrics exporter %q", cfg.MetricsExporter)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "%s metrics exporter", cfg.MetricsExporter)
	}
	return metric.NewPeriodicReader(exporter, metric.WithInterval(DefaultMetricInterval)), nil
}

// newTracerProvider never samples when tracing is off so spans stay cheap.
func newTracerProvider(ctx context.Context, cfg Config, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.TracingExporter {
	case ExporterNone:
		return sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.NeverSample()),
		), nil
	case ExporterOTLP:
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			slog.Warn("OTLP traces sent without TLS", "component", "instrumentation", "endpoint", cfg.OTLPEndpoint)
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
	case ExporterStdout:
		slog.Warn("stdout trace exporter enabled, use for debugging only", "component", "instrumentation")
		exporter, err = stdouttrace.New()
	default:
		return nil, errors.Newf("unsupported tracing exporter %q", cfg.TracingExporter)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "%s trace exporter", cfg.TracingExporter)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.TraceSamplingRate))),
	), nil
}

// Metrics returns the metrics recorder. It is never nil.
func (p *Provider) Metrics() *Metrics {
	if p == nil || p.metrics == nil {
		return &Metrics{}
	}
	return p.metrics
}

// Tracer returns a named tracer, or a no-op one when disabled.
func (p *Provider) Tracer(name string) trace.Tracer {
	if !p.Enabled() {
		return noop.NewTracerProvider().Tracer(name)
	}
	return p.tracers.Tracer(name)
}

// PrometheusEnabled reports whether metrics are exported through the
// default Prometheus registry, and so should be served on /metrics.
func (p *Provider) PrometheusEnabled() bool {
	return p != nil && p.prometheus
}

// Enabled reports whether exporters were started.
func (p *Provider) Enabled() bool {
	return p != nil && p.meters != nil
}

// Shutdown flushes pending telemetry and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}
	var err error
	err = errors.CombineErrors(err, errors.Wrap(p.meters.Shutdown(ctx), "meter provider"))
	if p.tracers != nil {
		err = errors.CombineErrors(err, errors.Wrap(p.tracers.Shutdown(ctx), "tracer provider"))
	}
	return err
}
