package instrumentation

import (
	"fmt"
	"time"
)

// Config selects exporters for metrics and traces. The application fills it
// from the telemetry section of its configuration file.
type Config struct {
	ServiceName    string
	ServiceVersion string

	// ServiceInstanceID defaults to the hostname.
	ServiceInstanceID string

	// Enabled false yields a provider whose metrics and tracer are no-ops.
	Enabled bool

	// MetricsExporter is prometheus, otlp or stdout.
	MetricsExporter string

	// TracingExporter is otlp, stdout or none.
	TracingExporter string

	// OTLPEndpoint is host:port without a scheme, e.g. "localhost:4318".
	OTLPEndpoint string

	// OTLPInsecure switches OTLP export to plain HTTP. Local development only.
	OTLPInsecure bool

	// TraceSamplingRate is the ratio of root spans kept, 0 to 1.
	TraceSamplingRate float64

	// DetailedLabels adds the pipeline id to stage-level metrics.
	// Keep it off when many pipelines share one process.
	DetailedLabels bool
}

// DefaultConfig returns Prometheus metrics with tracing off.
func DefaultConfig() Config {
	return Config{
		ServiceName:       "inboxflow",
		ServiceVersion:    "unknown",
		Enabled:           true,
		MetricsExporter:   ExporterPrometheus,
		TracingExporter:   ExporterNone,
		TraceSamplingRate: 0.1,
	}
}

// Validate checks exporter names, the sampling rate and that OTLP
// exporters have an endpoint.
func (c Config) Validate() error {
	if c.TraceSamplingRate < 0 || c.TraceSamplingRate > 1 {
		return fmt.Errorf("trace sampling rate must be between 0.0 and 1.0, got %f", c.TraceSamplingRate)
	}

	switch c.MetricsExporter {
	case "", ExporterPrometheus, ExporterOTLP, ExporterStdout:
	default:
		return fmt.Errorf("invalid metrics exporter %q, must be one of: prometheus, otlp, stdout", c.MetricsExporter)
	}
	switch c.TracingExporter {
	case "", ExporterOTLP, ExporterStdout, ExporterNone:
	default:
		return fmt.Errorf("invalid tracing exporter %q, must be one of: otlp, stdout, none", c.TracingExporter)
	}

	if c.OTLPEndpoint == "" && (c.TracingExporter == ExporterOTLP || c.MetricsExporter == ExporterOTLP) {
		return fmt.Errorf("OTLP endpoint is required when using an OTLP exporter")
	}
	return nil
}

// Constants for metric label values.
const (
	// Status values
	StatusSuccess = "success"
	StatusError   = "error"
	StatusUnknown = "unknown"

	// OAuth result values
	OAuthResultSuccess = "success"
	OAuthResultFailure = "failure"
	OAuthResultRevoked = "revoked"

	// External services called by the pipeline stages
	ServiceGmail  = "gmail"
	ServiceIMAP   = "imap"
	ServiceAI     = "ai"
	ServiceNotion = "notion"
	ServiceGoogle = "google_oauth"

	// Operation names for external API metrics
	OperationList     = "list"
	OperationGet      = "get"
	OperationCreate   = "create"
	OperationComplete = "complete"
	OperationSchema   = "schema"

	// Exporter types
	ExporterPrometheus = "prometheus"
	ExporterOTLP       = "otlp"
	ExporterStdout     = "stdout"
	ExporterNone       = "none"

	// DefaultMetricInterval is the push interval of the OTLP and stdout
	// metric readers.
	DefaultMetricInterval = 10 * time.Second
)
