package instrumentation

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// Config selects the exporters and resource attributes of a Provider.
// The telemetry section of the handovermail configuration fills it.
type Config struct {
	ServiceName    string
	ServiceVersion string

	// ServiceInstanceID defaults to the hostname.
	ServiceInstanceID string
	K8sNamespace      string
	K8sPodName        string

	// Enabled false yields a provider whose Metrics is nil.
	Enabled bool

	// MetricsExporter is prometheus, otlp or stdout.
	MetricsExporter string
	// TracingExporter is otlp, stdout or none.
	TracingExporter string

	// OTLPEndpoint is host:port without a scheme. OTLPInsecure switches the
	// exporters to plain HTTP.
	OTLPEndpoint string
	OTLPInsecure bool

	TraceSamplingRate float64

	// DetailedLabels adds the run owner's email domain to dispatch run metrics.
	DetailedLabels bool

	AuditLogging AuditLoggingConfig
}

// AuditLoggingConfig configures the run audit trail.
type AuditLoggingConfig struct {
	Enabled bool

	// IncludePII logs the full email of whoever triggered a run instead of
	// its hash and domain.
	IncludePII bool
}

// DefaultConfig exports metrics for Prometheus scraping and no traces.
func DefaultConfig() Config {
	return Config{
		ServiceName:       "handovermail",
		ServiceVersion:    "unknown",
		Enabled:           true,
		MetricsExporter:   ExporterPrometheus,
		TracingExporter:   ExporterNone,
		TraceSamplingRate: 0.1,
		AuditLogging:      AuditLoggingConfig{Enabled: true},
	}
}

var (
	metricsExporters = []string{ExporterPrometheus, ExporterOTLP, ExporterStdout}
	tracingExporters = []string{ExporterOTLP, ExporterStdout, ExporterNone}
)

// Validate reports every invalid setting. Empty exporters are accepted and
// mean the default.
func (c *Config) Validate() error {
	var errs []error
	if c.TraceSamplingRate < 0 || c.TraceSamplingRate > 1 {
		errs = append(errs, fmt.Errorf("trace sampling rate must be between 0.0 and 1.0, got %g", c.TraceSamplingRate))
	}
	if c.MetricsExporter != "" && !slices.Contains(metricsExporters, c.MetricsExporter) {
		errs = append(errs, fmt.Errorf("invalid metrics exporter %q, must be one of %v", c.MetricsExporter, metricsExporters))
	}
	if c.TracingExporter != "" && !slices.Contains(tracingExporters, c.TracingExporter) {
		errs = append(errs, fmt.Errorf("invalid tracing exporter %q, must be one of %v", c.TracingExporter, tracingExporters))
	}
	if c.OTLPEndpoint == "" && (c.MetricsExporter == ExporterOTLP || c.TracingExporter == ExporterOTLP) {
		errs = append(errs, errors.New("an OTLP endpoint is required by the otlp exporter"))
	}
	return errors.Join(errs...)
}

// Label values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusUnknown = "unknown"

	RefreshResultSuccess = "success"
	RefreshResultFailure = "failure"
	RefreshResultExpired = "expired"

	LockResultAcquired  = "acquired"
	LockResultReentered = "reentered"
	LockResultBusy      = "busy"
	LockResultError     = "error"

	ServiceGmail  = "gmail"
	ServiceSheets = "sheets"
	ServiceDrive  = "drive"
)

// Exporter names.
const (
	ExporterPrometheus = "prometheus"
	ExporterOTLP       = "otlp"
	ExporterStdout     = "stdout"
	ExporterNone       = "none"
)

// DefaultMetricInterval is the push interval of the otlp and stdout
// metric exporters.
const DefaultMetricInterval = 10 * time.Second
