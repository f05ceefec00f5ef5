package instrumentation

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/teemow/handovermail/internal/logging"
)

// Metric attribute keys.
const (
	attrMethod     = "method"
	attrPath       = "path"
	attrStatus     = "status"
	attrOperation  = "operation"
	attrService    = "service"
	attrResult     = "result"
	attrTarget     = "target"
	attrTag        = "tag"
	attrUserDomain = "user_domain"
)

// Metrics records the service's counters and histograms. A nil *Metrics is a
// valid no-op recorder.
type Metrics struct {
	httpRequestsTotal          metric.Int64Counter
	httpRequestDuration        metric.Float64Histogram
	googleAPIOperationsTotal   metric.Int64Counter
	googleAPIOperationDuration metric.Float64Histogram
	dispatchRecordsTotal       metric.Int64Counter
	dispatchRunsTotal          metric.Int64Counter
	dispatchRunDuration        metric.Float64Histogram
	activeRuns                 metric.Int64UpDownCounter
	lockAcquisitionsTotal      metric.Int64Counter
	tokenRefreshTotal          metric.Int64Counter

	detailedLabels bool
}

// Histogram bucket boundaries in seconds.
var (
	httpBuckets      = []float64{0.001, 0.01, 0.1, 0.5, 1, 2.5, 5, 10}
	googleAPIBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
	runBuckets       = []float64{1, 5, 10, 30, 60, 120, 300, 600}
)

// instruments creates instruments on a meter and keeps the first error.
type instruments struct {
	meter metric.Meter
	err   error
}

func (in *instruments) counter(name, desc, unit string) metric.Int64Counter {
	c, err := in.meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	in.keep(name, err)
	return c
}

func (in *instruments) upDown(name, desc, unit string) metric.Int64UpDownCounter {
	c, err := in.meter.Int64UpDownCounter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	in.keep(name, err)
	return c
}

func (in *instruments) seconds(name, desc string, buckets []float64) metric.Float64Histogram {
	h, err := in.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(buckets...))
	in.keep(name, err)
	return h
}

func (in *instruments) keep(name string, err error) {
	if err != nil && in.err == nil {
		in.err = fmt.Errorf("failed to create %s: %w", name, err)
	}
}

// NewMetrics creates every instrument on meter. detailedLabels adds the run
// owner's email domain to the run metrics.
func NewMetrics(meter metric.Meter, detailedLabels bool) (*Metrics, error) {
	in := &instruments{meter: meter}
	m := &Metrics{
		httpRequestsTotal:   in.counter("http_requests_total", "HTTP requests by method, route and status", "{request}"),
		httpRequestDuration: in.seconds("http_request_duration_seconds", "HTTP request duration", httpBuckets),

		googleAPIOperationsTotal:   in.counter("google_api_operations_total", "Google API operations by service, operation and status", "{operation}"),
		googleAPIOperationDuration: in.seconds("google_api_operation_duration_seconds", "Google API operation duration including retries", googleAPIBuckets),

		dispatchRecordsTotal: in.counter("dispatch_records_total", "Processed handover records by status tag", "{record}"),
		dispatchRunsTotal:    in.counter("dispatch_runs_total", "Finished dispatch runs by result", "{run}"),
		dispatchRunDuration:  in.seconds("dispatch_run_duration_seconds", "Dispatch run duration", runBuckets),
		activeRuns:           in.upDown("dispatch_active_runs", "Dispatch runs currently executing", "{run}"),

		lockAcquisitionsTotal: in.counter("run_lock_acquisitions_total", "Run lock acquisition attempts by result", "{attempt}"),
		tokenRefreshTotal:     in.counter("oauth_token_refresh_total", "OAuth token refreshes by result", "{attempt}"),

		detailedLabels: detailedLabels,
	}
	if in.err != nil {
		return nil, in.err
	}
	return m, nil
}

// RecordHTTPRequest records an HTTP request with method, route pattern, status code, and duration.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String(attrMethod, method),
		attribute.String(attrPath, path),
		attribute.String(attrStatus, strconv.Itoa(statusCode)),
	}

	m.httpRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.httpRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordGoogleAPIOperation records one call of Call, retries included.
func (m *Metrics) RecordGoogleAPIOperation(ctx context.Context, service, operation, status string, duration time.Duration) {
	if m == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String(attrService, service),
		attribute.String(attrOperation, operation),
		attribute.String(attrStatus, status),
	}

	m.googleAPIOperationsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.googleAPIOperationDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordDispatchRecord counts one processed record under its status tag.
func (m *Metrics) RecordDispatchRecord(ctx context.Context, target, tag string) {
	if m == nil {
		return
	}

	m.dispatchRecordsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrTarget, target),
		attribute.String(attrTag, tag),
	))
}

// RecordDispatchRun records a finished run. The owner's domain is only
// attached when detailed labels are enabled.
func (m *Metrics) RecordDispatchRun(ctx context.Context, target, result, owner string, duration time.Duration) {
	if m == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String(attrTarget, target),
		attribute.String(attrResult, result),
	}
	if m.detailedLabels && owner != "" {
		attrs = append(attrs, attribute.String(attrUserDomain, ownerDomain(owner)))
	}

	m.dispatchRunsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.dispatchRunDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// IncrementActiveRuns increments the executing runs gauge.
func (m *Metrics) IncrementActiveRuns(ctx context.Context) {
	if m == nil {
		return
	}
	m.activeRuns.Add(ctx, 1)
}

// DecrementActiveRuns decrements the executing runs gauge.
func (m *Metrics) DecrementActiveRuns(ctx context.Context) {
	if m == nil {
		return
	}
	m.activeRuns.Add(ctx, -1)
}

// RecordLockAcquisition counts a run lock attempt by LockResult*.
func (m *Metrics) RecordLockAcquisition(ctx context.Context, result string) {
	if m == nil {
		return
	}

	m.lockAcquisitionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrResult, result),
	))
}

// RecordTokenRefresh counts a token refresh by RefreshResult*.
func (m *Metrics) RecordTokenRefresh(ctx context.Context, result string) {
	if m == nil {
		return
	}

	m.tokenRefreshTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrResult, result),
	))
}

// ownerDomain keeps per-user values out of metric labels.
func ownerDomain(owner string) string {
	if d := logging.ExtractDomain(owner); d != "" {
		return d
	}
	return StatusUnknown
}
