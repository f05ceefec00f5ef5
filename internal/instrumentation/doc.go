// Package instrumentation provides OpenTelemetry metrics and tracing for
// handovermail.
//
// # Metrics
//
// HTTP surface:
//   - http_requests_total: requests by method, route and status
//   - http_request_duration_seconds: request durations
//
// Google APIs:
//   - google_api_operations_total: operations by service, operation, status
//   - google_api_operation_duration_seconds: operation durations including retries
//
// Dispatch:
//   - dispatch_records_total: processed records by target and status tag
//   - dispatch_runs_total: finished runs by target and result
//   - dispatch_run_duration_seconds: run durations
//   - dispatch_active_runs: runs currently executing
//   - run_lock_acquisitions_total: lock attempts by result (acquired, busy, error)
//   - oauth_token_refresh_total: token refreshes by result
//
// # Tracing
//
// Spans are created for each run (dispatch.run), each record
// (dispatch.record) and each Google API call (google.<service>.<operation>).
//
// # Configuration
//
// Config is filled from the telemetry section of the handovermail
// configuration. DefaultConfig exports metrics in the Prometheus format and
// disables tracing.
//
// # Example Usage
//
//	provider, err := instrumentation.NewProvider(ctx, cfg.Instrumentation())
//	if err != nil {
//	    return err
//	}
//	defer provider.Shutdown(ctx)
//
//	metrics := provider.Metrics()
//	metrics.RecordDispatchRecord(ctx, "north", "Reply OK")
package instrumentation
