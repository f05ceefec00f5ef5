package instrumentation

import (
	"context"
	"log/slog"
	"time"

	"github.com/teemow/handovermail/internal/logging"
)

// RunAudit captures who triggered a dispatch run and how it ended.
//
// Owner is PII. Unless the AuditLogger is configured to include PII it is
// logged as a hash plus its domain.
type RunAudit struct {
	Target string
	RunID  string
	Owner  string

	StartTime time.Time
	Duration  time.Duration
	Success   bool
	Error     string

	// Counts from the run report
	Processed int
	Sent      int
	Failed    int

	TraceID string
}

// NewRunAudit starts timing a run.
func NewRunAudit(target, runID, owner string) *RunAudit {
	return &RunAudit{
		Target:    target,
		RunID:     runID,
		Owner:     owner,
		StartTime: time.Now(),
	}
}

// WithSpanContext copies the trace id from the current span.
func (ra *RunAudit) WithSpanContext(ctx context.Context) *RunAudit {
	ra.TraceID = TraceID(ctx)
	return ra
}

// Complete stops the clock and stores the counts and outcome.
func (ra *RunAudit) Complete(processed, sent, failed int, err error) *RunAudit {
	ra.Duration = time.Since(ra.StartTime)
	ra.Processed = processed
	ra.Sent = sent
	ra.Failed = failed
	ra.Success = err == nil
	if err != nil {
		ra.Error = err.Error()
	}
	return ra
}

// Status returns "success" or "error".
func (ra *RunAudit) Status() string {
	if ra.Success {
		return StatusSuccess
	}
	return StatusError
}

func (ra *RunAudit) attrs(includePII bool) []any {
	attrs := []any{
		logging.Target(ra.Target),
		logging.RunID(ra.RunID),
		slog.Duration("duration", ra.Duration),
		slog.Bool("success", ra.Success),
		slog.Int("processed", ra.Processed),
		slog.Int("sent", ra.Sent),
		slog.Int("failed", ra.Failed),
	}
	if includePII {
		attrs = append(attrs, slog.String("user", ra.Owner))
	} else {
		attrs = append(attrs, logging.UserHash(ra.Owner), logging.Domain(ra.Owner))
	}
	if ra.TraceID != "" {
		attrs = append(attrs, slog.String("trace_id", ra.TraceID))
	}
	if ra.Error != "" {
		attrs = append(attrs, slog.String("error", ra.Error))
	}
	return attrs
}

// AuditLogger writes one structured event per finished run.
type AuditLogger struct {
	logger     *slog.Logger
	includePII bool
	enabled    bool
}

// NewAuditLogger creates an AuditLogger. A nil logger uses slog.Default().
func NewAuditLogger(logger *slog.Logger, config AuditLoggingConfig) *AuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditLogger{
		logger:     logger,
		includePII: config.IncludePII,
		enabled:    config.Enabled,
	}
}

// LogRun logs a completed run. Failed runs are logged at warn level.
func (al *AuditLogger) LogRun(ra *RunAudit) {
	if al == nil || !al.enabled {
		return
	}

	if ra.Success {
		al.logger.Info("run_completed", ra.attrs(al.includePII)...)
	} else {
		al.logger.Warn("run_failed", ra.attrs(al.includePII)...)
	}
}
