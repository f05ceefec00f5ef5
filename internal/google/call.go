package google

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/teemow/handovermail/internal/instrumentation"
	"github.com/teemow/handovermail/internal/logging"
	"github.com/teemow/handovermail/internal/retry"
)

// Settings are the cross-cutting dependencies of the API adapters.
type Settings struct {
	Retry   retry.Policy
	Metrics *instrumentation.Metrics
	Logger  *slog.Logger
}

// DefaultSettings retries with retry.DefaultPolicy and logs to slog.Default.
func DefaultSettings() Settings {
	return Settings{Retry: retry.DefaultPolicy()}
}

func (s Settings) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Call runs one Google API operation inside a span, retrying failures the
// classifier accepts (nil means retry.IsTransient), and records its outcome
// and total duration. Revoked credentials are reported as ErrReauthRequired.
func Call[T any](ctx context.Context, s Settings, service, operation string, retryable retry.Classifier, fn func(context.Context) (T, error), attrs ...attribute.KeyValue) (T, error) {
	ctx, span := instrumentation.StartGoogleAPISpan(ctx, service, operation, attrs...)

	logger := s.logger()
	policy := s.Retry
	policy.OnRetry = func(err error, next time.Duration) {
		logger.Warn("retrying google api call",
			logging.Service(service),
			logging.Operation(operation),
			slog.Duration("backoff", next),
			logging.Err(err))
	}

	start := time.Now()
	v, err := retry.Do(ctx, policy, retryable, fn)
	duration := time.Since(start)

	status := instrumentation.StatusSuccess
	if err != nil {
		status = instrumentation.StatusError
		if IsInvalidGrant(err) {
			err = fmt.Errorf("%w: %w", ErrReauthRequired, err)
		}
	}
	instrumentation.EndSpan(span, err)
	s.Metrics.RecordGoogleAPIOperation(ctx, service, operation, status, duration)

	return v, err
}
