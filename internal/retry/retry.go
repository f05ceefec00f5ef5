// Package retry classifies transient Google API failures and retries them
// with exponential backoff.
package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"google.golang.org/api/googleapi"
)

// Policy controls exponential backoff retry behavior.
type Policy struct {
	// MaxTries is the total number of attempts, including the first one.
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64

	// OnRetry, when set, is called before each sleep with the failed attempt's
	// error and the delay until the next attempt.
	OnRetry func(err error, next time.Duration)
}

// DefaultPolicy returns the default retry configuration:
// 5 attempts, 500ms initial delay doubling up to 8s.
func DefaultPolicy() Policy {
	return Policy{
		MaxTries:        5,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     8 * time.Second,
		Multiplier:      2,
	}
}

// Classifier decides whether an error is worth another attempt.
type Classifier func(error) bool

// Do runs fn until it succeeds, returns an error the classifier rejects, or
// the policy's attempt ceiling is reached. The last error is returned.
func Do[T any](ctx context.Context, p Policy, retryable Classifier, fn func(context.Context) (T, error)) (T, error) {
	if p.MaxTries == 0 {
		p.MaxTries = 1
	}
	if retryable == nil {
		retryable = IsTransient
	}

	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	if p.Multiplier > 0 {
		b.Multiplier = p.Multiplier
	}

	op := func() (T, error) {
		v, err := fn(ctx)
		if err != nil && !retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(p.MaxTries),
	}
	if p.OnRetry != nil {
		opts = append(opts, backoff.WithNotify(p.OnRetry))
	}
	return backoff.Retry(ctx, op, opts...)
}

// IsTransient reports whether err is a rate limit, a server-side
// unavailability, or a timeout.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true
		}
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	return false
}

// IsRejected reports whether the server refused the request without
// processing it (rate limited or unavailable). Unlike IsTransient it does not
// include timeouts, where the request may already have taken effect.
func IsRejected(err error) bool {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return false
	}
	return gerr.Code == http.StatusTooManyRequests || gerr.Code == http.StatusServiceUnavailable
}
