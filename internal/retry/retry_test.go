package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
)

func fastPolicy(tries uint) Policy {
	return Policy{
		MaxTries:        tries,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Multiplier:      2,
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limited", &googleapi.Error{Code: http.StatusTooManyRequests}, true},
		{"unavailable", &googleapi.Error{Code: http.StatusServiceUnavailable}, true},
		{"internal", &googleapi.Error{Code: http.StatusInternalServerError}, true},
		{"gateway timeout wrapped", fmt.Errorf("failed to append: %w", &googleapi.Error{Code: http.StatusGatewayTimeout}), true},
		{"not found", &googleapi.Error{Code: http.StatusNotFound}, false},
		{"forbidden", &googleapi.Error{Code: http.StatusForbidden}, false},
		{"deadline", context.DeadlineExceeded, true},
		{"net timeout", timeoutErr{}, true},
		{"plain", errors.New("bad request"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestIsRejected(t *testing.T) {
	assert.True(t, IsRejected(&googleapi.Error{Code: http.StatusTooManyRequests}))
	assert.True(t, IsRejected(&googleapi.Error{Code: http.StatusServiceUnavailable}))
	assert.False(t, IsRejected(&googleapi.Error{Code: http.StatusGatewayTimeout}))
	assert.False(t, IsRejected(timeoutErr{}))
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	var retries []error
	p := fastPolicy(5)
	p.OnRetry = func(err error, _ time.Duration) { retries = append(retries, err) }

	got, err := Do(context.Background(), p, IsTransient, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", &googleapi.Error{Code: http.StatusServiceUnavailable}
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
	assert.Len(t, retries, 2)
}

func TestDo_StopsOnPermanentError(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fastPolicy(5), IsTransient, func(context.Context) (int, error) {
		calls++
		return 0, &googleapi.Error{Code: http.StatusBadRequest, Message: "invalid range"}
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	var gerr *googleapi.Error
	require.True(t, errors.As(err, &gerr))
	assert.Equal(t, http.StatusBadRequest, gerr.Code)
}

func TestDo_GivesUpAtCeiling(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fastPolicy(3), IsTransient, func(context.Context) (int, error) {
		calls++
		return 0, &googleapi.Error{Code: http.StatusTooManyRequests}
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ZeroTriesRunsOnce(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), Policy{}, nil, func(context.Context) (int, error) {
		calls++
		return 0, &googleapi.Error{Code: http.StatusTooManyRequests}
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
