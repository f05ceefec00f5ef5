package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teemow/handovermail/internal/runlock"
	"github.com/teemow/handovermail/internal/runner"
)

type stubRuns struct {
	mu       sync.Mutex
	targets  map[string]runlock.State
	runErr   error
	statErr  error
	released []string
}

func newStubRuns(keys ...string) *stubRuns {
	s := &stubRuns{targets: map[string]runlock.State{}}
	for _, k := range keys {
		s.targets[k] = runlock.State{Target: k, Message: runlock.IdleMessage}
	}
	return s
}

func (s *stubRuns) Run(_ context.Context, target, owner string) (runner.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runErr != nil {
		return runner.Result{}, s.runErr
	}
	st, ok := s.targets[target]
	if !ok {
		return runner.Result{}, runner.ErrUnknownTarget
	}
	if st.Running && st.Owner != owner {
		return runner.Result{Status: runner.StatusBusy, Target: target, Owner: st.Owner, Message: st.Message}, nil
	}
	s.targets[target] = runlock.State{Target: target, Running: true, Owner: owner, Message: runlock.StartingMessage}
	return runner.Result{Status: runner.StatusStarted, Target: target, RunID: "run-1", Owner: owner, Message: runlock.StartingMessage}, nil
}

func (s *stubRuns) Status(_ context.Context, target string) (runlock.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statErr != nil {
		return runlock.State{}, s.statErr
	}
	st, ok := s.targets[target]
	if !ok {
		return runlock.State{}, runner.ErrUnknownTarget
	}
	return st, nil
}

func (s *stubRuns) ForceRelease(_ context.Context, target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.targets[target]; !ok {
		return runner.ErrUnknownTarget
	}
	s.released = append(s.released, target)
	s.targets[target] = runlock.State{Target: target, Message: runner.ReleasedMessage}
	return nil
}

func (s *stubRuns) Targets() []string {
	return []string{"hub-north", "hub-south"}
}

func newTestServer(t *testing.T, runs RunService) *Server {
	t.Helper()
	srv, err := New(context.Background(), runs, Config{Version: "test", MetricsHandler: createTestProvider(t).Handler()})
	require.NoError(t, err)
	return srv
}

func do(t *testing.T, h http.Handler, method, path, user string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if user != "" {
		req.Header.Set(IdentityHeader, user)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestAPI_Run(t *testing.T) {
	runs := newStubRuns("hub-south")
	h := newTestServer(t, runs).Handler()

	rec := do(t, h, http.MethodPost, "/api/targets/hub-south/run", "alice@example.com")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	started := decode[runner.Result](t, rec)
	assert.Equal(t, runner.StatusStarted, started.Status)
	assert.Equal(t, "alice@example.com", started.Owner)

	rec = do(t, h, http.MethodPost, "/api/targets/hub-south/run", "bob@example.com")
	require.Equal(t, http.StatusConflict, rec.Code)
	busy := decode[runner.Result](t, rec)
	assert.Equal(t, runner.StatusBusy, busy.Status)
	assert.Equal(t, "alice@example.com", busy.Owner)

	rec = do(t, h, http.MethodGet, "/api/targets/hub-south/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	state := decode[runlock.State](t, rec)
	assert.True(t, state.Running)
	assert.Equal(t, "alice@example.com", state.Owner)
}

func TestAPI_Errors(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		path     string
		user     string
		runErr   error
		statErr  error
		wantCode int
		wantBody string
	}{
		{
			name:     "missing identity",
			method:   http.MethodPost,
			path:     "/api/targets/hub-south/run",
			wantCode: http.StatusUnauthorized,
			wantBody: IdentityHeader,
		},
		{
			name:     "unknown target",
			method:   http.MethodPost,
			path:     "/api/targets/nowhere/run",
			user:     "alice@example.com",
			wantCode: http.StatusNotFound,
		},
		{
			name:     "queue full",
			method:   http.MethodPost,
			path:     "/api/targets/hub-south/run",
			user:     "alice@example.com",
			runErr:   runner.ErrQueueFull,
			wantCode: http.StatusServiceUnavailable,
		},
		{
			name:     "store failure is not leaked",
			method:   http.MethodGet,
			path:     "/api/targets/hub-south/status",
			statErr:  errors.New("dial tcp 10.0.0.1:3306: connection refused"),
			wantCode: http.StatusInternalServerError,
			wantBody: "internal error",
		},
		{
			name:     "release needs identity",
			method:   http.MethodPost,
			path:     "/api/targets/hub-south/release",
			wantCode: http.StatusUnauthorized,
		},
		{
			name:     "wrong method",
			method:   http.MethodGet,
			path:     "/api/targets/hub-south/run",
			wantCode: http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runs := newStubRuns("hub-south")
			runs.runErr = tt.runErr
			runs.statErr = tt.statErr

			rec := do(t, newTestServer(t, runs).Handler(), tt.method, tt.path, tt.user)
			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.wantBody != "" {
				assert.Contains(t, rec.Body.String(), tt.wantBody)
			}
			assert.NotContains(t, rec.Body.String(), "10.0.0.1")
		})
	}
}

func TestAPI_Release(t *testing.T) {
	runs := newStubRuns("hub-south")
	h := newTestServer(t, runs).Handler()

	require.Equal(t, http.StatusAccepted, do(t, h, http.MethodPost, "/api/targets/hub-south/run", "alice@example.com").Code)

	rec := do(t, h, http.MethodPost, "/api/targets/hub-south/release", "admin@example.com")
	require.Equal(t, http.StatusOK, rec.Code)
	state := decode[runlock.State](t, rec)
	assert.False(t, state.Running)
	assert.Equal(t, runner.ReleasedMessage, state.Message)
	assert.Equal(t, []string{"hub-south"}, runs.released)

	assert.Equal(t, http.StatusAccepted, do(t, h, http.MethodPost, "/api/targets/hub-south/run", "bob@example.com").Code)
}

func TestAPI_ListTargets(t *testing.T) {
	rec := do(t, newTestServer(t, newStubRuns()).Handler(), http.MethodGet, "/api/targets", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"hub-north", "hub-south"}, decode[TargetsResponse](t, rec).Targets)
}

func TestHealthEndpoints(t *testing.T) {
	runs := newStubRuns("hub-north", "hub-south")
	srv := newTestServer(t, runs)
	h := srv.Handler()

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/readyz", "").Code)

	_, err := runs.Run(context.Background(), "hub-south", "alice@example.com")
	require.NoError(t, err)

	rec := do(t, h, http.MethodGet, "/healthz/detailed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	detailed := decode[DetailedHealthResponse](t, rec)
	assert.Equal(t, "test", detailed.Version)
	assert.Equal(t, []TargetHealth{
		{Target: "hub-north", Message: runlock.IdleMessage, Status: healthStatusOK},
		{Target: "hub-south", Running: true, Message: runlock.StartingMessage, Status: healthStatusOK},
	}, detailed.Targets)
	assert.NotContains(t, rec.Body.String(), "alice@example.com")

	srv.Health().SetReady(false)
	rec = do(t, h, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, healthStatusNotReady, decode[HealthResponse](t, rec).Checks["ready"])
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", "").Code, "liveness ignores readiness")
}

func TestHealthEndpoints_LockStoreDown(t *testing.T) {
	runs := newStubRuns("hub-north", "hub-south")
	runs.statErr = errors.New("dial tcp 10.0.0.1:3306: connection refused")
	h := newTestServer(t, runs).Handler()

	rec := do(t, h, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, healthStatusUnavailable, decode[HealthResponse](t, rec).Checks["lock_store"])

	rec = do(t, h, http.MethodGet, "/healthz/detailed", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "10.0.0.1")
	detailed := decode[DetailedHealthResponse](t, rec)
	require.Len(t, detailed.Targets, 2)
	assert.Equal(t, healthStatusUnavailable, detailed.Targets[0].Status)
}

func TestHealthChecker_ShuttingDown(t *testing.T) {
	sc := NewServerContext(context.Background(), newStubRuns("hub-north", "hub-south"))
	h := NewHealthChecker(sc, "")
	sc.Shutdown()
	sc.Shutdown()

	rec := httptest.NewRecorder()
	h.ReadinessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, healthStatusShuttingDown, decode[HealthResponse](t, rec).Checks["shutdown"])
	assert.Error(t, sc.Context().Err())

	rec = httptest.NewRecorder()
	h.DetailedHealthHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz/detailed", nil))
	assert.Equal(t, healthStatusShuttingDown, decode[DetailedHealthResponse](t, rec).Status)
}

func TestHealthChecker_NoTargets(t *testing.T) {
	h := NewHealthChecker(NewServerContext(context.Background(), emptyRuns{}), "")

	rec := httptest.NewRecorder()
	h.ReadinessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, healthStatusNoTargets, decode[HealthResponse](t, rec).Checks["targets"])
}

type emptyRuns struct{ RunService }

func (emptyRuns) Targets() []string { return nil }

func TestServer_MetricsRoute(t *testing.T) {
	rec := do(t, newTestServer(t, newStubRuns()).Handler(), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	srv, err := New(context.Background(), newStubRuns(), Config{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, do(t, srv.Handler(), http.MethodGet, "/metrics", "").Code)
}

func TestServer_ServeAndShutdown(t *testing.T) {
	srv := newTestServer(t, newStubRuns("hub-south"))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	assert.NoError(t, <-errCh)
	assert.False(t, srv.Health().IsReady())
}

func TestNew_RequiresRunService(t *testing.T) {
	_, err := New(context.Background(), nil, Config{})
	assert.Error(t, err)
}
