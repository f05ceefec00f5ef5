package server

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
)

const (
	healthStatusOK           = "ok"
	healthStatusNotReady     = "not ready"
	healthStatusShuttingDown = "shutting down"
	healthStatusUnavailable  = "unavailable"
	healthStatusNoTargets    = "none configured"
)

// lockProbeTimeout bounds the lock store reads of the health endpoints.
const lockProbeTimeout = 2 * time.Second

// HealthChecker serves /healthz, /readyz and /healthz/detailed. Readiness
// requires at least one target and a reachable lock store.
type HealthChecker struct {
	ready     atomic.Bool
	sc        *ServerContext
	startTime time.Time
	version   string
}

// NewHealthChecker returns a checker that starts ready.
func NewHealthChecker(sc *ServerContext, version string) *HealthChecker {
	h := &HealthChecker{sc: sc, startTime: time.Now(), version: version}
	h.ready.Store(true)
	return h
}

// SetReady flips the readiness flag. Shutdown clears it first.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsReady returns the readiness flag.
func (h *HealthChecker) IsReady() bool {
	return h.ready.Load()
}

// HealthResponse is the body of /healthz and /readyz.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// TargetHealth is the lock state of one target, without its owner.
type TargetHealth struct {
	Target  string `json:"target"`
	Running bool   `json:"running"`
	Message string `json:"message,omitempty"`
	Status  string `json:"status"`
}

// DetailedHealthResponse is the body of /healthz/detailed.
type DetailedHealthResponse struct {
	Status  string         `json:"status"`
	Uptime  string         `json:"uptime"`
	Version string         `json:"version,omitempty"`
	Targets []TargetHealth `json:"targets"`
}

// RegisterHealthEndpoints mounts the three endpoints on r.
func (h *HealthChecker) RegisterHealthEndpoints(r chi.Router) {
	r.Method(http.MethodGet, "/healthz", h.LivenessHandler())
	r.Method(http.MethodGet, "/readyz", h.ReadinessHandler())
	r.Method(http.MethodGet, "/healthz/detailed", h.DetailedHealthHandler())
}

// LivenessHandler answers 200 while the process serves requests.
func (h *HealthChecker) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, HealthResponse{Status: healthStatusOK})
	})
}

// ReadinessHandler answers 503 while shutting down, without targets or
// when the lock of the first target cannot be read.
func (h *HealthChecker) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"ready":      healthStatusOK,
			"shutdown":   healthStatusOK,
			"targets":    healthStatusOK,
			"lock_store": healthStatusOK,
		}
		if !h.ready.Load() {
			checks["ready"] = healthStatusNotReady
		}
		if h.shuttingDown() {
			checks["shutdown"] = healthStatusShuttingDown
		}
		targets := h.targets()
		if len(targets) == 0 {
			checks["targets"] = healthStatusNoTargets
			delete(checks, "lock_store")
		} else if err := h.probe(r.Context(), targets[0]); err != nil {
			checks["lock_store"] = healthStatusUnavailable
		}

		resp := HealthResponse{Status: healthStatusOK, Checks: checks}
		code := http.StatusOK
		for _, v := range checks {
			if v != healthStatusOK {
				resp.Status, code = healthStatusNotReady, http.StatusServiceUnavailable
				break
			}
		}
		writeJSON(w, code, resp)
	})
}

// DetailedHealthHandler reports uptime, version and the lock state of every
// target.
func (h *HealthChecker) DetailedHealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := DetailedHealthResponse{
			Status:  healthStatusOK,
			Uptime:  time.Since(h.startTime).Truncate(time.Second).String(),
			Version: h.version,
			Targets: []TargetHealth{},
		}

		degraded := false
		for _, key := range h.targets() {
			th := TargetHealth{Target: key, Status: healthStatusOK}
			ctx, cancel := context.WithTimeout(r.Context(), lockProbeTimeout)
			st, err := h.sc.Runs().Status(ctx, key)
			cancel()
			if err != nil {
				th.Status = healthStatusUnavailable
				degraded = true
			} else {
				th.Running, th.Message = st.Running, st.Message
			}
			resp.Targets = append(resp.Targets, th)
		}

		code := http.StatusOK
		switch {
		case h.shuttingDown():
			resp.Status, code = healthStatusShuttingDown, http.StatusServiceUnavailable
		case !h.ready.Load(), degraded:
			resp.Status, code = healthStatusNotReady, http.StatusServiceUnavailable
		}
		writeJSON(w, code, resp)
	})
}

func (h *HealthChecker) shuttingDown() bool {
	return h.sc != nil && h.sc.IsShutdown()
}

func (h *HealthChecker) targets() []string {
	if h.sc == nil || h.sc.Runs() == nil {
		return nil
	}
	return h.sc.Runs().Targets()
}

func (h *HealthChecker) probe(ctx context.Context, target string) error {
	ctx, cancel := context.WithTimeout(ctx, lockProbeTimeout)
	defer cancel()
	_, err := h.sc.Runs().Status(ctx, target)
	return err
}
