package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/teemow/handovermail/internal/instrumentation"
	"github.com/teemow/handovermail/internal/logging"
	"github.com/teemow/handovermail/internal/runner"
)

// IdentityHeader carries the authenticated user set by the auth proxy in
// front of the server.
const IdentityHeader = "X-Authenticated-User"

// TargetsResponse lists the configured targets.
type TargetsResponse struct {
	Targets []string `json:"targets"`
}

// ErrorResponse is the body of every non-2xx API answer.
type ErrorResponse struct {
	Error string `json:"error"`
}

type api struct {
	runs   RunService
	logger *slog.Logger
}

func (a *api) routes(r chi.Router) {
	r.Get("/targets", a.listTargets)
	r.Route("/targets/{target}", func(r chi.Router) {
		r.Post("/run", a.run)
		r.Get("/status", a.status)
		r.Post("/release", a.release)
	})
}

func (a *api) listTargets(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, TargetsResponse{Targets: a.runs.Targets()})
}

func (a *api) run(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "target")
	owner := strings.TrimSpace(r.Header.Get(IdentityHeader))
	if owner == "" {
		writeError(w, http.StatusUnauthorized, "missing "+IdentityHeader+" header")
		return
	}

	result, err := a.runs.Run(r.Context(), target, owner)
	if err != nil {
		a.fail(w, r, target, err)
		return
	}

	code := http.StatusAccepted
	if result.Status == runner.StatusBusy {
		code = http.StatusConflict
	}
	a.logger.Info("run requested",
		logging.Target(target),
		logging.UserHash(owner),
		logging.Status(string(result.Status)))
	writeJSON(w, code, result)
}

func (a *api) status(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "target")
	state, err := a.runs.Status(r.Context(), target)
	if err != nil {
		a.fail(w, r, target, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (a *api) release(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "target")
	caller := strings.TrimSpace(r.Header.Get(IdentityHeader))
	if caller == "" {
		writeError(w, http.StatusUnauthorized, "missing "+IdentityHeader+" header")
		return
	}

	if err := a.runs.ForceRelease(r.Context(), target); err != nil {
		a.fail(w, r, target, err)
		return
	}
	a.logger.Warn("lock force released", logging.Target(target), logging.UserHash(caller))

	state, err := a.runs.Status(r.Context(), target)
	if err != nil {
		a.fail(w, r, target, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (a *api) fail(w http.ResponseWriter, r *http.Request, target string, err error) {
	switch {
	case errors.Is(err, runner.ErrUnknownTarget):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, runner.ErrNoOwner):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, runner.ErrQueueFull):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		a.logger.Error("request failed",
			logging.Target(target),
			slog.String("path", r.URL.Path),
			logging.Err(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, ErrorResponse{Error: msg})
}

// recordRequests reports every request to metrics, labelled by the matched
// route pattern rather than the raw path.
func recordRequests(metrics *instrumentation.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			pattern := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				pattern = rctx.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			metrics.RecordHTTPRequest(r.Context(), r.Method, pattern, status, time.Since(start))
		})
	}
}
