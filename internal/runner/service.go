// Package runner is the entry surface of handovermail: it starts dispatch
// runs in the background under the per-target run lock and reports their
// status.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/teemow/handovermail/internal/dispatch"
	"github.com/teemow/handovermail/internal/google"
	"github.com/teemow/handovermail/internal/instrumentation"
	"github.com/teemow/handovermail/internal/logging"
	"github.com/teemow/handovermail/internal/runlock"
	"github.com/teemow/handovermail/internal/sheets"
)

// ReleasedMessage is the lock message left by ForceRelease.
const ReleasedMessage = "released by administrator"

// releaseTimeout bounds the final lock write of a run.
const releaseTimeout = 30 * time.Second

var (
	// ErrUnknownTarget is returned for a target key that is not configured.
	ErrUnknownTarget = errors.New("unknown target")
	// ErrNoOwner is returned when a run is requested without an identity.
	ErrNoOwner = errors.New("owner identity is required")
)

// RunStatus is the synchronous answer to a run request.
type RunStatus string

const (
	StatusStarted RunStatus = "started"
	StatusBusy    RunStatus = "busy"
)

// Result is returned by Service.Run.
type Result struct {
	Status  RunStatus `json:"status"`
	Target  string    `json:"target"`
	RunID   string    `json:"run_id,omitempty"`
	Owner   string    `json:"owner,omitempty"`
	Message string    `json:"message"`
}

// Target binds a target key to its spreadsheet and dispatch options.
type Target struct {
	Key           string
	SpreadsheetID string
	Options       dispatch.Options
}

// Config holds the collaborators of a Service.
type Config struct {
	Targets []Target
	Locks   *runlock.Coordinator
	Backend Backend
	Pool    *Pool

	Logger  *slog.Logger
	Metrics *instrumentation.Metrics
	Audit   *instrumentation.AuditLogger
}

// Service starts runs and reports their state.
type Service struct {
	targets  map[string]Target
	locks    *runlock.Coordinator
	backend  Backend
	pool     *Pool
	logger   *slog.Logger
	metrics  *instrumentation.Metrics
	audit    *instrumentation.AuditLogger
	newRunID func() string
}

// NewService validates cfg and creates a Service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Locks == nil || cfg.Backend == nil || cfg.Pool == nil {
		return nil, errors.New("runner: locks, backend and pool are required")
	}
	targets := make(map[string]Target, len(cfg.Targets))
	for _, t := range cfg.Targets {
		if t.Key == "" || t.SpreadsheetID == "" {
			return nil, fmt.Errorf("runner: target %q needs a key and a spreadsheet id", t.Key)
		}
		if _, dup := targets[t.Key]; dup {
			return nil, fmt.Errorf("runner: duplicate target %q", t.Key)
		}
		targets[t.Key] = t
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		targets:  targets,
		locks:    cfg.Locks,
		backend:  cfg.Backend,
		pool:     cfg.Pool,
		logger:   logger,
		metrics:  cfg.Metrics,
		audit:    cfg.Audit,
		newRunID: uuid.NewString,
	}, nil
}

// Targets returns the configured target keys in sorted order.
func (s *Service) Targets() []string {
	keys := make([]string, 0, len(s.targets))
	for k := range s.targets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *Service) target(key string) (Target, error) {
	t, ok := s.targets[key]
	if !ok {
		return Target{}, fmt.Errorf("%w: %s", ErrUnknownTarget, key)
	}
	return t, nil
}

// Run acquires the lock for target and queues the run. It returns
// StatusBusy with the holder when another owner is running the target. A
// request from the owner of a run in progress is acknowledged with
// StatusStarted and the current status message; it does not queue a second
// run. No dispatch work starts unless the lock moved from idle to running.
func (s *Service) Run(ctx context.Context, target, owner string) (Result, error) {
	t, err := s.target(target)
	if err != nil {
		return Result{}, err
	}
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return Result{}, ErrNoOwner
	}

	lease, err := s.locks.Acquire(ctx, target, owner)
	if err != nil {
		var busy *runlock.BusyError
		if errors.As(err, &busy) {
			return Result{Status: StatusBusy, Target: target, Owner: busy.Owner, Message: busy.Message}, nil
		}
		return Result{}, err
	}
	if lease.Reentered {
		s.logger.Info("run already in progress for requester",
			logging.Target(target),
			logging.UserHash(owner),
			logging.Status(lease.State.Message))
		return Result{Status: StatusStarted, Target: target, Owner: owner, Message: lease.State.Message}, nil
	}

	runID := s.newRunID()
	queued := s.pool.TrySubmit(func(ctx context.Context) {
		s.execute(ctx, t, owner, runID)
	})
	if !queued {
		s.release(target, "error: "+ErrQueueFull.Error())
		return Result{}, ErrQueueFull
	}

	s.logger.Info("run queued",
		logging.Target(target),
		logging.RunID(runID),
		logging.UserHash(owner),
		logging.Domain(owner))
	return Result{
		Status:  StatusStarted,
		Target:  target,
		RunID:   runID,
		Owner:   owner,
		Message: runlock.StartingMessage,
	}, nil
}

// Status returns the lock state of target.
func (s *Service) Status(ctx context.Context, target string) (runlock.State, error) {
	if _, err := s.target(target); err != nil {
		return runlock.State{}, err
	}
	return s.locks.Read(ctx, target)
}

// ForceRelease clears the lock of target whoever owns it. A run that is
// still executing is not stopped.
func (s *Service) ForceRelease(ctx context.Context, target string) error {
	if _, err := s.target(target); err != nil {
		return err
	}
	s.logger.Warn("run lock force released", logging.Target(target))
	return s.locks.Release(ctx, target, ReleasedMessage)
}

// execute is the body of a queued run. The lock is always released with a
// terminal message, including when the run panics.
func (s *Service) execute(ctx context.Context, t Target, owner, runID string) {
	logger := logging.WithTarget(s.logger, t.Key).With(logging.RunID(runID))
	audit := instrumentation.NewRunAudit(t.Key, runID, owner)
	start := time.Now()

	s.metrics.IncrementActiveRuns(ctx)
	defer s.metrics.DecrementActiveRuns(ctx)

	var (
		report dispatch.Report
		err    error
	)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		message := TerminalMessage(report, owner, err)
		s.release(t.Key, message)

		result := instrumentation.StatusSuccess
		if err != nil {
			result = instrumentation.StatusError
			logger.Error("run failed", logging.Err(err))
		} else {
			logger.Info("run finished", logging.Status(message))
		}
		s.metrics.RecordDispatchRun(ctx, t.Key, result, owner, time.Since(start))
		s.audit.LogRun(audit.Complete(report.Processed, report.Sent, report.Failed, err))
	}()

	ctx, span := instrumentation.StartSpan(ctx, "runner.execute")
	defer span.End()
	audit.WithSpanContext(ctx)

	clients, err := s.backend.Open(ctx, owner)
	if err != nil {
		return
	}

	opts := t.Options
	opts.Target = t.Key
	opts.RunID = runID
	orch, err := dispatch.New(clients.Mailer, sheets.NewWorkbook(clients.Sheets, t.SpreadsheetID), clients.Files, opts,
		dispatch.WithLogger(s.logger),
		dispatch.WithMetrics(s.metrics),
		dispatch.WithProgress(func(ctx context.Context, msg string) {
			if err := s.locks.UpdateMessage(ctx, t.Key, msg); err != nil {
				logger.Warn("failed to update run status", logging.Err(err))
			}
		}),
	)
	if err != nil {
		return
	}
	report, err = orch.Run(ctx)
}

func (s *Service) release(target, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := s.locks.Release(ctx, target, message); err != nil {
		s.logger.Error("failed to release run lock", logging.Target(target), logging.Err(err))
	}
}

// TerminalMessage is the final lock message of a run: "done: ..." on
// success and "error: ..." otherwise.
func TerminalMessage(report dispatch.Report, owner string, err error) string {
	switch {
	case err == nil:
		return "done: " + report.Summary()
	case errors.Is(err, google.ErrReauthRequired):
		return "error: re-authentication required for " + owner
	default:
		return "error: " + err.Error()
	}
}
