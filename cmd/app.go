package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/teemow/handovermail/internal/config"
	"github.com/teemow/handovermail/internal/google"
	"github.com/teemow/handovermail/internal/instrumentation"
	"github.com/teemow/handovermail/internal/runlock"
	"github.com/teemow/handovermail/internal/runner"
)

// app is the wired object graph shared by serve and run.
type app struct {
	provider *instrumentation.Provider
	store    runlock.Store
	locks    *runlock.Coordinator
	pool     *runner.Pool
	service  *runner.Service
	logger   *slog.Logger
}

// openLocks opens the configured lock store. It is all status and release
// need.
func openLocks(cfg *config.Config, logger *slog.Logger, metrics *instrumentation.Metrics) (runlock.Store, *runlock.Coordinator, error) {
	store, err := runlock.Open(cfg.LockStore())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open run lock store: %w", err)
	}
	return store, runlock.NewCoordinator(store, runlock.WithLogger(logger), runlock.WithMetrics(metrics)), nil
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{logger: logger}
	defer func() {
		if err != nil {
			_ = a.close(context.Background())
		}
	}()

	instrConfig := cfg.Instrumentation()
	instrConfig.ServiceVersion = version
	a.provider, err = instrumentation.NewProvider(ctx, instrConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create instrumentation provider: %w", err)
	}
	metrics := a.provider.Metrics()

	creds, err := google.OpenKeyring(cfg.Keyring())
	if err != nil {
		return nil, err
	}

	a.store, a.locks, err = openLocks(cfg, logger, metrics)
	if err != nil {
		return nil, err
	}

	settings := google.Settings{
		Retry:   cfg.RetryPolicy(),
		Metrics: metrics,
		Logger:  logger,
	}
	backend := &runner.GoogleBackend{
		Factory: &google.ClientFactory{
			OAuth:     google.NewOAuthConfig(cfg.GoogleOAuth()),
			Store:     creds,
			OnRefresh: metrics.RecordTokenRefresh,
		},
		Settings: settings,
	}

	targets := make([]runner.Target, 0, len(cfg.Targets))
	for _, t := range cfg.Targets {
		targets = append(targets, runner.Target{
			Key:           t.Key,
			SpreadsheetID: t.SpreadsheetID,
			Options:       t.DispatchOptions(),
		})
	}

	a.pool = runner.NewPool(cfg.Runner.Workers, cfg.Runner.QueueSize, logger)
	a.service, err = runner.NewService(runner.Config{
		Targets: targets,
		Locks:   a.locks,
		Backend: backend,
		Pool:    a.pool,
		Logger:  logger,
		Metrics: metrics,
		Audit:   instrumentation.NewAuditLogger(logger, instrConfig.AuditLogging),
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// drain waits for queued and running dispatches to finish.
func (a *app) drain(ctx context.Context) error {
	if a.pool == nil {
		return nil
	}
	if err := a.pool.Shutdown(ctx); err != nil {
		a.logger.Warn("runs still in flight at shutdown, their locks stay held until released", slog.Any("error", err))
		return err
	}
	return nil
}

func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.provider != nil {
		errs = append(errs, a.provider.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
