package runlock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/teemow/handovermail/internal/instrumentation"
	"github.com/teemow/handovermail/internal/logging"
)

// Coordinator implements the lock transitions on top of a Store.
type Coordinator struct {
	store   Store
	logger  *slog.Logger
	metrics *instrumentation.Metrics
	now     func() time.Time
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = l }
}

// WithMetrics records acquisition results.
func WithMetrics(m *instrumentation.Metrics) CoordinatorOption {
	return func(c *Coordinator) { c.metrics = m }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator creates a Coordinator backed by store.
func NewCoordinator(store Store, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.WithOperation(c.logger, "runlock")
	return c
}

// Lease is a run lock held by the caller.
type Lease struct {
	State State
	// Reentered is set when the owner already held the lock before this
	// call. The run started by that earlier call is still the only one.
	Reentered bool
}

// Acquire takes the lock for owner. It returns a *BusyError when another
// owner holds it. Acquiring a lock the owner already holds succeeds with
// Lease.Reentered set and leaves the record unchanged.
func (c *Coordinator) Acquire(ctx context.Context, target, owner string) (Lease, error) {
	state, result, err := c.store.Acquire(ctx, target, owner, StartingMessage, c.now().UTC())
	if err != nil {
		c.metrics.RecordLockAcquisition(ctx, instrumentation.LockResultError)
		return Lease{}, fmt.Errorf("failed to acquire run lock for %s: %w", target, err)
	}
	switch result {
	case Acquired:
		c.metrics.RecordLockAcquisition(ctx, instrumentation.LockResultAcquired)
		c.logger.Debug("run lock acquired", logging.Target(target), logging.UserHash(owner))
		return Lease{State: state}, nil
	case Reentered:
		c.metrics.RecordLockAcquisition(ctx, instrumentation.LockResultReentered)
		c.logger.Info("run lock already held by requester",
			logging.Target(target),
			logging.UserHash(owner),
			logging.Status(state.Message))
		return Lease{State: state, Reentered: true}, nil
	}
	c.metrics.RecordLockAcquisition(ctx, instrumentation.LockResultBusy)
	c.logger.Info("run lock busy",
		logging.Target(target),
		logging.UserHash(owner),
		slog.String("holder_hash", logging.AnonymizeEmail(state.Owner)))
	return Lease{}, &BusyError{Target: target, Owner: state.Owner, Message: state.Message}
}

// UpdateMessage replaces the status message of a running target.
func (c *Coordinator) UpdateMessage(ctx context.Context, target, message string) error {
	ok, err := c.store.Update(ctx, target, message, c.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update run lock for %s: %w", target, err)
	}
	if !ok {
		return ErrNotRunning
	}
	return nil
}

// Release moves target to idle with a final message, whoever owns it.
func (c *Coordinator) Release(ctx context.Context, target, message string) error {
	if err := c.store.Release(ctx, target, message, c.now().UTC()); err != nil {
		return fmt.Errorf("failed to release run lock for %s: %w", target, err)
	}
	c.logger.Debug("run lock released", logging.Target(target), logging.Status(message))
	return nil
}

// Read returns the state of target. A target that never ran reads as idle
// with IdleMessage.
func (c *Coordinator) Read(ctx context.Context, target string) (State, error) {
	state, found, err := c.store.Get(ctx, target)
	if err != nil {
		return State{}, fmt.Errorf("failed to read run lock for %s: %w", target, err)
	}
	if !found {
		return State{Target: target, Message: IdleMessage}, nil
	}
	return state, nil
}
