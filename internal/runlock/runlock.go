// Package runlock serializes dispatch runs per target.
//
// Each target has one durable lock record. Acquisition is a single atomic
// compare-and-set in the backing store: the record moves to running when it
// is idle. A request by the current owner is reported as re-entered and
// leaves the record as it is; any other request is rejected. The
// record also carries a human readable status message that progress updates
// overwrite and that external dashboards poll.
package runlock

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Messages written by the coordinator itself.
const (
	IdleMessage     = "not started"
	StartingMessage = "starting"
)

// ErrNotRunning is returned by UpdateMessage when the target is idle.
var ErrNotRunning = errors.New("run lock is not held")

// State is a snapshot of one target's lock record.
type State struct {
	Target     string    `json:"target"`
	Running    bool      `json:"running"`
	Owner      string    `json:"owner,omitempty"`
	Message    string    `json:"message"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
	UpdatedAt  time.Time `json:"updated_at,omitzero"`
}

// Acquisition is the outcome of Store.Acquire.
type Acquisition int

const (
	// Busy means another owner holds the lock.
	Busy Acquisition = iota
	// Acquired means the lock moved from idle to running for the owner.
	Acquired
	// Reentered means the owner already held the lock. The record is left
	// as it was.
	Reentered
)

// BusyError is returned when another owner holds the lock.
type BusyError struct {
	Target  string
	Owner   string
	Message string
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("target %s is busy: run owned by %s (%s)", e.Target, e.Owner, e.Message)
}

// IsBusy reports whether err is a *BusyError.
func IsBusy(err error) bool {
	var busy *BusyError
	return errors.As(err, &busy)
}

// Store is durable lock state with an atomic compare-and-set.
type Store interface {
	// Acquire moves target to running for owner when it is idle. A target
	// already running for owner is reported as Reentered and not modified.
	// The returned state is the record after the call.
	Acquire(ctx context.Context, target, owner, message string, now time.Time) (State, Acquisition, error)

	// Update overwrites the message while target is running and reports
	// whether it did.
	Update(ctx context.Context, target, message string, now time.Time) (bool, error)

	// Release moves target to idle regardless of the owner.
	Release(ctx context.Context, target, message string, now time.Time) error

	// Get returns the record; found is false when the target was never used.
	Get(ctx context.Context, target string) (state State, found bool, err error)

	Close() error
}
