package runlock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	store, err := OpenGorm("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func fixedClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	return NewCoordinator(newTestStore(t), WithClock(fixedClock()))
}

func mustAcquire(t *testing.T, c *Coordinator, target, owner string) Lease {
	t.Helper()
	lease, err := c.Acquire(context.Background(), target, owner)
	require.NoError(t, err)
	return lease
}

func TestRead_UnknownTargetIsIdle(t *testing.T) {
	c := newTestCoordinator(t)

	state, err := c.Read(context.Background(), "hub-south")
	require.NoError(t, err)
	assert.Equal(t, State{Target: "hub-south", Message: IdleMessage}, state)
}

func TestAcquire_ConcurrentOwners(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t)

	const owners = 8
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		won   []string
		busy  []*BusyError
		other []error
	)
	for i := 0; i < owners; i++ {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			_, err := c.Acquire(ctx, "hub-south", owner)
			mu.Lock()
			defer mu.Unlock()
			var be *BusyError
			switch {
			case err == nil:
				won = append(won, owner)
			case errors.As(err, &be):
				busy = append(busy, be)
			default:
				other = append(other, err)
			}
		}(fmt.Sprintf("user%d@example.com", i))
	}
	wg.Wait()

	require.Empty(t, other)
	require.Len(t, won, 1)
	require.Len(t, busy, owners-1)
	for _, be := range busy {
		assert.Equal(t, won[0], be.Owner)
		assert.Equal(t, "hub-south", be.Target)
		assert.Equal(t, StartingMessage, be.Message)
	}

	state, err := c.Read(ctx, "hub-south")
	require.NoError(t, err)
	assert.True(t, state.Running)
	assert.Equal(t, won[0], state.Owner)
}

func TestAcquire_SameOwnerIsReentrant(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t)

	first := mustAcquire(t, c, "hub-south", "alice@example.com")
	assert.False(t, first.Reentered)
	assert.Equal(t, StartingMessage, first.State.Message)
	require.NoError(t, c.UpdateMessage(ctx, "hub-south", "sending 3/10: X"))

	again := mustAcquire(t, c, "hub-south", "alice@example.com")
	assert.True(t, again.Reentered)
	assert.Equal(t, "sending 3/10: X", again.State.Message)
	assert.Equal(t, first.State.StartedAt, again.State.StartedAt)

	state, err := c.Read(ctx, "hub-south")
	require.NoError(t, err)
	assert.Equal(t, "sending 3/10: X", state.Message, "re-entry leaves the record alone")

	_, err = c.Acquire(ctx, "hub-south", "bob@example.com")
	require.Error(t, err)
	assert.True(t, IsBusy(err))
	assert.Contains(t, err.Error(), "alice@example.com")
}

func TestAcquire_TargetsAreIndependent(t *testing.T) {
	c := newTestCoordinator(t)

	assert.False(t, mustAcquire(t, c, "hub-south", "alice@example.com").Reentered)
	assert.False(t, mustAcquire(t, c, "hub-north", "bob@example.com").Reentered)
}

func TestUpdateMessage(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t)

	assert.ErrorIs(t, c.UpdateMessage(ctx, "hub-south", "sending"), ErrNotRunning)

	mustAcquire(t, c, "hub-south", "alice@example.com")
	require.NoError(t, c.UpdateMessage(ctx, "hub-south", "sending 1/2: A"))

	state, err := c.Read(ctx, "hub-south")
	require.NoError(t, err)
	assert.Equal(t, "sending 1/2: A", state.Message)
	assert.Equal(t, "alice@example.com", state.Owner)
	assert.True(t, state.Running)

	require.NoError(t, c.Release(ctx, "hub-south", "done: sent 2/2"))
	assert.ErrorIs(t, c.UpdateMessage(ctx, "hub-south", "late"), ErrNotRunning)
}

func TestRelease(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t)

	t.Run("force release regardless of owner", func(t *testing.T) {
		mustAcquire(t, c, "hub-south", "alice@example.com")
		require.NoError(t, c.Release(ctx, "hub-south", "released by administrator"))

		state, err := c.Read(ctx, "hub-south")
		require.NoError(t, err)
		assert.False(t, state.Running)
		assert.Empty(t, state.Owner)
		assert.Equal(t, "released by administrator", state.Message)
		assert.False(t, state.FinishedAt.IsZero())
		assert.False(t, state.StartedAt.IsZero())

		lease := mustAcquire(t, c, "hub-south", "bob@example.com")
		assert.False(t, lease.Reentered)
	})

	t.Run("release of an unknown target", func(t *testing.T) {
		require.NoError(t, c.Release(ctx, "hub-east", "released by administrator"))

		state, err := c.Read(ctx, "hub-east")
		require.NoError(t, err)
		assert.False(t, state.Running)
		assert.Equal(t, "released by administrator", state.Message)
	})
}

func TestOpen(t *testing.T) {
	_, err := Open(Config{Driver: "postgres", DSN: "x"})
	assert.Error(t, err)

	_, err = Open(Config{Driver: "sqlite"})
	assert.Error(t, err)

	_, err = Open(Config{Driver: "valkey"})
	assert.Error(t, err)

	store, err := Open(Config{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	assert.NoError(t, store.Close())
}

func TestBusyError(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &BusyError{Target: "t", Owner: "o", Message: "m"})
	assert.True(t, IsBusy(err))
	assert.False(t, IsBusy(errors.New("other")))
	assert.Equal(t, "target t is busy: run owned by o (m)", (&BusyError{Target: "t", Owner: "o", Message: "m"}).Error())
}
