package recipes

import (
	"sync"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
	"gotest.tools/v3/poll"

	"github.com/moby/zk/errdefs"
)

func TestLockAcquireRelease(t *testing.T) {
	srv := startTestServer(t)
	c := startTestClient(t, srv)
	ctx := testContext(t)

	lock := NewLock(c, "/L")
	assert.NilError(t, lock.Acquire(ctx, 0))

	// Exactly one queue znode carries this instance's claim.
	children, err := c.GetChildren(ctx, "/L")
	assert.NilError(t, err)
	assert.Check(t, is.Len(children, 1))

	assert.NilError(t, lock.Release(ctx))

	children, err = c.GetChildren(ctx, "/L")
	assert.NilError(t, err)
	assert.Check(t, is.Len(children, 0))
}

func TestLockRefusesReentrantUse(t *testing.T) {
	srv := startTestServer(t)
	c := startTestClient(t, srv)
	ctx := testContext(t)

	lock := NewLock(c, "/L")
	assert.NilError(t, lock.Acquire(ctx, 0))
	assert.Check(t, is.ErrorContains(lock.Acquire(ctx, 0), "already in use"))
	assert.NilError(t, lock.Release(ctx))
}

func TestLockFairness(t *testing.T) {
	srv := startTestServer(t)
	ctx := testContext(t)

	var (
		mu    sync.Mutex
		order []string
	)

	type holder struct {
		name string
		lock *Lock
		held chan struct{}
	}

	var holders []*holder
	for _, name := range []string{"A", "B", "C"} {
		c := startTestClient(t, srv)
		h := &holder{name: name, lock: NewLock(c, "/L"), held: make(chan struct{})}
		holders = append(holders, h)

		go func() {
			if err := h.lock.Acquire(ctx, 0); err != nil {
				t.Errorf("%s: %v", h.name, err)
				return
			}
			mu.Lock()
			order = append(order, h.name)
			mu.Unlock()
			close(h.held)
		}()

		// Give each contender time to join the queue before the next.
		time.Sleep(200 * time.Millisecond)
	}

	<-holders[0].held
	assert.NilError(t, holders[0].lock.Release(ctx))
	<-holders[1].held
	assert.NilError(t, holders[1].lock.Release(ctx))
	<-holders[2].held
	assert.NilError(t, holders[2].lock.Release(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Check(t, is.DeepEqual(order, []string{"A", "B", "C"}))
}

func TestLockReleasedBySessionExpiry(t *testing.T) {
	srv := startTestServer(t)
	ctx := testContext(t)

	holderClient := startTestClient(t, srv)
	holderLock := NewLock(holderClient, "/L")
	assert.NilError(t, holderLock.Acquire(ctx, 0))

	ids := srv.Sessions()
	assert.Assert(t, is.Len(ids, 1))

	waiterClient := startTestClient(t, srv)
	waiterLock := NewLock(waiterClient, "/L")

	acquired := make(chan error, 1)
	go func() {
		acquired <- waiterLock.Acquire(ctx, 0)
	}()

	// Let the waiter queue up behind the holder.
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		children, err := waiterClient.GetChildren(ctx, "/L")
		if err != nil || len(children) < 2 {
			return poll.Continue("waiting for queue")
		}
		return poll.Success()
	}, poll.WithDelay(50*time.Millisecond), poll.WithTimeout(10*time.Second))

	// Killing the holder's session deletes its ephemeral and hands the
	// lock over without an explicit release.
	srv.ExpireSession(ids[0])
	assert.NilError(t, <-acquired)

	// The dispossessed holder observes the loss.
	select {
	case <-holderLock.Lost():
	case <-time.After(10 * time.Second):
		t.Fatal("holder never observed the lost session")
	}

	assert.NilError(t, waiterLock.Release(ctx))
}

func TestLockAcquireTimeout(t *testing.T) {
	srv := startTestServer(t)
	ctx := testContext(t)

	holderClient := startTestClient(t, srv)
	holder := NewLock(holderClient, "/L")
	assert.NilError(t, holder.Acquire(ctx, 0))

	waiterClient := startTestClient(t, srv)
	waiter := NewLock(waiterClient, "/L")
	assert.Check(t, is.ErrorIs(waiter.Acquire(ctx, 500*time.Millisecond), errdefs.ErrTimeout))

	// The timed-out waiter left no znode behind.
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		children, err := holderClient.GetChildren(ctx, "/L")
		if err != nil {
			return poll.Continue("listing: %v", err)
		}
		if len(children) != 1 {
			return poll.Continue("%d znodes still queued", len(children))
		}
		return poll.Success()
	}, poll.WithDelay(50*time.Millisecond), poll.WithTimeout(5*time.Second))

	assert.NilError(t, holder.Release(ctx))
}
