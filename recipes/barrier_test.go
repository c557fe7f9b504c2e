package recipes

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/moby/zk/errdefs"
)

func TestBarrierBlocksUntilLifted(t *testing.T) {
	srv := startTestServer(t)
	c := startTestClient(t, srv)
	ctx := testContext(t)

	barrier := NewBarrier(c, "/barrier")
	assert.NilError(t, barrier.Create(ctx))

	done := make(chan error, 1)
	go func() {
		done <- barrier.Wait(ctx, 15*time.Second)
	}()

	select {
	case err := <-done:
		t.Fatalf("wait returned before the barrier lifted: %v", err)
	case <-time.After(300 * time.Millisecond):
	}

	assert.NilError(t, barrier.Lift(ctx))
	assert.NilError(t, <-done)
}

func TestBarrierWaitWithoutBarrierReturnsImmediately(t *testing.T) {
	srv := startTestServer(t)
	c := startTestClient(t, srv)
	ctx := testContext(t)

	barrier := NewBarrier(c, "/missing")
	assert.NilError(t, barrier.Wait(ctx, time.Second))
}

func TestBarrierWaitTimesOut(t *testing.T) {
	srv := startTestServer(t)
	c := startTestClient(t, srv)
	ctx := testContext(t)

	barrier := NewBarrier(c, "/barrier")
	assert.NilError(t, barrier.Create(ctx))

	err := barrier.Wait(ctx, 300*time.Millisecond)
	assert.Check(t, errdefs.IsTimeout(err))
}

func TestBarrierLiftTwice(t *testing.T) {
	srv := startTestServer(t)
	c := startTestClient(t, srv)
	ctx := testContext(t)

	barrier := NewBarrier(c, "/barrier")
	assert.NilError(t, barrier.Create(ctx))
	assert.NilError(t, barrier.Lift(ctx))
	assert.NilError(t, barrier.Lift(ctx))
}
