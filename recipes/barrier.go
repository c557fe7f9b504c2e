package recipes

import (
	"context"
	"time"

	"github.com/moby/zk"
	"github.com/moby/zk/errdefs"
	"github.com/moby/zk/proto"
)

// Barrier blocks waiters for as long as its znode exists. Creating the
// barrier raises it; lifting deletes the znode and releases everyone. A
// barrier that does not exist never blocks.
type Barrier struct {
	Recipe
}

func NewBarrier(client *zk.Client, path string) *Barrier {
	return &Barrier{Recipe: Recipe{Client: client, BasePath: path}}
}

// Create raises the barrier.
func (b *Barrier) Create(ctx context.Context) error {
	return b.ensurePath(ctx)
}

// Lift deletes the barrier znode, releasing every waiter. Lifting an
// absent barrier is a no-op.
func (b *Barrier) Lift(ctx context.Context) error {
	err := b.Client.Delete(ctx, b.BasePath, true)
	if errdefs.IsNoNode(err) {
		return nil
	}
	return err
}

// Wait blocks until the barrier is lifted, at most timeout (zero waits
// forever). A missing barrier returns immediately.
func (b *Barrier) Wait(ctx context.Context, timeout time.Duration) error {
	dl := zk.NewDeadline(b.Client.Clock(), timeout)

	waiter := b.Client.WaitForEvents(b.BasePath, proto.EventDeleted)
	exists, err := b.Client.ExistsW(ctx, b.BasePath)
	if err != nil {
		waiter.Cancel()
		return err
	}
	if !exists {
		waiter.Cancel()
		return nil
	}
	return awaitEvent(ctx, b.Client, waiter, dl)
}
