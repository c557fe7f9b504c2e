// Package recipes builds coordination primitives on the client's znode
// operations: locks, shared locks, leader election, barriers, counters,
// parties, leases, tree caches and an item allocator. The lock-like
// recipes all rest on ordered ephemeral-sequential znodes and observation
// of their siblings.
package recipes

import (
	"context"

	"github.com/moby/zk"
	"github.com/moby/zk/errdefs"
)

// Recipe is the common ground of every recipe: a client handle and the
// base path the recipe parks its znodes under. The client is shared, not
// owned.
type Recipe struct {
	Client   *zk.Client
	BasePath string
}

func (r *Recipe) ensurePath(ctx context.Context) error {
	return r.Client.EnsurePath(ctx, r.BasePath)
}

// createZnode makes a plain znode, tolerating one that already exists and
// filling in missing ancestors.
func (r *Recipe) createZnode(ctx context.Context, path string) error {
	_, err := r.Client.Create(ctx, path, nil, nil, 0)
	if err == nil || errdefs.IsNodeExists(err) {
		return nil
	}
	if errdefs.IsNoNode(err) {
		if err := r.ensurePath(ctx); err != nil && !errdefs.IsNodeExists(err) {
			return err
		}
		_, err = r.Client.Create(ctx, path, nil, nil, 0)
		if errdefs.IsNodeExists(err) {
			return nil
		}
		return err
	}
	return err
}

// awaitEvent blocks until an armed waiter fires, bounding the wait by the
// deadline. The waiter is released on every exit path.
func awaitEvent(ctx context.Context, c *zk.Client, w *zk.EventWaiter, dl zk.Deadline) error {
	if dl.Indefinite() {
		select {
		case <-w.Done():
			return nil
		case <-ctx.Done():
			w.Cancel()
			return ctx.Err()
		}
	}

	remaining := dl.Remaining()
	if remaining <= 0 {
		w.Cancel()
		return errdefs.ErrTimeout
	}
	timer := c.Clock().NewTimer(remaining)
	defer timer.Stop()

	select {
	case <-w.Done():
		return nil
	case <-timer.C():
		w.Cancel()
		return errdefs.ErrTimeout
	case <-ctx.Done():
		w.Cancel()
		return ctx.Err()
	}
}
