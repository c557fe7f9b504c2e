package recipes

import (
	"context"
	"time"

	"github.com/containerd/log"

	"github.com/moby/zk"
	"github.com/moby/zk/errdefs"
	"github.com/moby/zk/proto"
)

// DoubleBarrier gathers a quorum of workers before any of them proceeds,
// and holds them together again on the way out: Enter blocks until the
// minimum participant count is reached, Leave blocks until every worker
// has left. Arrival of the quorum is signalled through a sentinel znode
// next to the worker znodes.
type DoubleBarrier struct {
	SequentialRecipe
	minParticipants int
}

func NewDoubleBarrier(client *zk.Client, basePath string, minParticipants int) *DoubleBarrier {
	return &DoubleBarrier{
		SequentialRecipe: newSequentialRecipe(client, basePath),
		minParticipants:  minParticipants,
	}
}

func (b *DoubleBarrier) sentinelPath() string {
	return b.siblingPath("sentinel")
}

// Enter joins the barrier and blocks until enough workers are present,
// at most timeout (zero waits forever). The worker that completes the
// quorum creates the sentinel, releasing everyone at once. On failure
// the worker znode is reaped so no ghost participant lingers.
func (b *DoubleBarrier) Enter(ctx context.Context, timeout time.Duration) error {
	log.G(ctx).WithField("path", b.BasePath).Debug("entering double barrier")
	dl := zk.NewDeadline(b.Client.Clock(), timeout)

	waiter := b.Client.WaitForEvents(b.sentinelPath(), proto.EventCreated)

	sentinelExists, err := b.Client.ExistsW(ctx, b.sentinelPath())
	if err != nil {
		waiter.Cancel()
		return err
	}

	if err := b.CreateUniqueZnode(ctx, "worker", nil); err != nil {
		waiter.Cancel()
		return err
	}

	if sentinelExists {
		waiter.Cancel()
		return nil
	}

	_, participants, err := b.AnalyzeSiblings(ctx)
	if err != nil {
		waiter.Cancel()
		b.reapWorker()
		return err
	}

	if len(participants) >= b.minParticipants {
		if err := b.createZnode(ctx, b.sentinelPath()); err != nil {
			waiter.Cancel()
			b.reapWorker()
			return err
		}
		waiter.Cancel()
		return nil
	}

	if err := awaitEvent(ctx, b.Client, waiter, dl); err != nil {
		b.reapWorker()
		return err
	}
	return nil
}

// reapWorker removes this worker's znode in the background so a failed
// entry leaves nothing behind.
func (b *DoubleBarrier) reapWorker() {
	go func() {
		ctx := context.Background()
		if err := b.DeleteUniqueZnode(ctx, "worker"); err != nil {
			log.G(ctx).WithError(err).Debug("could not reap worker znode")
		}
	}()
}

// Leave blocks until every worker has left the barrier, at most timeout
// (zero waits forever). The last worker out also removes the sentinel.
func (b *DoubleBarrier) Leave(ctx context.Context, timeout time.Duration) error {
	log.G(ctx).WithField("path", b.BasePath).Debug("leaving double barrier")
	dl := zk.NewDeadline(b.Client.Clock(), timeout)

	for {
		owned, participants, err := b.AnalyzeSiblings(ctx)
		if err != nil {
			return err
		}

		if len(participants) == 0 {
			return nil
		}

		position, isParticipant := owned["worker"]

		if len(participants) == 1 {
			if isParticipant {
				if err := b.DeleteUniqueZnode(ctx, "worker"); err != nil {
					return err
				}
				if err := b.Client.Delete(ctx, b.sentinelPath(), true); err != nil && !errdefs.IsNoNode(err) {
					return err
				}
			}
			return nil
		}

		if !isParticipant {
			return nil
		}

		if position == 0 {
			if err := b.WaitOnSibling(ctx, participants[len(participants)-1], dl); err != nil {
				return err
			}
		} else {
			if err := b.DeleteUniqueZnode(ctx, "worker"); err != nil {
				return err
			}
			if err := b.WaitOnSibling(ctx, participants[0], dl); err != nil {
				return err
			}
		}
	}
}
