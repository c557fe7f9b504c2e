package recipes

import (
	"context"
	"sync"
	"time"

	"github.com/containerd/log"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"

	"github.com/moby/zk"
	"github.com/moby/zk/errdefs"
)

// Lock is a distributed exclusive lock: holders queue on ephemeral
// sequential znodes and each waits only on its immediate predecessor.
// A Lock instance is single-use at a time; concurrent Acquire calls on
// the same instance are refused.
type Lock struct {
	SequentialRecipe
	label     string
	blockedBy mapset.Set[string]

	mu            sync.Mutex
	inUse         bool
	locked        bool
	lostCh        chan struct{}
	monitorCancel context.CancelFunc
}

// NewLock builds an exclusive lock rooted at basePath.
func NewLock(client *zk.Client, basePath string) *Lock {
	return newLock(client, basePath, "lock", nil)
}

func newLock(client *zk.Client, basePath, label string, blockedBy mapset.Set[string]) *Lock {
	return &Lock{
		SequentialRecipe: newSequentialRecipe(client, basePath),
		label:            label,
		blockedBy:        blockedBy,
	}
}

// Acquire takes the lock, waiting at most timeout (zero waits forever).
// On timeout the queued znode is removed and ErrTimeout returned. Losing
// the session while waiting restarts the attempt once the session is
// back.
func (l *Lock) Acquire(ctx context.Context, timeout time.Duration) error {
	l.mu.Lock()
	if l.inUse {
		l.mu.Unlock()
		return errors.New("lock instance already in use")
	}
	l.inUse = true
	l.mu.Unlock()

	dl := zk.NewDeadline(l.Client.Clock(), timeout)

	for {
		err := l.waitInLine(ctx, dl)
		if err == nil {
			l.mu.Lock()
			l.locked = true
			l.mu.Unlock()
			return nil
		}
		if errdefs.IsSessionLost(err) {
			// The queue znode evaporated with the session; wait out the
			// repair, drop the stale claim and join the line again.
			if werr := l.Client.WaitForStates(ctx, zk.StateConnected); werr != nil {
				l.abandon(ctx)
				return werr
			}
			if derr := l.DeleteUniqueZnode(ctx, l.label); derr != nil {
				log.G(ctx).WithError(derr).Debug("could not drop stale claim")
			}
			continue
		}
		l.abandon(ctx)
		return err
	}
}

func (l *Lock) abandon(ctx context.Context) {
	if err := l.DeleteUniqueZnode(ctx, l.label); err != nil {
		log.G(ctx).WithError(err).Debug("could not remove queue znode")
	}
	l.mu.Lock()
	l.inUse = false
	l.mu.Unlock()
}

// waitInLine queues a znode for the label and blocks until nothing
// sorts ahead of it that can block it.
func (l *Lock) waitInLine(ctx context.Context, dl zk.Deadline) error {
	if _, ok := l.OwnedPath(l.label); !ok {
		if err := l.CreateUniqueZnode(ctx, l.label, nil); err != nil {
			return err
		}
	}

	for {
		if dl.Exceeded() {
			if err := l.DeleteUniqueZnode(ctx, l.label); err != nil {
				log.G(ctx).WithError(err).Debug("could not remove queue znode")
			}
			return errdefs.ErrTimeout
		}

		owned, siblings, err := l.AnalyzeSiblings(ctx)
		if err != nil {
			return err
		}
		position, ok := owned[l.label]
		if !ok {
			return errdefs.ErrSessionLost
		}

		blockers := siblings[:position]
		if l.blockedBy != nil {
			filtered := blockers[:0:0]
			for _, sibling := range blockers {
				if l.blockedBy.Contains(znodeLabel(sibling)) {
					filtered = append(filtered, sibling)
				}
			}
			blockers = filtered
		}

		if len(blockers) == 0 {
			l.startSessionLossMonitor()
			return nil
		}

		if err := l.WaitOnSibling(ctx, blockers[len(blockers)-1], dl); err != nil {
			if errdefs.IsTimeout(err) {
				if derr := l.DeleteUniqueZnode(ctx, l.label); derr != nil {
					log.G(ctx).WithError(derr).Debug("could not remove queue znode")
				}
			}
			return err
		}
	}
}

// startSessionLossMonitor flags the lock once the session drops to lost:
// the server has already released the znode, so the holder no longer
// holds anything.
func (l *Lock) startSessionLossMonitor() {
	mctx, cancel := context.WithCancel(context.Background())

	l.mu.Lock()
	l.lostCh = make(chan struct{})
	l.monitorCancel = cancel
	lostCh := l.lostCh
	l.mu.Unlock()

	go func() {
		if err := l.Client.WaitForStates(mctx, zk.StateLost); err != nil {
			return
		}
		l.mu.Lock()
		stillLocked := l.locked || l.inUse
		l.mu.Unlock()
		if !stillLocked {
			return
		}
		log.G(mctx).WithField("path", l.BasePath).Warn("session expired, lock no longer held")
		close(lostCh)
	}()
}

// Lost is closed when the session expired while the lock was held. It is
// only valid between Acquire and Release.
func (l *Lock) Lost() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lostCh
}

// Release gives the lock up. It always clears the holder state, even
// when the znode is already gone.
func (l *Lock) Release(ctx context.Context) error {
	l.mu.Lock()
	cancel := l.monitorCancel
	l.monitorCancel = nil
	l.locked = false
	l.mu.Unlock()

	if cancel != nil && l.ownedLabels() <= 1 {
		cancel()
	}

	err := l.DeleteUniqueZnode(ctx, l.label)

	l.mu.Lock()
	l.inUse = false
	l.mu.Unlock()
	return err
}
