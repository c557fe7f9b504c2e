package recipes

import (
	"context"
	"strconv"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/containerd/log"

	"github.com/moby/zk"
	"github.com/moby/zk/errdefs"
)

// Lease grants up to a fixed number of time-bound slots under a base
// path. A grant is a sequential ephemeral that the holder releases
// itself when the duration runs out.
type Lease struct {
	SequentialRecipe
	limit int

	mu    sync.Mutex
	timer clock.Timer
}

// NewLease builds a lease pool with the given slot limit.
func NewLease(client *zk.Client, basePath string, limit int) *Lease {
	if limit <= 0 {
		limit = 1
	}
	return &Lease{
		SequentialRecipe: newSequentialRecipe(client, basePath),
		limit:            limit,
	}
}

// Obtain tries to take a slot for the duration. It reports false without
// blocking when all slots are taken.
func (l *Lease) Obtain(ctx context.Context, duration time.Duration) (bool, error) {
	lessees, err := l.Client.GetChildren(ctx, l.BasePath)
	if err != nil && !errdefs.IsNoNode(err) {
		return false, err
	}
	if len(lessees) >= l.limit {
		return false, nil
	}

	expiry := l.Client.Clock().Now().Add(duration)
	data := []byte(strconv.FormatInt(expiry.UnixMilli(), 10))

	if err := l.CreateUniqueZnode(ctx, "lease", data); err != nil {
		if errdefs.IsNodeExists(err) {
			log.G(ctx).WithField("path", l.BasePath).Warn("lease already obtained")
			return true, nil
		}
		return false, err
	}

	timer := l.Client.Clock().NewTimer(duration)
	l.mu.Lock()
	l.timer = timer
	l.mu.Unlock()
	go func() {
		<-timer.C()
		if err := l.Release(context.Background()); err != nil {
			log.G(context.Background()).WithError(err).Debug("lease release failed")
		}
	}()

	return true, nil
}

// Release gives the slot back before the duration runs out.
func (l *Lease) Release(ctx context.Context) error {
	l.mu.Lock()
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.mu.Unlock()
	return l.DeleteUniqueZnode(ctx, "lease")
}
