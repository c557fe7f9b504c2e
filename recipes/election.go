package recipes

import (
	"context"
	"sync"
	"time"

	"github.com/containerd/log"

	"github.com/moby/zk"
	"github.com/moby/zk/errdefs"
)

// LeaderElection elects exactly one leader among the volunteers under a
// base path: the candidate holding the lowest sequence number leads, and
// every other candidate watches only its immediate predecessor. When the
// leader's session ends its ephemeral disappears and the successor
// promotes itself.
type LeaderElection struct {
	SequentialRecipe

	mu            sync.Mutex
	volunteered   bool
	hasLeadership bool
	leaderCh      chan struct{}
	loopCancel    context.CancelFunc
}

func NewLeaderElection(client *zk.Client, basePath string) *LeaderElection {
	return &LeaderElection{
		SequentialRecipe: newSequentialRecipe(client, basePath),
		leaderCh:         make(chan struct{}),
	}
}

// Volunteer enters the candidacy and starts the watch loop that promotes
// this instance when its turn comes.
func (e *LeaderElection) Volunteer(ctx context.Context) error {
	e.mu.Lock()
	if e.volunteered {
		e.mu.Unlock()
		return nil
	}
	e.volunteered = true
	e.mu.Unlock()

	if err := e.CreateUniqueZnode(ctx, "candidate", nil); err != nil {
		e.mu.Lock()
		e.volunteered = false
		e.mu.Unlock()
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.loopCancel = cancel
	e.mu.Unlock()

	go e.watchLoop(loopCtx)
	return nil
}

func (e *LeaderElection) watchLoop(ctx context.Context) {
	for {
		owned, candidates, err := e.AnalyzeSiblings(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errdefs.IsSessionLost(err) || errdefs.IsNoNode(err) {
				log.G(ctx).WithError(err).Error("candidacy lost")
				return
			}
			log.G(ctx).WithError(err).Warn("could not analyze candidates")
			continue
		}

		position, ok := owned["candidate"]
		if !ok {
			log.G(ctx).Error("candidate znode is gone, leaving election")
			return
		}

		if position == 0 {
			e.mu.Lock()
			e.hasLeadership = true
			ch := e.leaderCh
			e.mu.Unlock()
			close(ch)
			return
		}

		if err := e.WaitOnSibling(ctx, candidates[position-1], zk.Deadline{}); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.G(ctx).WithError(err).Warn("predecessor wait failed")
		}
	}
}

// HasLeadership reports whether this instance currently leads.
func (e *LeaderElection) HasLeadership() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasLeadership
}

// WaitForLeadership blocks until this instance leads, at most timeout
// (zero waits forever).
func (e *LeaderElection) WaitForLeadership(ctx context.Context, timeout time.Duration) error {
	e.mu.Lock()
	if e.hasLeadership {
		e.mu.Unlock()
		return nil
	}
	ch := e.leaderCh
	e.mu.Unlock()

	dl := zk.NewDeadline(e.Client.Clock(), timeout)
	if dl.Indefinite() {
		select {
		case <-ch:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	remaining := dl.Remaining()
	if remaining <= 0 {
		return errdefs.ErrTimeout
	}
	timer := e.Client.Clock().NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-ch:
		return nil
	case <-timer.C():
		return errdefs.ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resign leaves the election, stopping the watch loop and releasing the
// candidate znode. A former leader's departure promotes its successor.
func (e *LeaderElection) Resign(ctx context.Context) error {
	e.mu.Lock()
	cancel := e.loopCancel
	e.loopCancel = nil
	wasLeader := e.hasLeadership
	e.hasLeadership = false
	e.volunteered = false
	e.leaderCh = make(chan struct{})
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	err := e.DeleteUniqueZnode(ctx, "candidate")
	if wasLeader {
		log.G(ctx).WithField("path", e.BasePath).Info("resigned leadership")
	}
	return err
}
