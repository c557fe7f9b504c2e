// Package retry implements the retry policies the session applies to
// requests: a bounded or unbounded attempt count paired with a sleep
// schedule computed from the attempt history.
package retry

import (
	"context"
	"time"

	"code.cloudfoundry.org/clock"

	"github.com/moby/zk/errdefs"
)

// A SleepFunc computes how long to wait before the next attempt from the
// timestamps of every attempt so far (most recent last). Returning zero
// means try again immediately; returning a negative duration gives up.
type SleepFunc func(timings []time.Time) time.Duration

// Policy pairs an optional attempt limit with a sleep schedule. The zero
// limit means unlimited attempts.
type Policy struct {
	TryLimit int
	Sleep    SleepFunc
}

// Once allows a single retry with no delay.
func Once() Policy {
	return NTimes(1)
}

// NTimes allows n attempts with no delay between them.
func NTimes(n int) Policy {
	return Policy{TryLimit: n, Sleep: nil}
}

// Forever retries without limit or delay.
func Forever() Policy {
	return Policy{}
}

// ExponentialBackoff sleeps base^attempts seconds, capped at max when max
// is positive.
func ExponentialBackoff(base float64, max time.Duration) Policy {
	return Policy{
		Sleep: func(timings []time.Time) time.Duration {
			wait := time.Second
			for range timings {
				wait = time.Duration(float64(wait) * base)
				if max > 0 && wait >= max {
					return max
				}
			}
			return wait
		},
	}
}

// UntilElapsed retries until total has passed since the first attempt.
func UntilElapsed(total time.Duration, c clock.Clock) Policy {
	return Policy{
		Sleep: func(timings []time.Time) time.Duration {
			first := c.Now()
			if len(timings) > 0 {
				first = timings[0]
			}
			return total - c.Since(first)
		},
	}
}

// Track starts per-request attempt state for one logical request.
func (p Policy) Track(c clock.Clock) *Tracker {
	return &Tracker{policy: p, clock: c}
}

// Tracker carries the attempt history of one request through the send
// loop. Not safe for concurrent use; each request owns its tracker.
type Tracker struct {
	policy  Policy
	clock   clock.Clock
	timings []time.Time
}

// Enforce records an attempt and applies the policy: it returns
// immediately before the first try, fails with ErrFailedRetry once the
// limit is reached or the schedule goes negative, and otherwise sleeps out
// the computed delay, honouring ctx.
func (t *Tracker) Enforce(ctx context.Context) error {
	t.timings = append(t.timings, t.clock.Now())
	if len(t.timings) == 1 {
		return nil
	}

	if t.policy.TryLimit > 0 && len(t.timings) >= t.policy.TryLimit {
		return errdefs.ErrFailedRetry
	}

	if t.policy.Sleep == nil {
		return nil
	}
	wait := t.policy.Sleep(t.timings)
	if wait == 0 {
		return nil
	}
	if wait < 0 {
		return errdefs.ErrFailedRetry
	}

	timer := t.clock.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
