package zk

import (
	"time"

	"code.cloudfoundry.org/clock"
)

// Deadline is a fixed point in time derived from a caller timeout. Waits
// that happen in sequence measure against the same point, so they cannot
// overrun the caller's budget between steps. A zero or negative timeout
// makes the deadline indefinite.
type Deadline struct {
	clock clock.Clock
	at    time.Time
	set   bool
}

func NewDeadline(c clock.Clock, timeout time.Duration) Deadline {
	if timeout <= 0 {
		return Deadline{clock: c}
	}
	return Deadline{clock: c, at: c.Now().Add(timeout), set: true}
}

func (d Deadline) Indefinite() bool {
	return !d.set
}

// Remaining returns the time budget left, negative once exceeded. An
// indefinite deadline always returns zero.
func (d Deadline) Remaining() time.Duration {
	if !d.set {
		return 0
	}
	return d.at.Sub(d.clock.Now())
}

func (d Deadline) Exceeded() bool {
	return d.set && d.Remaining() <= 0
}
