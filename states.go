package zk

import (
	"context"
	"sync"
	"time"

	"github.com/moby/pubsub"
	"github.com/pkg/errors"
)

// State is the session's connectivity state.
type State string

const (
	// StateLost means no session is established: either the client never
	// connected or the server invalidated the session id, taking every
	// ephemeral and watch with it.
	StateLost State = "lost"

	// StateConnected means a writable session is established.
	StateConnected State = "connected"

	// StateReadOnly means the session is held by a read-only server.
	StateReadOnly State = "read-only"

	// StateSuspended means the connection dropped but the session may
	// still be recoverable within its timeout.
	StateSuspended State = "suspended"
)

var validTransitions = map[State][]State{
	StateLost:      {StateConnected, StateReadOnly},
	StateConnected: {StateSuspended, StateLost},
	StateReadOnly:  {StateConnected, StateSuspended, StateLost},
	StateSuspended: {StateConnected, StateReadOnly, StateLost},
}

// stateMachine tracks the session state and wakes parked waiters on entry
// into a state they subscribed for. Transitions are broadcast through a
// pubsub publisher so a waiter parked for several states wakes on the
// first matching entry.
type stateMachine struct {
	mu      sync.Mutex
	current State
	pub     *pubsub.Publisher
}

func newStateMachine() *stateMachine {
	return &stateMachine{
		current: StateLost,
		pub:     pubsub.NewPublisher(time.Second, 8),
	}
}

func (m *stateMachine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// TransitionTo moves to next and wakes its waiters. A transition outside
// the valid set is a bug in the caller.
func (m *stateMachine) TransitionTo(next State) error {
	m.mu.Lock()
	ok := false
	for _, s := range validTransitions[m.current] {
		if s == next {
			ok = true
			break
		}
	}
	if !ok {
		cur := m.current
		m.mu.Unlock()
		return errors.Errorf("invalid session state transition: %s -> %s", cur, next)
	}
	m.current = next
	m.mu.Unlock()

	m.pub.Publish(next)
	return nil
}

// WaitFor blocks until the session enters one of the given states,
// returning immediately if it is already in one.
func (m *stateMachine) WaitFor(ctx context.Context, states ...State) error {
	sub := m.pub.SubscribeTopic(func(v interface{}) bool {
		s, ok := v.(State)
		if !ok {
			return false
		}
		for _, want := range states {
			if s == want {
				return true
			}
		}
		return false
	})
	defer m.pub.Evict(sub)

	cur := m.Current()
	for _, want := range states {
		if cur == want {
			return nil
		}
	}

	select {
	case <-sub:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
