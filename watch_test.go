package zk

import (
	"sort"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
	"gotest.tools/v3/poll"

	"github.com/moby/zk/proto"
)

func TestWatchRegistryDispatch(t *testing.T) {
	r := newWatchRegistry()

	fired := make(chan string, 4)
	w := r.add(proto.EventDataChanged, "/a", func(path string) {
		fired <- path
	})

	r.dispatch(&proto.WatchEvent{Type: proto.EventDataChanged, Path: "/a"})
	select {
	case path := <-fired:
		assert.Check(t, is.Equal(path, "/a"))
	case <-time.After(5 * time.Second):
		t.Fatal("callback never fired")
	}

	// Wrong kind or wrong path does not reach the callback.
	r.dispatch(&proto.WatchEvent{Type: proto.EventDeleted, Path: "/a"})
	r.dispatch(&proto.WatchEvent{Type: proto.EventDataChanged, Path: "/b"})
	select {
	case <-fired:
		t.Fatal("unexpected dispatch")
	case <-time.After(100 * time.Millisecond):
	}

	r.remove(w)
	assert.Check(t, r.empty())
}

func TestWatchRegistryOrderPreserved(t *testing.T) {
	r := newWatchRegistry()

	var got []string
	done := make(chan struct{})
	r.add(proto.EventDataChanged, "/a", func(string) {
		got = append(got, "tick")
		if len(got) == 3 {
			close(done)
		}
	})

	for range 3 {
		r.dispatch(&proto.WatchEvent{Type: proto.EventDataChanged, Path: "/a"})
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("not all events delivered")
	}
	assert.Check(t, is.Len(got, 3))
}

func TestWatchRegistryPartition(t *testing.T) {
	r := newWatchRegistry()
	cb := func(string) {}

	r.add(proto.EventDataChanged, "/d", cb)
	r.add(proto.EventDeleted, "/d", cb) // deletion rides the data watch list
	r.add(proto.EventCreated, "/e", cb)
	r.add(proto.EventChildrenChanged, "/c", cb)

	data, exist, child := r.partition()
	sort.Strings(data)
	assert.Check(t, is.DeepEqual(data, []string{"/d"}))
	assert.Check(t, is.DeepEqual(exist, []string{"/e"}))
	assert.Check(t, is.DeepEqual(child, []string{"/c"}))
}

func TestWatchRegistryRemoveAll(t *testing.T) {
	r := newWatchRegistry()
	cb := func(string) {}

	r.add(proto.EventDataChanged, "/a", cb)
	r.add(proto.EventDataChanged, "/a", cb)
	r.add(proto.EventChildrenChanged, "/a", cb)

	r.removeAll(proto.EventDataChanged, "/a")

	data, _, child := r.partition()
	assert.Check(t, is.Len(data, 0))
	assert.Check(t, is.DeepEqual(child, []string{"/a"}))
}

func TestEventWaiterCancelIsOneShot(t *testing.T) {
	srv := startTestServer(t)
	c := startTestClient(t, srv)

	waiter := c.WaitForEvents("/never", proto.EventCreated)
	waiter.Cancel()
	waiter.Cancel()

	select {
	case <-waiter.Done():
	default:
		t.Fatal("cancelled waiter should be resolved")
	}

	// The registration is released in the background.
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if !c.session.watches.empty() {
			return poll.Continue("registry not yet empty")
		}
		return poll.Success()
	}, poll.WithDelay(20*time.Millisecond), poll.WithTimeout(5*time.Second))
}
