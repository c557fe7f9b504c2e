package recipes

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
	"gotest.tools/v3/poll"

	"github.com/moby/zk/errdefs"
)

func TestDataWatcherDeliversChanges(t *testing.T) {
	srv := startTestServer(t)
	c := startTestClient(t, srv)
	ctx := testContext(t)

	_, err := c.Create(ctx, "/watched", []byte("v0"), nil, 0)
	assert.NilError(t, err)

	updates := make(chan string, 16)
	watcher := NewDataWatcher(c)
	id := watcher.AddCallback("/watched", func(data []byte, err error) {
		if err == nil {
			updates <- string(data)
		}
	})
	defer watcher.RemoveCallback("/watched", id)

	// The initial fetch delivers the current value.
	assert.Check(t, is.Equal(<-updates, "v0"))

	assert.NilError(t, c.SetData(ctx, "/watched", []byte("v1"), true))
	assert.Check(t, is.Equal(<-updates, "v1"))

	assert.NilError(t, c.SetData(ctx, "/watched", []byte("v2"), true))
	assert.Check(t, is.Equal(<-updates, "v2"))
}

func TestDataWatcherReportsVanishedNode(t *testing.T) {
	srv := startTestServer(t)
	c := startTestClient(t, srv)
	ctx := testContext(t)

	_, err := c.Create(ctx, "/doomed", []byte("x"), nil, 0)
	assert.NilError(t, err)

	errs := make(chan error, 16)
	watcher := NewDataWatcher(c)
	watcher.AddCallback("/doomed", func(data []byte, err error) {
		if err != nil {
			errs <- err
		}
	})

	assert.NilError(t, c.Delete(ctx, "/doomed", true))

	select {
	case err := <-errs:
		assert.Check(t, errdefs.IsNoNode(err))
	case <-time.After(10 * time.Second):
		t.Fatal("watcher never reported the deleted node")
	}
}

func TestChildrenWatcherDeliversChanges(t *testing.T) {
	srv := startTestServer(t)
	c := startTestClient(t, srv)
	ctx := testContext(t)

	assert.NilError(t, c.EnsurePath(ctx, "/dir"))

	updates := make(chan []string, 16)
	watcher := NewChildrenWatcher(c)
	id := watcher.AddCallback("/dir", func(children []string, err error) {
		if err == nil {
			updates <- children
		}
	})
	defer watcher.RemoveCallback("/dir", id)

	assert.Check(t, is.Len(<-updates, 0))

	_, err := c.Create(ctx, "/dir/a", nil, nil, 0)
	assert.NilError(t, err)

	poll.WaitOn(t, func(poll.LogT) poll.Result {
		select {
		case children := <-updates:
			if len(children) == 1 && children[0] == "a" {
				return poll.Success()
			}
			return poll.Continue("saw %v", children)
		default:
			return poll.Continue("no update yet")
		}
	}, poll.WithDelay(50*time.Millisecond), poll.WithTimeout(10*time.Second))
}
