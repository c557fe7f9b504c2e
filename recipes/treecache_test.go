package recipes

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gotest.tools/v3/assert"
	"gotest.tools/v3/poll"
)

func TestTreeCacheMirrorsSubtree(t *testing.T) {
	srv := startTestServer(t)
	c := startTestClient(t, srv)
	ctx := testContext(t)

	assert.NilError(t, c.EnsurePath(ctx, "/cfg/db"))
	assert.NilError(t, c.SetData(ctx, "/cfg/db", []byte("primary"), true))
	_, err := c.Create(ctx, "/cfg/flag", []byte("on"), nil, 0)
	assert.NilError(t, err)

	cache := NewTreeCache(c, "/cfg")
	assert.NilError(t, cache.Start(ctx))
	defer cache.Stop()

	expected := map[string]interface{}{
		"db":   []byte("primary"),
		"flag": []byte("on"),
	}
	assert.Check(t, cmp.Equal(expected, cache.AsMap()), cmp.Diff(expected, cache.AsMap()))
}

func TestTreeCacheTracksDataChanges(t *testing.T) {
	srv := startTestServer(t)
	c := startTestClient(t, srv)
	ctx := testContext(t)

	assert.NilError(t, c.EnsurePath(ctx, "/cfg"))
	_, err := c.Create(ctx, "/cfg/leaf", []byte("v0"), nil, 0)
	assert.NilError(t, err)

	cache := NewTreeCache(c, "/cfg")
	assert.NilError(t, cache.Start(ctx))
	defer cache.Stop()

	assert.NilError(t, c.SetData(ctx, "/cfg/leaf", []byte("v1"), true))

	poll.WaitOn(t, func(poll.LogT) poll.Result {
		data, ok := cache.Get("leaf")
		if !ok || string(data) != "v1" {
			return poll.Continue("cache still sees %q", data)
		}
		return poll.Success()
	}, poll.WithDelay(50*time.Millisecond), poll.WithTimeout(10*time.Second))
}

func TestTreeCacheTracksNewChildren(t *testing.T) {
	srv := startTestServer(t)
	c := startTestClient(t, srv)
	ctx := testContext(t)

	assert.NilError(t, c.EnsurePath(ctx, "/cfg"))

	cache := NewTreeCache(c, "/cfg")
	assert.NilError(t, cache.Start(ctx))
	defer cache.Stop()

	_, err := c.Create(ctx, "/cfg/new", []byte("x"), nil, 0)
	assert.NilError(t, err)

	poll.WaitOn(t, func(poll.LogT) poll.Result {
		data, ok := cache.Get("new")
		if !ok || string(data) != "x" {
			return poll.Continue("child not cached yet")
		}
		return poll.Success()
	}, poll.WithDelay(50*time.Millisecond), poll.WithTimeout(10*time.Second))
}
