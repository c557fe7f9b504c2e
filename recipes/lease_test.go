package recipes

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func TestLeaseLimitsGrants(t *testing.T) {
	srv := startTestServer(t)
	c := startTestClient(t, srv)
	ctx := testContext(t)

	assert.NilError(t, c.EnsurePath(ctx, "/lease"))

	first := NewLease(c, "/lease", 1)
	ok, err := first.Obtain(ctx, time.Minute)
	assert.NilError(t, err)
	assert.Check(t, ok)

	second := NewLease(c, "/lease", 1)
	ok, err = second.Obtain(ctx, time.Minute)
	assert.NilError(t, err)
	assert.Check(t, !ok)

	assert.NilError(t, first.Release(ctx))

	ok, err = second.Obtain(ctx, time.Minute)
	assert.NilError(t, err)
	assert.Check(t, ok)
	assert.NilError(t, second.Release(ctx))
}

func TestLeaseAllowsUpToLimit(t *testing.T) {
	srv := startTestServer(t)
	c := startTestClient(t, srv)
	ctx := testContext(t)

	assert.NilError(t, c.EnsurePath(ctx, "/lease"))

	a := NewLease(c, "/lease", 2)
	b := NewLease(c, "/lease", 2)
	d := NewLease(c, "/lease", 2)

	ok, err := a.Obtain(ctx, time.Minute)
	assert.NilError(t, err)
	assert.Check(t, ok)

	ok, err = b.Obtain(ctx, time.Minute)
	assert.NilError(t, err)
	assert.Check(t, ok)

	ok, err = d.Obtain(ctx, time.Minute)
	assert.NilError(t, err)
	assert.Check(t, !ok)

	assert.NilError(t, a.Release(ctx))
	assert.NilError(t, b.Release(ctx))

	children, err := c.GetChildren(ctx, "/lease")
	assert.NilError(t, err)
	assert.Check(t, is.Len(children, 0))
}
