package zk

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/moby/zk/errdefs"
	"github.com/moby/zk/internal/zktest"
	"github.com/moby/zk/proto"
)

func startTestServer(t *testing.T) *zktest.Server {
	t.Helper()
	srv, err := zktest.New()
	assert.NilError(t, err)
	t.Cleanup(srv.Close)
	return srv
}

func startTestClient(t *testing.T, srv *zktest.Server, opts ...Option) *Client {
	t.Helper()
	c, err := New(srv.Addr(), opts...)
	assert.NilError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	assert.NilError(t, c.Start(ctx))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c.Close(ctx)
	})
	return c
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestNormalizePath(t *testing.T) {
	tests := map[string]struct {
		chroot   string
		path     string
		expected string
	}{
		"root":              {path: "/", expected: "/"},
		"plain":             {path: "/a/b", expected: "/a/b"},
		"trailing-slash":    {path: "/a/b/", expected: "/a/b"},
		"doubled-slashes":   {path: "//a///b", expected: "/a/b"},
		"missing-lead":      {path: "a/b", expected: "/a/b"},
		"chroot":            {chroot: "/app", path: "/a", expected: "/app/a"},
		"chroot-root":       {chroot: "/app", path: "/", expected: "/app"},
		"chroot-unslashed":  {chroot: "app", path: "b", expected: "/app/b"},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			chroot := ""
			if tc.chroot != "" {
				chroot = normalize("", tc.chroot)
			}
			assert.Check(t, is.Equal(normalize(chroot, tc.path), tc.expected))
		})
	}
}

func TestDenormalizePath(t *testing.T) {
	c := &Client{chroot: "/app"}
	assert.Check(t, is.Equal(c.denormalizePath("/app/a/b"), "/a/b"))
	assert.Check(t, is.Equal(c.denormalizePath("/other"), "/other"))
}

func TestCreateGetDelete(t *testing.T) {
	srv := startTestServer(t)
	c := startTestClient(t, srv)
	ctx := testContext(t)

	assert.NilError(t, c.EnsurePath(ctx, "/g/t"))

	created, err := c.Create(ctx, "/g/t/w", []byte("hi"), nil, 0)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(created, "/g/t/w"))

	data, stat, err := c.Get(ctx, "/g/t/w")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(string(data), "hi"))
	assert.Check(t, is.Equal(stat.Version, int32(0)))

	assert.NilError(t, c.Delete(ctx, "/g/t/w", false))

	exists, err := c.Exists(ctx, "/g/t/w")
	assert.NilError(t, err)
	assert.Check(t, !exists)
}

func TestEnsurePathIdempotent(t *testing.T) {
	srv := startTestServer(t)
	c := startTestClient(t, srv)
	ctx := testContext(t)

	assert.NilError(t, c.EnsurePath(ctx, "/a/b/c"))
	assert.NilError(t, c.EnsurePath(ctx, "/a/b/c"))

	exists, err := c.Exists(ctx, "/a/b/c")
	assert.NilError(t, err)
	assert.Check(t, exists)
}

func TestDeleteTwiceRaisesNoNode(t *testing.T) {
	srv := startTestServer(t)
	c := startTestClient(t, srv)
	ctx := testContext(t)

	_, err := c.Create(ctx, "/gone", nil, nil, 0)
	assert.NilError(t, err)

	assert.NilError(t, c.Delete(ctx, "/gone", false))
	assert.Check(t, errdefs.IsNoNode(c.Delete(ctx, "/gone", false)))
}

func TestStatCacheTracksVersion(t *testing.T) {
	srv := startTestServer(t)
	c := startTestClient(t, srv)
	ctx := testContext(t)

	_, err := c.Create(ctx, "/v", []byte("a"), nil, 0)
	assert.NilError(t, err)

	stat, err := c.Set(ctx, "/v", []byte("b"), 0)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(stat.Version, int32(1)))

	cached, ok := c.CachedStat("/v")
	assert.Check(t, ok)
	assert.Check(t, is.Equal(cached.Version, int32(1)))

	// The guarded write uses the cached version and succeeds.
	assert.NilError(t, c.SetData(ctx, "/v", []byte("c"), false))

	// A stale explicit version surfaces the mismatch.
	_, err = c.Set(ctx, "/v", []byte("d"), 0)
	assert.Check(t, errdefs.IsBadVersion(err))
}

func TestSequentialCreate(t *testing.T) {
	srv := startTestServer(t)
	c := startTestClient(t, srv)
	ctx := testContext(t)

	assert.NilError(t, c.EnsurePath(ctx, "/seq"))

	first, err := c.Create(ctx, "/seq/n-", nil, nil, proto.FlagEphemeral|proto.FlagSequential)
	assert.NilError(t, err)
	second, err := c.Create(ctx, "/seq/n-", nil, nil, proto.FlagEphemeral|proto.FlagSequential)
	assert.NilError(t, err)

	assert.Check(t, is.Equal(first, "/seq/n-0000000000"))
	assert.Check(t, is.Equal(second, "/seq/n-0000000001"))
}

func TestChroot(t *testing.T) {
	srv := startTestServer(t)
	chrooted := startTestClient(t, srv, WithChroot("/app"))
	plain := startTestClient(t, srv)
	ctx := testContext(t)

	_, err := chrooted.Create(ctx, "/inside", []byte("x"), nil, 0)
	assert.NilError(t, err)

	exists, err := plain.Exists(ctx, "/app/inside")
	assert.NilError(t, err)
	assert.Check(t, exists)

	data, err := chrooted.GetData(ctx, "/inside")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(string(data), "x"))
}

func TestDeleteAll(t *testing.T) {
	srv := startTestServer(t)
	c := startTestClient(t, srv)
	ctx := testContext(t)

	assert.NilError(t, c.EnsurePath(ctx, "/tree/a/b"))
	assert.NilError(t, c.EnsurePath(ctx, "/tree/c"))

	assert.NilError(t, c.DeleteAll(ctx, "/tree"))

	exists, err := c.Exists(ctx, "/tree")
	assert.NilError(t, err)
	assert.Check(t, !exists)
}

func TestGetChildren(t *testing.T) {
	srv := startTestServer(t)
	c := startTestClient(t, srv)
	ctx := testContext(t)

	assert.NilError(t, c.EnsurePath(ctx, "/p"))
	for _, name := range []string{"x", "y", "z"} {
		_, err := c.Create(ctx, "/p/"+name, nil, nil, 0)
		assert.NilError(t, err)
	}

	children, err := c.GetChildren(ctx, "/p")
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(children, []string{"x", "y", "z"}))
}

func TestGetSetACL(t *testing.T) {
	srv := startTestServer(t)
	c := startTestClient(t, srv)
	ctx := testContext(t)

	_, err := c.Create(ctx, "/sec", nil, nil, 0)
	assert.NilError(t, err)

	assert.NilError(t, c.SetACL(ctx, "/sec", proto.WorldReadable, true))

	acl, err := c.GetACL(ctx, "/sec")
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(acl, proto.WorldReadable, cmp.AllowUnexported()))
}

func TestSyncAndAuth(t *testing.T) {
	srv := startTestServer(t)
	c := startTestClient(t, srv)
	ctx := testContext(t)

	assert.NilError(t, c.Sync(ctx, "/"))
	assert.NilError(t, c.AddAuth(ctx, "digest", []byte("user:pass")))
}

func TestFeaturesAgainstServer(t *testing.T) {
	srv := startTestServer(t)
	c := startTestClient(t, srv)

	features := c.Features()
	assert.Check(t, features.CreateWithStat)
	assert.Check(t, features.Containers)
	assert.Check(t, features.Reconfigure)
}

func TestWaitForEventsFiresOnce(t *testing.T) {
	srv := startTestServer(t)
	c := startTestClient(t, srv)
	ctx := testContext(t)

	_, err := c.Create(ctx, "/watched", []byte("v0"), nil, 0)
	assert.NilError(t, err)

	waiter := c.WaitForEvents("/watched", proto.EventDataChanged)
	_, _, err = c.GetW(ctx, "/watched")
	assert.NilError(t, err)

	assert.NilError(t, c.SetData(ctx, "/watched", []byte("v1"), true))
	assert.NilError(t, waiter.Wait(ctx))
}

func TestTransactionAtomicity(t *testing.T) {
	srv := startTestServer(t)
	c := startTestClient(t, srv)
	ctx := testContext(t)

	result, err := c.Begin().
		Create("/t", nil, nil, 0).
		CheckVersion("/t", 1).
		Commit(ctx)
	assert.Check(t, is.ErrorIs(err, errdefs.ErrTransactionFailed))
	assert.Check(t, !result.Succeeded())

	// The batch failed as a unit: nothing was created.
	exists, err := c.Exists(ctx, "/t")
	assert.NilError(t, err)
	assert.Check(t, !exists)
}

func TestTransactionCommit(t *testing.T) {
	srv := startTestServer(t)
	c := startTestClient(t, srv)
	ctx := testContext(t)

	_, err := c.Create(ctx, "/base", []byte("old"), nil, 0)
	assert.NilError(t, err)

	result, err := c.Begin().
		CheckVersion("/base", 0).
		Create("/base2", []byte("fresh"), nil, 0).
		SetData("/base", []byte("new"), 0).
		Commit(ctx)
	assert.NilError(t, err)
	assert.Check(t, result.Succeeded())
	assert.Check(t, result.Checked.Contains("/base"))
	assert.Check(t, result.Created.Contains("/base2"))
	assert.Check(t, result.Updated.Contains("/base"))
	assert.Check(t, is.Equal(result.Deleted.Cardinality(), 0))

	data, err := c.GetData(ctx, "/base")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(string(data), "new"))
}

func TestEmptyTransactionRefused(t *testing.T) {
	srv := startTestServer(t)
	c := startTestClient(t, srv)
	ctx := testContext(t)

	_, err := c.Begin().Commit(ctx)
	assert.Check(t, is.ErrorContains(err, "no operations"))
}
