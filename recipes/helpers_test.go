package recipes

import (
	"context"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/moby/zk"
	"github.com/moby/zk/internal/zktest"
)

func startTestServer(t *testing.T) *zktest.Server {
	t.Helper()
	srv, err := zktest.New()
	assert.NilError(t, err)
	t.Cleanup(srv.Close)
	return srv
}

func startTestClient(t *testing.T, srv *zktest.Server, opts ...zk.Option) *zk.Client {
	t.Helper()
	c, err := zk.New(srv.Addr(), opts...)
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
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}
