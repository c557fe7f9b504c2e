package recipes

import (
	"context"
	"strconv"
	"sync"

	"github.com/containerd/log"
	"github.com/pkg/errors"

	"github.com/moby/zk"
	"github.com/moby/zk/errdefs"
)

// Counter stores a decimal-ASCII number in a znode and mutates it with
// optimistic compare-and-set: apply the operation at the known version
// and on a version mismatch refetch and try again. Concurrent writers
// converge without locks.
type Counter struct {
	Recipe
	useFloat bool

	mu      sync.Mutex
	value   float64
	version int32
}

// NewCounter builds an integer counter stored at path.
func NewCounter(client *zk.Client, path string) *Counter {
	return &Counter{Recipe: Recipe{Client: client, BasePath: path}}
}

// NewFloatCounter builds a floating-point counter stored at path.
func NewFloatCounter(client *zk.Client, path string) *Counter {
	return &Counter{Recipe: Recipe{Client: client, BasePath: path}, useFloat: true}
}

func (c *Counter) encode(v float64) []byte {
	if c.useFloat {
		return []byte(strconv.FormatFloat(v, 'f', -1, 64))
	}
	return []byte(strconv.FormatInt(int64(v), 10))
}

func (c *Counter) decode(data []byte) (float64, error) {
	if len(data) == 0 {
		return 0, nil
	}
	v, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return 0, errors.Wrapf(err, "malformed counter value %q", data)
	}
	return v, nil
}

// Start creates the counter znode with its default value if it does not
// exist yet, then records the current value and version.
func (c *Counter) Start(ctx context.Context) error {
	_, err := c.Client.Create(ctx, c.BasePath, c.encode(0), nil, 0)
	if err != nil && !errdefs.IsNodeExists(err) {
		if !errdefs.IsNoNode(err) {
			return err
		}
		if err := c.ensurePath(ctx); err != nil && !errdefs.IsNodeExists(err) {
			return err
		}
		if _, err := c.Client.Create(ctx, c.BasePath, c.encode(0), nil, 0); err != nil && !errdefs.IsNodeExists(err) {
			return err
		}
	}

	_, err = c.GetValue(ctx)
	return err
}

// GetValue round-trips the current value.
func (c *Counter) GetValue(ctx context.Context) (float64, error) {
	data, stat, err := c.Client.Get(ctx, c.BasePath)
	if err != nil {
		return 0, err
	}
	v, err := c.decode(data)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.value = v
	c.version = stat.Version
	c.mu.Unlock()
	return v, nil
}

// SetValue overwrites the counter. Unless force is set the write is
// guarded by the last seen version.
func (c *Counter) SetValue(ctx context.Context, v float64, force bool) error {
	version := int32(-1)
	if !force {
		c.mu.Lock()
		version = c.version
		c.mu.Unlock()
	}
	stat, err := c.Client.Set(ctx, c.BasePath, c.encode(v), version)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.value = v
	c.version = stat.Version
	c.mu.Unlock()
	return nil
}

// Apply runs op against the current value under a compare-and-set loop,
// refetching on every version mismatch until the write lands.
func (c *Counter) Apply(ctx context.Context, op func(float64) float64) (float64, error) {
	for {
		c.mu.Lock()
		current := c.value
		version := c.version
		c.mu.Unlock()

		next := op(current)
		stat, err := c.Client.Set(ctx, c.BasePath, c.encode(next), version)
		if err == nil {
			c.mu.Lock()
			c.value = next
			c.version = stat.Version
			c.mu.Unlock()
			return next, nil
		}
		if !errdefs.IsBadVersion(err) {
			return 0, err
		}

		log.G(ctx).WithField("path", c.BasePath).Debug("counter version mismatch, refetching")
		if _, err := c.GetValue(ctx); err != nil {
			return 0, err
		}
	}
}

// Incr adds one to the counter.
func (c *Counter) Incr(ctx context.Context) (float64, error) {
	return c.Apply(ctx, func(v float64) float64 { return v + 1 })
}

// Decr subtracts one from the counter.
func (c *Counter) Decr(ctx context.Context) (float64, error) {
	return c.Apply(ctx, func(v float64) float64 { return v - 1 })
}
