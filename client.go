package zk

import (
	"context"
	"strings"
	"sync"

	"code.cloudfoundry.org/clock"
	metrics "github.com/docker/go-metrics"
	"github.com/pkg/errors"
	"resenje.org/singleflight"

	"github.com/moby/zk/errdefs"
	"github.com/moby/zk/proto"
)

// Client is the typed facade over a session: it normalizes paths under
// the configured chroot, wraps each operation in its request message and
// keeps an advisory stat cache for optimistic version checks.
type Client struct {
	session    *session
	clock      clock.Clock
	chroot     string
	defaultACL []proto.ACL

	statMu    sync.RWMutex
	statCache map[string]proto.Stat

	ensureGroup singleflight.Group[string, struct{}]
}

// New builds a client for a comma-separated ensemble list. The client
// does nothing until Start is called.
func New(servers string, opts ...Option) (*Client, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	hosts, err := parseServers(servers)
	if err != nil {
		return nil, err
	}

	c := &Client{
		clock:      options.Clock,
		defaultACL: options.DefaultACL,
		statCache:  make(map[string]proto.Stat),
	}
	if options.Chroot != "" {
		c.chroot = normalize("", options.Chroot)
	}
	c.session = newSession(hosts, options.SessionTimeout, options.RetryPolicy, options.AllowReadOnly, options.ReadTimeout, options.Clock)
	return c, nil
}

// normalize joins chroot and path and collapses empty segments; the root
// is "/".
func normalize(chroot, path string) string {
	if chroot != "" {
		path = chroot + "/" + path
	}
	var names []string
	for _, name := range strings.Split(path, "/") {
		if name != "" {
			names = append(names, name)
		}
	}
	return "/" + strings.Join(names, "/")
}

func (c *Client) normalizePath(path string) string {
	return normalize(c.chroot, path)
}

func (c *Client) denormalizePath(path string) string {
	if c.chroot != "" && strings.HasPrefix(path, c.chroot) {
		path = path[len(c.chroot):]
	}
	return path
}

// Start connects the session and, when a chroot is configured, makes
// sure it exists.
func (c *Client) Start(ctx context.Context) error {
	if err := c.session.start(ctx); err != nil {
		return err
	}
	if c.chroot != "" {
		return c.EnsurePath(ctx, "/")
	}
	return nil
}

// Close shuts the session down. Outstanding operations fail and every
// ephemeral owned by the session is released by the server.
func (c *Client) Close(ctx context.Context) error {
	return c.session.close(ctx)
}

// Clock exposes the client's time source so recipes built on top share
// the same (possibly fake) clock.
func (c *Client) Clock() clock.Clock {
	return c.clock
}

// State reports the current session state.
func (c *Client) State() State {
	return c.session.state.Current()
}

// WaitForStates blocks until the session enters one of the given states.
func (c *Client) WaitForStates(ctx context.Context, states ...State) error {
	return c.session.state.WaitFor(ctx, states...)
}

// Features reports the capabilities of the currently attached server.
func (c *Client) Features() Features {
	conn := c.session.currentConn()
	if conn == nil {
		return Features{}
	}
	return featuresForVersion(conn.versionInfo)
}

// send dispatches a request and maintains the stat cache: any response
// carrying a stat records it under the request's denormalized path.
func (c *Client) send(ctx context.Context, req proto.Request) (proto.Response, error) {
	done := metrics.StartTimer(opTimer)
	defer done()

	resp, err := c.session.send(ctx, req)
	if err != nil {
		return nil, err
	}

	if pathed, ok := req.(proto.Pathed); ok {
		if bearer, ok := resp.(proto.StatBearer); ok {
			c.statMu.Lock()
			c.statCache[c.denormalizePath(pathed.RequestPath())] = bearer.ZnodeStat()
			c.statMu.Unlock()
		}
	}
	return resp, nil
}

// cachedVersion returns the stat-cache version for a normalized path, or
// the wildcard -1. The cache is advisory only.
func (c *Client) cachedVersion(path string) int32 {
	c.statMu.RLock()
	defer c.statMu.RUnlock()
	if stat, ok := c.statCache[c.denormalizePath(path)]; ok {
		return stat.Version
	}
	return -1
}

// CachedStat returns the last stat observed for a path, if any.
func (c *Client) CachedStat(path string) (proto.Stat, bool) {
	c.statMu.RLock()
	defer c.statMu.RUnlock()
	stat, ok := c.statCache[path]
	return stat, ok
}

// Exists reports whether a znode exists.
func (c *Client) Exists(ctx context.Context, path string) (bool, error) {
	return c.exists(ctx, path, false)
}

// ExistsW is Exists with a server-side watch armed for the path: a
// creation, deletion or data change fires it once.
func (c *Client) ExistsW(ctx context.Context, path string) (bool, error) {
	return c.exists(ctx, path, true)
}

func (c *Client) exists(ctx context.Context, path string, watch bool) (bool, error) {
	_, err := c.send(ctx, &proto.ExistsRequest{Path: c.normalizePath(path), Watch: watch})
	if errdefs.IsNoNode(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Create makes a znode and returns its denormalized path, which differs
// from the requested one for sequential nodes. The create2 variant is
// used when the server supports it so the stat cache warms immediately.
func (c *Client) Create(ctx context.Context, path string, data []byte, acl []proto.ACL, flags proto.CreateFlags) (string, error) {
	if flags.Container() && !c.Features().Containers {
		return "", errors.Wrap(errdefs.ErrInvalidClientState, "cannot create container, feature unavailable")
	}
	if len(acl) == 0 {
		acl = c.defaultACL
	}
	normalized := c.normalizePath(path)

	if c.Features().CreateWithStat {
		resp, err := c.send(ctx, &proto.Create2Request{Path: normalized, Data: data, ACL: acl, Flags: flags})
		if err != nil {
			return "", err
		}
		return c.denormalizePath(resp.(*proto.Create2Response).Path), nil
	}

	resp, err := c.send(ctx, &proto.CreateRequest{Path: normalized, Data: data, ACL: acl, Flags: flags})
	if err != nil {
		return "", err
	}
	return c.denormalizePath(resp.(*proto.CreateResponse).Path), nil
}

// EnsurePath creates every missing ancestor of path, using container
// nodes when the server has them. Concurrent calls for the same prefix
// are collapsed.
func (c *Client) EnsurePath(ctx context.Context, path string) error {
	normalized := c.normalizePath(path)

	var flags proto.CreateFlags
	if c.Features().Containers {
		flags = proto.FlagContainer
	}

	prefix := ""
	for _, segment := range strings.Split(normalized[1:], "/") {
		if segment == "" {
			continue
		}
		prefix = prefix + "/" + segment
		target := prefix
		_, _, err := c.ensureGroup.Do(ctx, target, func(ctx context.Context) (struct{}, error) {
			err := c.createRaw(ctx, target, nil, c.defaultACL, flags)
			if errdefs.IsNodeExists(err) {
				return struct{}{}, nil
			}
			return struct{}{}, err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// createRaw issues a create against an already-normalized path.
func (c *Client) createRaw(ctx context.Context, path string, data []byte, acl []proto.ACL, flags proto.CreateFlags) error {
	if c.Features().CreateWithStat {
		_, err := c.send(ctx, &proto.Create2Request{Path: path, Data: data, ACL: acl, Flags: flags})
		return err
	}
	_, err := c.send(ctx, &proto.CreateRequest{Path: path, Data: data, ACL: acl, Flags: flags})
	return err
}

// Delete removes a znode. Unless force is set, the version from the stat
// cache guards against concurrent modification.
func (c *Client) Delete(ctx context.Context, path string, force bool) error {
	normalized := c.normalizePath(path)
	version := int32(-1)
	if !force {
		version = c.cachedVersion(normalized)
	}
	_, err := c.send(ctx, &proto.DeleteRequest{Path: normalized, Version: version})
	return err
}

// DeleteAll removes a subtree depth-first, children before parents.
func (c *Client) DeleteAll(ctx context.Context, path string) error {
	children, err := c.GetChildren(ctx, path)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := c.DeleteAll(ctx, path+"/"+child); err != nil {
			return err
		}
	}
	return c.Delete(ctx, path, true)
}

// Get returns a znode's data and stat.
func (c *Client) Get(ctx context.Context, path string) ([]byte, proto.Stat, error) {
	return c.get(ctx, path, false)
}

// GetW is Get with a server-side data watch armed for the path.
func (c *Client) GetW(ctx context.Context, path string) ([]byte, proto.Stat, error) {
	return c.get(ctx, path, true)
}

func (c *Client) get(ctx context.Context, path string, watch bool) ([]byte, proto.Stat, error) {
	resp, err := c.send(ctx, &proto.GetDataRequest{Path: c.normalizePath(path), Watch: watch})
	if err != nil {
		return nil, proto.Stat{}, err
	}
	r := resp.(*proto.GetDataResponse)
	return r.Data, r.Stat, nil
}

// GetData returns just the data portion of a znode.
func (c *Client) GetData(ctx context.Context, path string) ([]byte, error) {
	data, _, err := c.Get(ctx, path)
	return data, err
}

// Set writes data at an explicit version, surfacing optimistic
// concurrency failures directly.
func (c *Client) Set(ctx context.Context, path string, data []byte, version int32) (proto.Stat, error) {
	resp, err := c.send(ctx, &proto.SetDataRequest{Path: c.normalizePath(path), Data: data, Version: version})
	if err != nil {
		return proto.Stat{}, err
	}
	return resp.(*proto.SetDataResponse).Stat, nil
}

// SetData writes data guarded by the cached version unless force is set.
func (c *Client) SetData(ctx context.Context, path string, data []byte, force bool) error {
	normalized := c.normalizePath(path)
	version := int32(-1)
	if !force {
		version = c.cachedVersion(normalized)
	}
	_, err := c.send(ctx, &proto.SetDataRequest{Path: normalized, Data: data, Version: version})
	return err
}

// GetChildren lists a znode's children.
func (c *Client) GetChildren(ctx context.Context, path string) ([]string, error) {
	return c.getChildren(ctx, path, false)
}

// GetChildrenW is GetChildren with a child watch armed for the path.
func (c *Client) GetChildrenW(ctx context.Context, path string) ([]string, error) {
	return c.getChildren(ctx, path, true)
}

func (c *Client) getChildren(ctx context.Context, path string, watch bool) ([]string, error) {
	resp, err := c.send(ctx, &proto.GetChildren2Request{Path: c.normalizePath(path), Watch: watch})
	if err != nil {
		return nil, err
	}
	return resp.(*proto.GetChildren2Response).Children, nil
}

// GetACL returns a znode's access control list.
func (c *Client) GetACL(ctx context.Context, path string) ([]proto.ACL, error) {
	resp, err := c.send(ctx, &proto.GetACLRequest{Path: c.normalizePath(path)})
	if err != nil {
		return nil, err
	}
	return resp.(*proto.GetACLResponse).ACL, nil
}

// SetACL replaces a znode's access control list, guarded by the cached
// ACL version unless force is set.
func (c *Client) SetACL(ctx context.Context, path string, acl []proto.ACL, force bool) error {
	normalized := c.normalizePath(path)
	version := int32(-1)
	if !force {
		c.statMu.RLock()
		if stat, ok := c.statCache[c.denormalizePath(normalized)]; ok {
			version = stat.ACLVersion
		}
		c.statMu.RUnlock()
	}
	_, err := c.send(ctx, &proto.SetACLRequest{Path: normalized, ACL: acl, Version: version})
	return err
}

// Sync flushes the leader-to-follower channel for a path, so a
// subsequent read observes every write that preceded the sync.
func (c *Client) Sync(ctx context.Context, path string) error {
	_, err := c.send(ctx, &proto.SyncRequest{Path: c.normalizePath(path)})
	return err
}

// AddAuth submits credentials for a scheme on the current session.
func (c *Client) AddAuth(ctx context.Context, scheme string, auth []byte) error {
	_, err := c.send(ctx, &proto.AuthRequest{Scheme: scheme, Auth: auth})
	return err
}

// RemoveWatches drops the server-side watches of one kind from a path
// and prunes matching local callbacks.
func (c *Client) RemoveWatches(ctx context.Context, path string, kind proto.EventType) error {
	normalized := c.normalizePath(path)
	_, err := c.send(ctx, &proto.RemoveWatchesRequest{Path: normalized, Type: int32(kind)})
	if err != nil {
		return err
	}
	c.session.watches.removeAll(kind, normalized)
	return nil
}

// Reconfig changes ensemble membership on servers that support it.
func (c *Client) Reconfig(ctx context.Context, joining, leaving, members string, configID int64) (proto.Stat, error) {
	if !c.Features().Reconfigure {
		return proto.Stat{}, errors.Wrap(errdefs.ErrInvalidClientState, "reconfigure unavailable")
	}
	resp, err := c.send(ctx, &proto.ReconfigRequest{
		JoiningServers:  joining,
		LeavingServers:  leaving,
		NewMembers:      members,
		CurrentConfigID: configID,
	})
	if err != nil {
		return proto.Stat{}, err
	}
	return resp.(*proto.ReconfigResponse).Stat, nil
}

// EventWaiter is a one-shot completion for watch events. It resolves the
// first time any of its kinds fires for the path and then deregisters
// itself.
type EventWaiter struct {
	client  *Client
	done    chan struct{}
	once    sync.Once
	watches []*Watch
}

// WaitForEvents arms a one-shot waiter for any of the given event kinds
// on a path. Arm the waiter before issuing the operation that sets the
// server-side watch, or the event can slip by unobserved.
func (c *Client) WaitForEvents(path string, kinds ...proto.EventType) *EventWaiter {
	normalized := c.normalizePath(path)
	w := &EventWaiter{client: c, done: make(chan struct{})}
	cb := func(string) { w.fire() }
	for _, kind := range kinds {
		w.watches = append(w.watches, c.session.addWatchCallback(kind, normalized, cb))
	}
	return w
}

func (w *EventWaiter) fire() {
	w.once.Do(func() {
		close(w.done)
		go w.release()
	})
}

func (w *EventWaiter) release() {
	for _, watch := range w.watches {
		w.client.session.removeWatchCallback(watch)
	}
}

// Done is closed once an armed event fires or the waiter is cancelled.
func (w *EventWaiter) Done() <-chan struct{} {
	return w.done
}

// Wait blocks for the event, honouring ctx.
func (w *EventWaiter) Wait(ctx context.Context) error {
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel resolves and deregisters the waiter without an event.
func (w *EventWaiter) Cancel() {
	w.fire()
}

// WatchData arms cb for data changes on a path; the caller still issues
// the fetch that sets the server-side watch.
func (c *Client) WatchData(path string, cb WatchCallback) *Watch {
	return c.session.addWatchCallback(proto.EventDataChanged, c.normalizePath(path), cb)
}

// WatchChildren arms cb for child changes on a path.
func (c *Client) WatchChildren(path string, cb WatchCallback) *Watch {
	return c.session.addWatchCallback(proto.EventChildrenChanged, c.normalizePath(path), cb)
}

// Unwatch removes a callback registration.
func (c *Client) Unwatch(w *Watch) {
	c.session.removeWatchCallback(w)
}
