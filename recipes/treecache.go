package recipes

import (
	"context"
	"sync"

	"github.com/containerd/log"
	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/sync/errgroup"

	"github.com/moby/zk"
)

// TreeCache mirrors the data and children of a whole subtree into
// memory, kept current by data and children watchers on every node.
type TreeCache struct {
	Recipe
	dataWatcher  *DataWatcher
	childWatcher *ChildrenWatcher

	mu   sync.Mutex
	root *znodeCache
}

func NewTreeCache(client *zk.Client, basePath string) *TreeCache {
	return &TreeCache{
		Recipe:       Recipe{Client: client, BasePath: basePath},
		dataWatcher:  NewDataWatcher(client),
		childWatcher: NewChildrenWatcher(client),
	}
}

// Start loads the subtree and installs the watchers that keep it fresh.
func (t *TreeCache) Start(ctx context.Context) error {
	log.G(ctx).WithField("path", t.BasePath).Debug("starting tree cache")

	if err := t.ensurePath(ctx); err != nil {
		return err
	}

	root := newZnodeCache(t.BasePath, t.Client, t.dataWatcher, t.childWatcher)
	if err := root.start(ctx); err != nil {
		return err
	}

	t.mu.Lock()
	t.root = root
	t.mu.Unlock()
	return nil
}

// Stop tears the watchers down. Cached data remains readable.
func (t *TreeCache) Stop() {
	t.mu.Lock()
	root := t.root
	t.mu.Unlock()
	if root != nil {
		root.stop()
	}
}

// AsMap projects the cached subtree: leaves map to their data, interior
// nodes to a map of child name to subtree.
func (t *TreeCache) AsMap() interface{} {
	t.mu.Lock()
	root := t.root
	t.mu.Unlock()
	if root == nil {
		return nil
	}
	return root.asMap()
}

// Get returns the cached data for a node given its child names below the
// cache root.
func (t *TreeCache) Get(names ...string) ([]byte, bool) {
	t.mu.Lock()
	node := t.root
	t.mu.Unlock()
	for _, name := range names {
		if node == nil {
			return nil, false
		}
		node = node.child(name)
	}
	if node == nil {
		return nil, false
	}
	return node.value(), true
}

// znodeCache is one cached node: its data plus its child subtrees.
type znodeCache struct {
	path         string
	client       *zk.Client
	dataWatcher  *DataWatcher
	childWatcher *ChildrenWatcher

	mu       sync.Mutex
	data     []byte
	missing  bool
	children map[string]*znodeCache
	dataCBID int64
	infoCBID int64
}

func newZnodeCache(path string, client *zk.Client, dw *DataWatcher, cw *ChildrenWatcher) *znodeCache {
	return &znodeCache{
		path:         path,
		client:       client,
		dataWatcher:  dw,
		childWatcher: cw,
		children:     make(map[string]*znodeCache),
	}
}

func (z *znodeCache) start(ctx context.Context) error {
	var (
		g        errgroup.Group
		data     []byte
		children []string
	)
	g.Go(func() error {
		var err error
		data, _, err = z.client.Get(ctx, z.path)
		return err
	})
	g.Go(func() error {
		var err error
		children, err = z.client.GetChildren(ctx, z.path)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	z.mu.Lock()
	z.data = data
	for _, name := range children {
		z.children[name] = newZnodeCache(z.path+"/"+name, z.client, z.dataWatcher, z.childWatcher)
	}
	kids := make([]*znodeCache, 0, len(z.children))
	for _, child := range z.children {
		kids = append(kids, child)
	}
	z.mu.Unlock()

	var cg errgroup.Group
	for _, child := range kids {
		cg.Go(func() error { return child.start(ctx) })
	}
	if err := cg.Wait(); err != nil {
		return err
	}

	z.dataCBID = z.dataWatcher.AddCallback(z.path, z.dataCallback)
	z.infoCBID = z.childWatcher.AddCallback(z.path, z.childCallback)
	return nil
}

func (z *znodeCache) stop() {
	z.dataWatcher.RemoveCallback(z.path, z.dataCBID)
	z.childWatcher.RemoveCallback(z.path, z.infoCBID)

	z.mu.Lock()
	kids := make([]*znodeCache, 0, len(z.children))
	for _, child := range z.children {
		kids = append(kids, child)
	}
	z.mu.Unlock()
	for _, child := range kids {
		child.stop()
	}
}

func (z *znodeCache) dataCallback(data []byte, err error) {
	z.mu.Lock()
	defer z.mu.Unlock()
	if err != nil {
		z.data = nil
		z.missing = true
		return
	}
	z.data = data
	z.missing = false
}

// childCallback diffs the new child list against the cached one:
// vanished subtrees are stopped and dropped, new ones are loaded in the
// background.
func (z *znodeCache) childCallback(children []string, err error) {
	if err != nil {
		return
	}

	newSet := mapset.NewThreadUnsafeSet(children...)

	z.mu.Lock()
	oldSet := mapset.NewThreadUnsafeSet[string]()
	for name := range z.children {
		oldSet.Add(name)
	}

	var removed []*znodeCache
	for name := range oldSet.Difference(newSet).Iter() {
		removed = append(removed, z.children[name])
		delete(z.children, name)
	}

	var added []*znodeCache
	for name := range newSet.Difference(oldSet).Iter() {
		child := newZnodeCache(z.path+"/"+name, z.client, z.dataWatcher, z.childWatcher)
		z.children[name] = child
		added = append(added, child)
	}
	z.mu.Unlock()

	for _, child := range removed {
		child.stop()
	}
	for _, child := range added {
		go func(child *znodeCache) {
			if err := child.start(context.Background()); err != nil {
				log.G(context.Background()).WithError(err).WithField("path", child.path).Warn("could not cache new child")
			}
		}(child)
	}
}

func (z *znodeCache) child(name string) *znodeCache {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.children[name]
}

func (z *znodeCache) value() []byte {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.data
}

func (z *znodeCache) asMap() interface{} {
	z.mu.Lock()
	defer z.mu.Unlock()
	if len(z.children) == 0 {
		return z.data
	}
	out := make(map[string]interface{}, len(z.children))
	for name, child := range z.children {
		out[name] = child.asMap()
	}
	return out
}
