package recipes

import (
	"context"
	"sync"

	"github.com/containerd/log"
	"github.com/moby/locker"

	"github.com/moby/zk"
	"github.com/moby/zk/errdefs"
	"github.com/moby/zk/proto"
)

// watcherCore runs one fetch loop per watched path: fetch with the
// server-side watch armed, hand the result to every callback, park until
// the watched event fires, fetch again. The loop ends when the last
// callback for the path is removed or the node disappears on a watcher
// not configured to wait for creation.
type watcherCore struct {
	client          *zk.Client
	kinds           []proto.EventType
	waitForCreation bool
	fetch           func(ctx context.Context, path string) (interface{}, error)

	loops *locker.Locker

	mu        sync.Mutex
	callbacks map[string]map[int64]func(interface{}, error)
	nextID    int64
}

func newWatcherCore(client *zk.Client, kinds []proto.EventType, fetch func(context.Context, string) (interface{}, error)) watcherCore {
	return watcherCore{
		client:    client,
		kinds:     kinds,
		fetch:     fetch,
		loops:     locker.New(),
		callbacks: make(map[string]map[int64]func(interface{}, error)),
	}
}

// addCallback registers cb for a path and returns its registration id.
// The first callback on a path starts that path's fetch loop.
func (w *watcherCore) addCallback(path string, cb func(interface{}, error)) int64 {
	w.mu.Lock()
	w.nextID++
	id := w.nextID
	set, ok := w.callbacks[path]
	if !ok {
		set = make(map[int64]func(interface{}, error))
		w.callbacks[path] = set
	}
	set[id] = cb
	first := len(set) == 1
	w.mu.Unlock()

	if first {
		go w.watchLoop(path)
	}
	return id
}

// removeCallback drops a registration. The fetch loop notices an empty
// callback set on its next wake-up and winds down.
func (w *watcherCore) removeCallback(path string, id int64) {
	w.mu.Lock()
	if set, ok := w.callbacks[path]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(w.callbacks, path)
		}
	}
	w.mu.Unlock()
}

func (w *watcherCore) snapshot(path string) []func(interface{}, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	set := w.callbacks[path]
	cbs := make([]func(interface{}, error), 0, len(set))
	for _, cb := range set {
		cbs = append(cbs, cb)
	}
	return cbs
}

func (w *watcherCore) watchLoop(path string) {
	ctx := context.Background()

	// One loop per path; a stale loop draining out holds the name until
	// it is done.
	w.loops.Lock(path)
	defer w.loops.Unlock(path)

	for {
		cbs := w.snapshot(path)
		if len(cbs) == 0 {
			return
		}

		kinds := w.kinds
		if w.waitForCreation {
			kinds = append(append([]proto.EventType(nil), kinds...), proto.EventCreated)
		}
		waiter := w.client.WaitForEvents(path, kinds...)

		result, err := w.fetch(ctx, path)
		switch {
		case errdefs.IsNoNode(err):
			if !w.waitForCreation {
				for _, cb := range cbs {
					cb(nil, errdefs.ErrNoNode)
				}
				waiter.Cancel()
				return
			}
			if _, werr := w.client.ExistsW(ctx, path); werr != nil {
				log.G(ctx).WithError(werr).WithField("path", path).Warn("watcher could not arm creation watch")
				waiter.Cancel()
				return
			}
		case err != nil:
			log.G(ctx).WithError(err).WithField("path", path).Warn("watcher fetch failed")
			for _, cb := range cbs {
				cb(nil, err)
			}
			waiter.Cancel()
			return
		default:
			for _, cb := range cbs {
				cb(result, nil)
			}
		}

		if err := waiter.Wait(ctx); err != nil {
			return
		}
	}
}

// DataWatcher delivers a znode's data to callbacks every time it
// changes. A vanished node is reported as ErrNoNode.
type DataWatcher struct {
	core watcherCore
}

func NewDataWatcher(client *zk.Client) *DataWatcher {
	w := &DataWatcher{}
	w.core = newWatcherCore(client, []proto.EventType{proto.EventDataChanged, proto.EventDeleted}, func(ctx context.Context, path string) (interface{}, error) {
		data, _, err := client.GetW(ctx, path)
		if err != nil {
			return nil, err
		}
		return data, nil
	})
	return w
}

func (w *DataWatcher) AddCallback(path string, cb func(data []byte, err error)) int64 {
	return w.core.addCallback(path, func(v interface{}, err error) {
		if v == nil {
			cb(nil, err)
			return
		}
		cb(v.([]byte), err)
	})
}

func (w *DataWatcher) RemoveCallback(path string, id int64) {
	w.core.removeCallback(path, id)
}

// ChildrenWatcher delivers a znode's child list to callbacks every time
// it changes.
type ChildrenWatcher struct {
	core watcherCore
}

func NewChildrenWatcher(client *zk.Client) *ChildrenWatcher {
	w := &ChildrenWatcher{}
	w.core = newWatcherCore(client, []proto.EventType{proto.EventChildrenChanged, proto.EventDeleted}, func(ctx context.Context, path string) (interface{}, error) {
		children, err := client.GetChildrenW(ctx, path)
		if err != nil {
			return nil, err
		}
		return children, nil
	})
	return w
}

func (w *ChildrenWatcher) AddCallback(path string, cb func(children []string, err error)) int64 {
	return w.core.addCallback(path, func(v interface{}, err error) {
		if v == nil {
			cb(nil, err)
			return
		}
		cb(v.([]string), err)
	})
}

func (w *ChildrenWatcher) RemoveCallback(path string, id int64) {
	w.core.removeCallback(path, id)
}
