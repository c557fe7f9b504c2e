package zk

import (
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/docker/go-events"

	"github.com/moby/zk/proto"
)

// WatchCallback is invoked with the normalized path a watch event fired
// for. Callbacks run off the connection's read loop on a per-registration
// delivery queue, so event order is preserved per (kind, path) and a slow
// callback cannot stall the wire.
type WatchCallback func(path string)

type watchKey struct {
	kind proto.EventType
	path string
}

// Watch is the registration handle returned when a callback is installed;
// it is the unit of deregistration.
type Watch struct {
	key   watchKey
	queue *events.Queue
}

type callbackSink struct {
	cb WatchCallback
}

func (s callbackSink) Write(ev events.Event) error {
	we, ok := ev.(*proto.WatchEvent)
	if !ok {
		return nil
	}
	s.cb(we.Path)
	return nil
}

func (callbackSink) Close() error { return nil }

// watchRegistry maps (event kind, normalized path) to the callbacks armed
// for it. The session consults it to re-arm server-side watches after a
// reconnect, so entries must outlive any one connection.
type watchRegistry struct {
	mu      sync.Mutex
	entries map[watchKey]map[*Watch]struct{}
}

func newWatchRegistry() *watchRegistry {
	return &watchRegistry{entries: make(map[watchKey]map[*Watch]struct{})}
}

func (r *watchRegistry) add(kind proto.EventType, path string, cb WatchCallback) *Watch {
	w := &Watch{
		key:   watchKey{kind: kind, path: path},
		queue: events.NewQueue(callbackSink{cb: cb}),
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.entries[w.key]
	if !ok {
		set = make(map[*Watch]struct{})
		r.entries[w.key] = set
	}
	set[w] = struct{}{}
	return w
}

func (r *watchRegistry) remove(w *Watch) {
	r.mu.Lock()
	set, ok := r.entries[w.key]
	if ok {
		delete(set, w)
		if len(set) == 0 {
			delete(r.entries, w.key)
		}
	}
	r.mu.Unlock()
	if ok {
		w.queue.Close()
	}
}

// dispatch routes a znode event to every callback armed for its kind and
// path.
func (r *watchRegistry) dispatch(ev *proto.WatchEvent) {
	key := watchKey{kind: ev.Type, path: ev.Path}
	r.mu.Lock()
	queues := make([]*events.Queue, 0, len(r.entries[key]))
	for w := range r.entries[key] {
		queues = append(queues, w.queue)
	}
	r.mu.Unlock()

	for _, q := range queues {
		q.Write(ev)
	}
}

// partition splits the registered paths by watch kind for a
// SetWatchesRequest. Watches on creation are re-registered as exist
// watches; deletion watches ride the data watch list, matching server
// semantics.
func (r *watchRegistry) partition() (data, exist, child []string) {
	dataSet := mapset.NewThreadUnsafeSet[string]()
	existSet := mapset.NewThreadUnsafeSet[string]()
	childSet := mapset.NewThreadUnsafeSet[string]()

	r.mu.Lock()
	for key := range r.entries {
		switch key.kind {
		case proto.EventCreated:
			existSet.Add(key.path)
		case proto.EventDataChanged, proto.EventDeleted:
			dataSet.Add(key.path)
		case proto.EventChildrenChanged:
			childSet.Add(key.path)
		}
	}
	r.mu.Unlock()

	return dataSet.ToSlice(), existSet.ToSlice(), childSet.ToSlice()
}

// removeAll drops every callback registered for one kind and path.
func (r *watchRegistry) removeAll(kind proto.EventType, path string) {
	key := watchKey{kind: kind, path: path}
	r.mu.Lock()
	set := r.entries[key]
	delete(r.entries, key)
	r.mu.Unlock()
	for w := range set {
		w.queue.Close()
	}
}

func (r *watchRegistry) empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries) == 0
}
