package recipes

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/containerd/log"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"

	"github.com/moby/zk"
)

// AllocatorFunc distributes a set of items across the named members. The
// returned allocation must cover every item exactly once.
type AllocatorFunc func(members []string, items mapset.Set[string]) map[string]mapset.Set[string]

// RoundRobin deals items to members one at a time, aiming for even
// counts. Members and items are visited in sorted order so every member
// computes the same allocation.
func RoundRobin(members []string, items mapset.Set[string]) map[string]mapset.Set[string] {
	allocation := make(map[string]mapset.Set[string], len(members))
	for _, member := range members {
		allocation[member] = mapset.NewSet[string]()
	}
	if len(members) == 0 {
		return allocation
	}

	sorted := items.ToSlice()
	sort.Strings(sorted)
	ordered := append([]string(nil), members...)
	sort.Strings(ordered)

	for i, item := range sorted {
		allocation[ordered[i%len(ordered)]].Add(item)
	}
	return allocation
}

// Allocator assigns a shared, JSON-encoded item set across the members
// of a party. Every member watches both the membership and the item set
// and recomputes its own slice deterministically on any change.
type Allocator struct {
	Recipe
	name        string
	allocatorFn AllocatorFunc

	party       *Party
	lock        *Lock
	dataWatcher *DataWatcher

	mu         sync.Mutex
	active     bool
	fullSet    mapset.Set[string]
	allocation map[string]mapset.Set[string]
	dataCBID   int64
	monitorCtx context.CancelFunc
}

func NewAllocator(client *zk.Client, basePath, name string, fn AllocatorFunc) *Allocator {
	if fn == nil {
		fn = RoundRobin
	}
	a := &Allocator{
		Recipe:      Recipe{Client: client, BasePath: basePath},
		name:        name,
		allocatorFn: fn,
		fullSet:     mapset.NewSet[string](),
		allocation:  make(map[string]mapset.Set[string]),
	}
	a.party = NewParty(client, basePath+"/members", name)
	a.lock = NewLock(client, basePath+"/lock")
	a.dataWatcher = NewDataWatcher(client)
	return a
}

// Start joins the membership party and begins tracking the item set.
func (a *Allocator) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.active {
		a.mu.Unlock()
		return nil
	}
	a.active = true
	a.mu.Unlock()

	if err := a.ensurePath(ctx); err != nil {
		return err
	}
	if err := a.party.Join(ctx); err != nil {
		return err
	}

	a.dataCBID = a.dataWatcher.AddCallback(a.BasePath, a.handleDataChange)

	mctx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.monitorCtx = cancel
	a.mu.Unlock()
	go a.monitorMembers(mctx)
	return nil
}

// Update replaces the shared item set under the allocator's lock.
func (a *Allocator) Update(ctx context.Context, items []string) error {
	set := mapset.NewSet(items...)
	data, err := json.Marshal(set.ToSlice())
	if err != nil {
		return err
	}

	if err := a.lock.Acquire(ctx, 0); err != nil {
		return err
	}
	defer func() {
		if err := a.lock.Release(ctx); err != nil {
			log.G(ctx).WithError(err).Debug("allocator lock release failed")
		}
	}()

	return a.Client.SetData(ctx, a.BasePath, data, true)
}

// Add inserts one item into the shared set.
func (a *Allocator) Add(ctx context.Context, item string) error {
	a.mu.Lock()
	next := a.fullSet.Clone()
	a.mu.Unlock()
	next.Add(item)
	return a.Update(ctx, next.ToSlice())
}

// Remove deletes one item from the shared set.
func (a *Allocator) Remove(ctx context.Context, item string) error {
	a.mu.Lock()
	next := a.fullSet.Clone()
	a.mu.Unlock()
	next.Remove(item)
	return a.Update(ctx, next.ToSlice())
}

// Allocation returns the items currently assigned to this member.
func (a *Allocator) Allocation() mapset.Set[string] {
	a.mu.Lock()
	defer a.mu.Unlock()
	if set, ok := a.allocation[a.name]; ok {
		return set.Clone()
	}
	return mapset.NewSet[string]()
}

func (a *Allocator) monitorMembers(ctx context.Context) {
	for {
		if err := a.party.WaitForChange(ctx); err != nil {
			return
		}
		a.mu.Lock()
		active := a.active
		a.mu.Unlock()
		if !active {
			return
		}
		a.allocate()
	}
}

func (a *Allocator) handleDataChange(data []byte, err error) {
	if err != nil || data == nil {
		return
	}

	var items []string
	if err := json.Unmarshal(data, &items); err != nil {
		log.G(context.Background()).WithError(err).Warn("malformed allocation set")
		return
	}

	newSet := mapset.NewSet(items...)
	a.mu.Lock()
	same := a.fullSet.Equal(newSet)
	if !same {
		a.fullSet = newSet
	}
	a.mu.Unlock()
	if !same {
		a.allocate()
	}
}

func (a *Allocator) allocate() {
	members := a.party.Members()

	a.mu.Lock()
	fullSet := a.fullSet.Clone()
	a.mu.Unlock()

	allocation := a.allocatorFn(members, fullSet)
	if err := validateAllocation(fullSet, allocation); err != nil {
		log.G(context.Background()).WithError(err).Error("rejecting allocation")
		return
	}

	a.mu.Lock()
	a.allocation = allocation
	a.mu.Unlock()
}

// validateAllocation checks that no item is assigned twice and that the
// allocation covers exactly the full set.
func validateAllocation(full mapset.Set[string], allocation map[string]mapset.Set[string]) error {
	seen := mapset.NewSet[string]()
	total := 0
	for _, subset := range allocation {
		total += subset.Cardinality()
		seen = seen.Union(subset)
	}
	if seen.Cardinality() != total {
		return errors.New("duplicate items in allocation")
	}
	if seen.SymmetricDifference(full).Cardinality() != 0 {
		return errors.New("allocation does not cover the full set")
	}
	return nil
}

// Stop leaves the party and stops tracking changes.
func (a *Allocator) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.active {
		a.mu.Unlock()
		return nil
	}
	a.active = false
	cancel := a.monitorCtx
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	a.dataWatcher.RemoveCallback(a.BasePath, a.dataCBID)
	return a.party.Leave(ctx)
}
