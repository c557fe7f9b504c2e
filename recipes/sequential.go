package recipes

import (
	"context"
	"encoding/hex"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/containerd/log"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/moby/zk"
	"github.com/moby/zk/errdefs"
	"github.com/moby/zk/proto"
	"github.com/moby/zk/retry"
)

// sequentialRe admits only siblings carrying the server-assigned 10-digit
// sequence suffix.
var sequentialRe = regexp.MustCompile(`.*[0-9]{10}$`)

// SequentialRecipe manages ephemeral-sequential znodes named
// "<label>-<guid>-<sequence>". The guid identifies this recipe instance
// among its siblings; the sequence suffix defines the total order the
// lock-like recipes queue on. At most one znode per label is tracked per
// instance.
type SequentialRecipe struct {
	Recipe
	guid string

	mu         sync.Mutex
	ownedPaths map[string]string
}

func newSequentialRecipe(client *zk.Client, basePath string) SequentialRecipe {
	id := uuid.New()
	return SequentialRecipe{
		Recipe:     Recipe{Client: client, BasePath: basePath},
		guid:       hex.EncodeToString(id[:]),
		ownedPaths: make(map[string]string),
	}
}

func (s *SequentialRecipe) siblingPath(name string) string {
	return s.BasePath + "/" + name
}

func sequenceNumber(sibling string) int {
	n, _ := strconv.Atoi(sibling[len(sibling)-10:])
	return n
}

// znodeLabel recovers the label from "<label>-<guid>-<sequence>"; labels
// may themselves contain dashes.
func znodeLabel(sibling string) string {
	parts := strings.Split(sibling, "-")
	if len(parts) <= 2 {
		return sibling
	}
	return strings.Join(parts[:len(parts)-2], "-")
}

// OwnedPath reports the live znode tracked for a label, if any.
func (s *SequentialRecipe) OwnedPath(label string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path, ok := s.ownedPaths[label]
	return path, ok
}

// CreateUniqueZnode creates the ephemeral-sequential znode for a label
// and tracks the server-assigned path. A missing base path is created
// and the create retried once. If the response is lost in transit the
// znode may exist server-side anyway; a garbage-collection sweep is
// scheduled to reap any stray carrying this instance's guid.
func (s *SequentialRecipe) CreateUniqueZnode(ctx context.Context, label string, data []byte) error {
	if strings.Contains(label, "/") {
		return errors.Errorf("invalid znode label %q", label)
	}

	s.mu.Lock()
	owned, tracked := s.ownedPaths[label]
	s.mu.Unlock()
	if tracked {
		if exists, err := s.Client.Exists(ctx, owned); err == nil && exists {
			return errdefs.ErrNodeExists
		}
	}

	path := s.siblingPath(label + "-" + s.guid + "-")
	flags := proto.FlagEphemeral | proto.FlagSequential

	created, err := s.Client.Create(ctx, path, data, nil, flags)
	if errdefs.IsNoNode(err) {
		if err := s.ensurePath(ctx); err != nil && !errdefs.IsNodeExists(err) {
			return err
		}
		created, err = s.Client.Create(ctx, path, data, nil, flags)
	}
	if err != nil {
		if !errdefs.IsDataError(err) {
			s.scheduleGC(label)
		}
		return err
	}

	s.mu.Lock()
	s.ownedPaths[label] = created
	s.mu.Unlock()
	return nil
}

// DeleteUniqueZnode removes the tracked znode for a label. A znode that
// is already gone is not an error; either way the label is untracked.
func (s *SequentialRecipe) DeleteUniqueZnode(ctx context.Context, label string) error {
	s.mu.Lock()
	path, ok := s.ownedPaths[label]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	err := s.Client.Delete(ctx, path, true)
	if err != nil && !errdefs.IsNoNode(err) {
		return err
	}

	s.mu.Lock()
	delete(s.ownedPaths, label)
	s.mu.Unlock()
	return nil
}

// ownedLabels reports how many labels currently track a znode.
func (s *SequentialRecipe) ownedLabels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ownedPaths)
}

// AnalyzeSiblings lists the sequential siblings under the base path in
// sequence order and locates this instance's znodes among them by guid.
func (s *SequentialRecipe) AnalyzeSiblings(ctx context.Context) (map[string]int, []string, error) {
	children, err := s.Client.GetChildren(ctx, s.BasePath)
	if err != nil {
		return nil, nil, err
	}

	siblings := children[:0:0]
	for _, name := range children {
		if sequentialRe.MatchString(name) {
			siblings = append(siblings, name)
		}
	}
	sort.Slice(siblings, func(i, j int) bool {
		return sequenceNumber(siblings[i]) < sequenceNumber(siblings[j])
	})

	owned := make(map[string]int)
	for i, name := range siblings {
		if strings.Contains(name, s.guid) {
			owned[znodeLabel(name)] = i
		}
	}
	return owned, siblings, nil
}

// WaitOnSibling blocks until the named sibling is deleted, bounding the
// wait by the deadline. A sibling that is already gone resolves
// immediately.
func (s *SequentialRecipe) WaitOnSibling(ctx context.Context, sibling string, dl zk.Deadline) error {
	log.G(ctx).WithField("sibling", sibling).Debug("waiting on sibling")

	path := s.siblingPath(sibling)
	waiter := s.Client.WaitForEvents(path, proto.EventDeleted)

	exists, err := s.Client.ExistsW(ctx, path)
	if err != nil {
		waiter.Cancel()
		return err
	}
	if !exists {
		waiter.Cancel()
		return nil
	}

	return awaitEvent(ctx, s.Client, waiter, dl)
}

// scheduleGC sweeps the base path for znodes carrying this instance's
// guid and label that are not the tracked owned path, deleting them once
// the session is connected. The sweep backs off between attempts and
// gives up after a handful of failures.
func (s *SequentialRecipe) scheduleGC(label string) {
	go func() {
		ctx := context.Background()
		tracker := retry.ExponentialBackoff(2, 60*time.Second).Track(s.Client.Clock())

		for attempt := 0; attempt < 10; attempt++ {
			if err := tracker.Enforce(ctx); err != nil {
				return
			}
			if err := s.Client.WaitForStates(ctx, zk.StateConnected); err != nil {
				return
			}
			if err := s.collectGarbage(ctx, label); err != nil {
				log.G(ctx).WithError(err).Debug("znode garbage sweep failed, retrying")
				continue
			}
			return
		}
	}()
}

func (s *SequentialRecipe) collectGarbage(ctx context.Context, label string) error {
	children, err := s.Client.GetChildren(ctx, s.BasePath)
	if err != nil {
		if errdefs.IsNoNode(err) {
			return nil
		}
		return err
	}

	s.mu.Lock()
	owned := s.ownedPaths[label]
	s.mu.Unlock()

	for _, name := range children {
		if !sequentialRe.MatchString(name) || !strings.Contains(name, s.guid) {
			continue
		}
		if znodeLabel(name) != label {
			continue
		}
		path := s.siblingPath(name)
		if path == owned {
			continue
		}
		log.G(ctx).WithField("path", path).Info("reaping stray znode")
		if err := s.Client.Delete(ctx, path, true); err != nil && !errdefs.IsNoNode(err) {
			return err
		}
	}
	return nil
}
