package recipes

import (
	"context"
	"sync"

	"github.com/moby/zk"
)

// Party is a named ephemeral membership list: each member parks a
// sequential znode under the base path and a children watcher keeps a
// local view of who is present. Observers can await the next membership
// change.
type Party struct {
	SequentialRecipe
	name    string
	watcher *ChildrenWatcher

	mu       sync.Mutex
	members  []string
	changeCh chan struct{}
	cbID     int64
	joined   bool
}

func NewParty(client *zk.Client, basePath, name string) *Party {
	return &Party{
		SequentialRecipe: newSequentialRecipe(client, basePath),
		name:             name,
		watcher:          NewChildrenWatcher(client),
		changeCh:         make(chan struct{}),
	}
}

// Join enters the party and starts tracking membership.
func (p *Party) Join(ctx context.Context) error {
	if err := p.CreateUniqueZnode(ctx, p.name, nil); err != nil {
		return err
	}

	_, siblings, err := p.AnalyzeSiblings(ctx)
	if err != nil {
		return err
	}
	p.updateMembers(siblings)

	p.mu.Lock()
	p.joined = true
	p.mu.Unlock()
	p.cbID = p.watcher.AddCallback(p.BasePath, func(children []string, err error) {
		if err != nil {
			return
		}
		p.updateMembers(children)
	})
	return nil
}

func (p *Party) updateMembers(siblings []string) {
	members := make([]string, 0, len(siblings))
	for _, sibling := range siblings {
		if sequentialRe.MatchString(sibling) {
			members = append(members, znodeLabel(sibling))
		}
	}

	p.mu.Lock()
	p.members = members
	ch := p.changeCh
	p.changeCh = make(chan struct{})
	p.mu.Unlock()
	close(ch)
}

// Members returns the current view of the membership labels.
func (p *Party) Members() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.members))
	copy(out, p.members)
	return out
}

// WaitForChange blocks until the membership view next changes.
func (p *Party) WaitForChange(ctx context.Context) error {
	p.mu.Lock()
	ch := p.changeCh
	p.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Leave drops out of the party and stops tracking membership.
func (p *Party) Leave(ctx context.Context) error {
	p.mu.Lock()
	joined := p.joined
	p.joined = false
	p.mu.Unlock()
	if !joined {
		return nil
	}

	p.watcher.RemoveCallback(p.BasePath, p.cbID)
	return p.DeleteUniqueZnode(ctx, p.name)
}
