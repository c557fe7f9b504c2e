package recipes

import (
	"context"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/moby/zk"
)

// SharedLock is a reader/writer lock over one base path. Readers queue
// behind writers but not behind each other; writers queue behind
// everything ahead of them. It composes two Locks sharing the base path.
type SharedLock struct {
	read  *Lock
	write *Lock
}

func NewSharedLock(client *zk.Client, basePath string) *SharedLock {
	return &SharedLock{
		read:  newLock(client, basePath, "read", mapset.NewSet("write")),
		write: newLock(client, basePath, "write", nil),
	}
}

// AcquireRead takes the lock in shared mode: it is held once no writer
// sorts ahead in the queue.
func (l *SharedLock) AcquireRead(ctx context.Context, timeout time.Duration) error {
	return l.read.Acquire(ctx, timeout)
}

// AcquireWrite takes the lock exclusively.
func (l *SharedLock) AcquireWrite(ctx context.Context, timeout time.Duration) error {
	return l.write.Acquire(ctx, timeout)
}

func (l *SharedLock) ReleaseRead(ctx context.Context) error {
	return l.read.Release(ctx)
}

func (l *SharedLock) ReleaseWrite(ctx context.Context) error {
	return l.write.Release(ctx)
}

// ReadLost reports loss of the session under a held read lock.
func (l *SharedLock) ReadLost() <-chan struct{} {
	return l.read.Lost()
}

// WriteLost reports loss of the session under a held write lock.
func (l *SharedLock) WriteLost() <-chan struct{} {
	return l.write.Lost()
}
