package zk

import (
	"time"

	"code.cloudfoundry.org/clock"

	"github.com/moby/zk/proto"
	"github.com/moby/zk/retry"
)

const defaultSessionTimeout = 10 * time.Second

// Options configures a Client. The zero value is completed with defaults
// by New; construction is by functional options.
type Options struct {
	// Chroot is prefixed to every user-supplied path.
	Chroot string

	// SessionTimeout is the timeout proposed during the handshake. The
	// server may negotiate it down; the negotiated value drives
	// heartbeats and reconnect deadlines.
	SessionTimeout time.Duration

	// DefaultACL applies to creates that pass no ACL of their own.
	DefaultACL []proto.ACL

	// RetryPolicy governs how often a suspended operation is retried.
	RetryPolicy retry.Policy

	// AllowReadOnly lets read operations proceed against a read-only
	// server while the ensemble has no quorum.
	AllowReadOnly bool

	// ReadTimeout bounds each payload read off the socket.
	ReadTimeout time.Duration

	// Clock is the time source for heartbeats, retries and deadlines.
	Clock clock.Clock
}

type Option func(*Options)

func WithChroot(chroot string) Option {
	return func(o *Options) { o.Chroot = chroot }
}

func WithSessionTimeout(d time.Duration) Option {
	return func(o *Options) { o.SessionTimeout = d }
}

func WithDefaultACL(acl []proto.ACL) Option {
	return func(o *Options) { o.DefaultACL = acl }
}

func WithRetryPolicy(p retry.Policy) Option {
	return func(o *Options) { o.RetryPolicy = p }
}

func WithAllowReadOnly(allow bool) Option {
	return func(o *Options) { o.AllowReadOnly = allow }
}

func WithReadTimeout(d time.Duration) Option {
	return func(o *Options) { o.ReadTimeout = d }
}

func WithClock(c clock.Clock) Option {
	return func(o *Options) { o.Clock = c }
}

func defaultOptions() Options {
	return Options{
		SessionTimeout: defaultSessionTimeout,
		DefaultACL:     proto.UnrestrictedAccess,
		RetryPolicy:    retry.Forever(),
		ReadTimeout:    defaultReadTimeout,
		Clock:          clock.NewClock(),
	}
}
