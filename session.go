package zk

import (
	"context"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/containerd/log"
	"github.com/pkg/errors"

	"github.com/moby/zk/errdefs"
	"github.com/moby/zk/proto"
	"github.com/moby/zk/retry"
)

const (
	// DefaultPort is assumed for ensemble members listed without one.
	DefaultPort = 2181

	// maxFindWait caps the exponential backoff between server hunts.
	maxFindWait = 60 * time.Second

	// heartbeatFrequency is how many heartbeat intervals fit in one
	// session timeout.
	heartbeatFrequency = 3
)

// emptyPassword is the credential presented when no session is resumed.
var emptyPassword = make([]byte, 16)

type hostPort struct {
	host string
	port int
}

func (hp hostPort) String() string {
	return net.JoinHostPort(hp.host, strconv.Itoa(hp.port))
}

// parseServers splits a comma-separated endpoint list, filling in the
// default port. IPv6 literals use the bracketed form.
func parseServers(servers string) ([]hostPort, error) {
	var hosts []hostPort
	for _, server := range strings.Split(servers, ",") {
		server = strings.TrimSpace(server)
		if server == "" {
			continue
		}
		if strings.HasPrefix(server, "[") {
			host, portStr, err := net.SplitHostPort(server)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid server address %q", server)
			}
			port, err := strconv.Atoi(portStr)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid port in %q", server)
			}
			hosts = append(hosts, hostPort{host: host, port: port})
			continue
		}
		if i := strings.LastIndex(server, ":"); i >= 0 {
			port, err := strconv.Atoi(server[i+1:])
			if err != nil {
				return nil, errors.Wrapf(err, "invalid port in %q", server)
			}
			hosts = append(hosts, hostPort{host: server[:i], port: port})
			continue
		}
		hosts = append(hosts, hostPort{host: server, port: DefaultPort})
	}
	if len(hosts) == 0 {
		return nil, errdefs.ErrNoServers
	}
	return hosts, nil
}

// heartbeatHandle is one armed heartbeat. Re-arming cancels the previous
// handle first, so at most one heartbeat task is live at any time.
type heartbeatHandle struct {
	timer  clock.Timer
	cancel chan struct{}
}

// session owns the connection lifecycle: server selection, the handshake,
// the state machine, the repair loop, heartbeats and watch re-arming.
type session struct {
	clock         clock.Clock
	hosts         []hostPort
	retryPolicy   retry.Policy
	allowReadOnly bool
	readTimeout   time.Duration

	state   *stateMachine
	watches *watchRegistry

	mu        sync.Mutex
	conn      *conn
	timeout   time.Duration
	sessionID int64
	password  []byte
	lastZxid  int64
	xid       int32
	started   bool
	closing   bool

	lifetimeCtx    context.Context
	lifetimeCancel context.CancelFunc
	repairDone     chan struct{}

	hbMu sync.Mutex
	hb   *heartbeatHandle
}

func newSession(hosts []hostPort, timeout time.Duration, policy retry.Policy, allowReadOnly bool, readTimeout time.Duration, clk clock.Clock) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		clock:          clk,
		hosts:          hosts,
		retryPolicy:    policy,
		allowReadOnly:  allowReadOnly,
		readTimeout:    readTimeout,
		state:          newStateMachine(),
		watches:        newWatchRegistry(),
		timeout:        timeout,
		password:       emptyPassword,
		lifetimeCtx:    ctx,
		lifetimeCancel: cancel,
		repairDone:     make(chan struct{}),
	}
}

func (s *session) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *session) currentConn() *conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *session) negotiatedTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeout
}

func (s *session) lastSeenZxid() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastZxid
}

func (s *session) noteZxid(zxid int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if zxid > s.lastZxid {
		s.lastZxid = zxid
	}
}

// nextXID allocates the next request id. The counter stays in the
// positive 31-bit range: overflow wraps back to 1, never into the
// reserved negative xids.
func (s *session) nextXID() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.xid++
	if s.xid <= 0 {
		s.xid = 1
	}
	return s.xid
}

// start launches the repair loop, which drives the session out of its
// initial lost state, and blocks until a safe state is reached.
func (s *session) start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return s.ensureSafeState(ctx, false)
	}
	s.started = true
	s.mu.Unlock()

	log.G(ctx).Debug("starting session")
	go s.repairLoop()
	s.setHeartbeat()
	return s.ensureSafeState(ctx, false)
}

// ensureSafeState parks the caller until the session is usable for the
// given kind of operation: writes need a fully connected session, reads
// may also proceed read-only when the client allows it.
func (s *session) ensureSafeState(ctx context.Context, writing bool) error {
	safe := []State{StateConnected}
	if s.allowReadOnly && !writing {
		safe = append(safe, StateReadOnly)
	}
	return s.state.WaitFor(ctx, safe...)
}

// findServer hunts for a connectable server under exponential backoff,
// shuffling the endpoint list each round. The previous connection, if
// any, is retired in the background. Landing on a read-only server
// starts a background hunt for a writable one.
func (s *session) findServer(ctx context.Context, allowReadOnly bool) error {
	tracker := retry.ExponentialBackoff(2, maxFindWait).Track(s.clock)

	for {
		if err := tracker.Enforce(ctx); err != nil {
			return err
		}

		var chosen *conn
		for _, i := range rand.Perm(len(s.hosts)) {
			hp := s.hosts[i]
			log.G(ctx).WithField("server", hp.String()).Info("connecting")
			c := newConn(hp.host, hp.port, s.dispatchEvent, s.readTimeout)
			if err := c.connect(ctx); err != nil {
				log.G(ctx).WithError(err).WithField("server", hp.String()).Warn("could not connect")
				continue
			}
			if c.startReadOnly && !allowReadOnly {
				c.abort(c.connErr(errors.New("server is read-only")))
				continue
			}
			log.G(ctx).WithField("server", hp.String()).Info("connected")
			chosen = c
			break
		}
		if chosen == nil {
			log.G(ctx).Warn("no servers available, will keep trying")
			continue
		}

		s.mu.Lock()
		old := s.conn
		s.conn = chosen
		s.mu.Unlock()

		if old != nil {
			go func() {
				cctx, cancel := context.WithTimeout(context.Background(), s.negotiatedTimeout())
				defer cancel()
				old.close(cctx)
			}()
		}
		if chosen.startReadOnly {
			go func() {
				if err := s.findServer(s.lifetimeCtx, false); err != nil {
					log.G(s.lifetimeCtx).WithError(err).Debug("writable server hunt stopped")
				}
			}()
		}
		return nil
	}
}

// establishSession runs the connect handshake on the current connection.
// A transport failure or a zeroed session id means the session is gone:
// the state drops to lost, the resume zxid is reset and the caller sees
// a session-lost error.
func (s *session) establishSession(ctx context.Context) error {
	s.mu.Lock()
	c := s.conn
	req := &proto.ConnectRequest{
		ProtocolVersion: 0,
		LastSeenZxid:    s.lastZxid,
		TimeoutMillis:   int32(s.timeout / time.Millisecond),
		SessionID:       s.sessionID,
		Password:        s.password,
		ReadOnly:        s.allowReadOnly,
	}
	timeout := s.timeout
	s.mu.Unlock()

	log.G(ctx).WithField("session-id", req.SessionID).Info("establishing session")

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp, err := c.sendConnect(cctx, req)
	if err != nil {
		s.toLost(ctx)
		s.mu.Lock()
		s.lastZxid = 0
		s.mu.Unlock()
		return errors.Wrap(errdefs.ErrSessionLost, err.Error())
	}
	if resp.SessionID == 0 {
		log.G(ctx).Info("session expired")
		expirationCounter.Inc()
		s.toLost(ctx)
		s.mu.Lock()
		s.lastZxid = 0
		s.mu.Unlock()
		return errdefs.ErrSessionLost
	}

	s.mu.Lock()
	s.sessionID = resp.SessionID
	s.password = resp.Password
	s.timeout = time.Duration(resp.TimeoutMillis) * time.Millisecond
	s.mu.Unlock()

	log.G(ctx).WithFields(log.Fields{
		"session-id": resp.SessionID,
		"timeout":    time.Duration(resp.TimeoutMillis) * time.Millisecond,
	}).Info("session established")
	return nil
}

// repairLoop runs for the life of the session. Whenever the state falls
// to suspended or lost it finds a server, re-establishes the session,
// re-arms the registered watches and only then makes the state safe
// again, so callers never resume before their watches are back.
func (s *session) repairLoop() {
	ctx := s.lifetimeCtx
	defer close(s.repairDone)

	for {
		if err := s.state.WaitFor(ctx, StateSuspended, StateLost); err != nil {
			return
		}
		if s.isClosing() {
			return
		}

		if err := s.findServer(ctx, s.allowReadOnly); err != nil {
			return
		}

		if err := s.establishSession(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.G(ctx).WithError(err).Info("session handshake failed")
			if c := s.currentConn(); c != nil {
				c.abort(errors.Wrap(errdefs.ErrSessionLost, "handshake failed"))
			}
			s.mu.Lock()
			s.sessionID = 0
			s.password = emptyPassword
			s.mu.Unlock()
			continue
		}

		c := s.currentConn()
		c.startReadLoop()

		if err := s.setExistingWatches(ctx, c); err != nil {
			log.G(ctx).WithError(err).Warn("could not re-arm watches")
			c.abort(c.connErr(err))
			continue
		}

		next := StateConnected
		if c.startReadOnly {
			next = StateReadOnly
		}
		if err := s.state.TransitionTo(next); err != nil {
			log.G(ctx).WithError(err).Error("repair transition")
		}
		reconnectCounter.Inc()
		s.setHeartbeat()
	}
}

// setExistingWatches re-arms every registered watch on a fresh
// connection, sending directly so the request cannot deadlock against
// the not-yet-safe state.
func (s *session) setExistingWatches(ctx context.Context, c *conn) error {
	if s.watches.empty() {
		return nil
	}

	data, exist, child := s.watches.partition()
	req := &proto.SetWatchesRequest{
		RelativeZxid: s.lastSeenZxid(),
		DataWatches:  data,
		ExistWatches: exist,
		ChildWatches: child,
	}

	p, err := c.send(req, s.nextXID())
	if err != nil {
		return err
	}
	select {
	case r := <-p.ch:
		if r.err != nil {
			return r.err
		}
		s.noteZxid(r.zxid)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// send is the user-facing pipeline: enforce the retry policy, wait for a
// safe state, dispatch, and route errors. Data errors propagate on first
// occurrence; transport errors suspend the session and go around again.
func (s *session) send(ctx context.Context, req proto.Request) (proto.Response, error) {
	tracker := s.retryPolicy.Track(s.clock)

	for {
		if err := tracker.Enforce(ctx); err != nil {
			return nil, err
		}
		if err := s.ensureSafeState(ctx, proto.WritesData(req)); err != nil {
			return nil, err
		}

		c := s.currentConn()
		if c == nil {
			s.suspend()
			continue
		}

		p, err := c.send(req, s.nextXID())
		if err != nil {
			s.suspend()
			continue
		}

		select {
		case r := <-p.ch:
			if r.err != nil {
				if errdefs.IsConnectionError(r.err) {
					s.suspend()
					continue
				}
				return nil, r.err
			}
			s.noteZxid(r.zxid)
			s.setHeartbeat()
			return r.resp, nil
		case <-ctx.Done():
			// The xid may still complete; the buffered reply is dropped.
			return nil, ctx.Err()
		}
	}
}

// suspend drops a live state to suspended so the repair loop takes over.
func (s *session) suspend() {
	switch s.state.Current() {
	case StateConnected, StateReadOnly:
		if err := s.state.TransitionTo(StateSuspended); err != nil {
			log.G(s.lifetimeCtx).WithError(err).Debug("suspend transition")
		}
	}
}

func (s *session) toLost(ctx context.Context) {
	if s.state.Current() == StateLost {
		return
	}
	if err := s.state.TransitionTo(StateLost); err != nil {
		log.G(ctx).WithError(err).Debug("lost transition")
	}
}

// setHeartbeat arms the heartbeat one third of the session timeout out,
// cancelling any previously armed handle first.
func (s *session) setHeartbeat() {
	interval := s.negotiatedTimeout() / heartbeatFrequency
	if interval <= 0 {
		return
	}

	hb := &heartbeatHandle{
		timer:  s.clock.NewTimer(interval),
		cancel: make(chan struct{}),
	}

	s.hbMu.Lock()
	if s.hb != nil {
		s.hb.timer.Stop()
		close(s.hb.cancel)
	}
	s.hb = hb
	s.hbMu.Unlock()

	go func() {
		select {
		case <-hb.timer.C():
			s.heartbeat()
		case <-hb.cancel:
		case <-s.lifetimeCtx.Done():
		}
	}()
}

func (s *session) stopHeartbeat() {
	s.hbMu.Lock()
	if s.hb != nil {
		s.hb.timer.Stop()
		close(s.hb.cancel)
		s.hb = nil
	}
	s.hbMu.Unlock()
}

// heartbeat pings the server and reschedules itself. A transport failure
// or an overdue reply suspends the session.
func (s *session) heartbeat() {
	if s.isClosing() {
		return
	}
	ctx := s.lifetimeCtx
	defer s.setHeartbeat()

	if err := s.ensureSafeState(ctx, false); err != nil {
		return
	}
	c := s.currentConn()
	if c == nil {
		return
	}

	p, err := c.send(&proto.PingRequest{}, 0)
	if err != nil {
		s.suspend()
		return
	}

	timeout := s.negotiatedTimeout()
	timeout -= timeout / heartbeatFrequency
	timer := s.clock.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-p.ch:
		if r.err != nil {
			if errdefs.IsConnectionError(r.err) {
				s.suspend()
			} else {
				log.G(ctx).WithError(r.err).Warn("heartbeat failed")
			}
			return
		}
		s.noteZxid(r.zxid)
	case <-timer.C():
		s.suspend()
	case <-ctx.Done():
	}
}

// dispatchEvent receives every server-initiated notification from the
// read loop. Znode events route to the watch registry; session events
// drive the state machine.
func (s *session) dispatchEvent(ev *proto.WatchEvent) {
	ctx := s.lifetimeCtx

	if ev.Type != proto.EventSession {
		log.G(ctx).WithFields(log.Fields{
			"type": ev.Type.String(),
			"path": ev.Path,
		}).Debug("watch event")
		watchEventCounter.Inc()
		s.watches.dispatch(ev)
		return
	}

	switch ev.State {
	case proto.StateDisconnected:
		log.G(ctx).Error("got 'disconnected' session event")
		s.toLost(ctx)
	case proto.StateExpired:
		log.G(ctx).Error("got 'session expired' session event")
		expirationCounter.Inc()
		s.toLost(ctx)
	case proto.StateAuthFailed:
		log.G(ctx).Error("got 'auth failed' session event")
		s.toLost(ctx)
	case proto.StateConnectedReadOnly:
		log.G(ctx).Warn("got 'connected read only' session event")
		if err := s.state.TransitionTo(StateReadOnly); err != nil {
			log.G(ctx).WithError(err).Debug("read-only transition")
		}
	case proto.StateSASLAuthenticated:
		log.G(ctx).Info("authentication successful")
	case proto.StateConnected:
		log.G(ctx).Info("got 'connected' session event")
		if err := s.state.TransitionTo(StateConnected); err != nil {
			log.G(ctx).WithError(err).Debug("connected transition")
		}
	}
}

// addWatchCallback arms cb for the given kind and path. The server-side
// watch itself is set by the operation that fetches the node.
func (s *session) addWatchCallback(kind proto.EventType, path string, cb WatchCallback) *Watch {
	return s.watches.add(kind, path, cb)
}

func (s *session) removeWatchCallback(w *Watch) {
	s.watches.remove(w)
}

// close tears the session down: stop the repair loop, send a best-effort
// close request under the negotiated timeout, drop to lost and release
// the connection.
func (s *session) close(ctx context.Context) error {
	s.mu.Lock()
	if !s.started || s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	s.mu.Unlock()

	s.stopHeartbeat()
	s.lifetimeCancel()
	<-s.repairDone

	timeout := s.negotiatedTimeout()
	c := s.currentConn()
	if c != nil {
		switch s.state.Current() {
		case StateConnected, StateReadOnly:
			if p, err := c.send(&proto.CloseRequest{}, 0); err == nil {
				timer := s.clock.NewTimer(timeout)
				select {
				case <-p.ch:
				case <-timer.C():
					log.G(ctx).Debug("close request timed out")
				case <-ctx.Done():
				}
				timer.Stop()
			}
		}
	}

	s.toLost(ctx)

	if c != nil {
		cctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		c.close(cctx)
	}

	s.mu.Lock()
	s.closing = false
	s.started = false
	s.mu.Unlock()
	return nil
}
