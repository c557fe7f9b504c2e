package zk

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/containerd/log"
	"github.com/pkg/errors"

	"github.com/moby/zk/errdefs"
	"github.com/moby/zk/proto"
)

const defaultReadTimeout = 3 * time.Second

var versionRegexp = regexp.MustCompile(`Zookeeper version: (\d+)\.(\d+)\.(\d+)-.*`)

// connReply is what a parked completion resolves to: the reply's zxid and
// body, or the transport error that failed it. Every dispatched xid is
// resolved exactly once, by the read loop or by abort.
type connReply struct {
	zxid int64
	resp proto.Response
	err  error
}

type pendingRequest struct {
	xid    int32
	opcode int32
	ch     chan connReply
}

func (p *pendingRequest) complete(r connReply) {
	p.ch <- r
}

// conn is one TCP connection to one server. It owns the framing, the
// pending-request tables and the single read loop; session state and
// retries live a layer up.
type conn struct {
	host         string
	port         int
	watchHandler func(*proto.WatchEvent)
	readTimeout  time.Duration

	sock          net.Conn
	versionInfo   [3]int
	startReadOnly bool

	wmu sync.Mutex // serializes socket writes

	mu              sync.Mutex
	closing         bool
	closed          bool
	aborted         bool
	pending         map[int32]*pendingRequest
	pendingSpecials map[int32][]*pendingRequest
	readLoopStarted bool

	readLoopDone chan struct{}
}

func newConn(host string, port int, watchHandler func(*proto.WatchEvent), readTimeout time.Duration) *conn {
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}
	return &conn{
		host:            host,
		port:            port,
		watchHandler:    watchHandler,
		readTimeout:     readTimeout,
		pending:         make(map[int32]*pendingRequest),
		pendingSpecials: make(map[int32][]*pendingRequest),
		readLoopDone:    make(chan struct{}),
	}
}

func (c *conn) addr() string {
	return net.JoinHostPort(c.host, strconv.Itoa(c.port))
}

func (c *conn) connErr(cause error) error {
	return &errdefs.ConnectionError{Host: c.host, Port: c.port, Cause: cause}
}

// connect runs the two-phase dial: a probing stream that issues the
// four-letter `srvr` command to learn the server version and read-only
// flag, then the operational stream.
func (c *conn) connect(ctx context.Context) error {
	var d net.Dialer

	probe, err := d.DialContext(ctx, "tcp", c.addr())
	if err != nil {
		return c.connErr(err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = probe.SetDeadline(deadline)
	}
	if _, err := probe.Write([]byte("srvr")); err != nil {
		probe.Close()
		return c.connErr(err)
	}
	answer, err := io.ReadAll(probe)
	probe.Close()
	if err != nil {
		return c.connErr(err)
	}

	line, _, _ := strings.Cut(string(answer), "\n")
	m := versionRegexp.FindStringSubmatch(line)
	if m == nil {
		return c.connErr(errors.New("unrecognized srvr response"))
	}
	for i := range 3 {
		c.versionInfo[i], _ = strconv.Atoi(m[i+1])
	}
	c.startReadOnly = strings.Contains(string(answer), "READ_ONLY")

	log.G(ctx).WithFields(log.Fields{
		"server":    c.addr(),
		"version":   m[1] + "." + m[2] + "." + m[3],
		"read-only": c.startReadOnly,
	}).Debug("probed server")

	sock, err := d.DialContext(ctx, "tcp", c.addr())
	if err != nil {
		return c.connErr(err)
	}
	c.sock = sock
	return nil
}

func (c *conn) writeFrame(payload []byte) error {
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)))
	copy(frame[4:], payload)

	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := c.sock.Write(frame)
	return err
}

// sendConnect performs the session handshake. It runs before the read
// loop starts: the connect frame carries no xid or opcode and its reply
// has no reply header.
func (c *conn) sendConnect(ctx context.Context, req *proto.ConnectRequest) (*proto.ConnectResponse, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.sock.SetDeadline(deadline)
		defer c.sock.SetDeadline(time.Time{})
	}

	e := proto.NewEncoder()
	req.Marshal(e)
	if err := c.writeFrame(e.Bytes()); err != nil {
		return nil, c.connErr(err)
	}

	var szBuf [4]byte
	if _, err := io.ReadFull(c.sock, szBuf[:]); err != nil {
		return nil, c.connErr(err)
	}
	size := int32(binary.BigEndian.Uint32(szBuf[:]))
	payload := make([]byte, size)
	if _, err := io.ReadFull(c.sock, payload); err != nil {
		return nil, c.connErr(err)
	}

	resp := &proto.ConnectResponse{}
	if err := resp.Unmarshal(proto.NewDecoder(payload)); err != nil {
		return nil, err
	}
	return resp, nil
}

// send frames and writes one request and parks a completion for its
// reply. The returned completion is resolved by the read loop, or by
// abort with a transport error; a write failure aborts the connection.
func (c *conn) send(req proto.Request, xid int32) (*pendingRequest, error) {
	if special, ok := proto.SpecialXID(req); ok {
		xid = special
	}

	p := &pendingRequest{
		xid:    xid,
		opcode: req.Opcode(),
		ch:     make(chan connReply, 1),
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil, c.connErr(errors.New("connection is closing"))
	}
	if _, ok := proto.SpecialXID(req); ok {
		c.pendingSpecials[xid] = append(c.pendingSpecials[xid], p)
	} else {
		c.pending[xid] = p
	}
	c.mu.Unlock()

	e := proto.NewEncoder()
	e.PutInt(xid)
	e.PutInt(req.Opcode())
	req.Marshal(e)

	if err := c.writeFrame(e.Bytes()); err != nil {
		c.abort(c.connErr(err))
		return nil, c.connErr(err)
	}
	return p, nil
}

func (c *conn) startReadLoop() {
	c.mu.Lock()
	c.readLoopStarted = true
	c.mu.Unlock()
	go c.readLoop()
}

// readPayload reads exactly n bytes under the per-message deadline.
// Partial reads accumulate until the deadline fires, which surfaces as an
// unfinished read.
func (c *conn) readPayload(n int) ([]byte, error) {
	if err := c.sock.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
		return nil, err
	}
	defer c.sock.SetReadDeadline(time.Time{})

	buf := make([]byte, n)
	if _, err := io.ReadFull(c.sock, buf); err != nil {
		if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
			return nil, errdefs.ErrUnfinishedRead
		}
		return nil, err
	}
	return buf, nil
}

func (c *conn) closeReplyPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pendingSpecials[proto.XIDClose]) > 0
}

func (c *conn) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

// readLoop is the single reader. It terminates cleanly on EOF at a frame
// boundary and aborts the connection on any other failure.
func (c *conn) readLoop() {
	ctx := context.Background()
	defer close(c.readLoopDone)

	for {
		var szBuf [4]byte
		if _, err := io.ReadFull(c.sock, szBuf[:]); err != nil {
			if c.isClosing() {
				return
			}
			if err == io.EOF {
				// Clean termination at a frame boundary. Anything still
				// parked can only be resolved by a transport error now.
				c.failPending(c.connErr(err))
				return
			}
			c.abort(c.connErr(err))
			return
		}
		size := int(int32(binary.BigEndian.Uint32(szBuf[:])))

		// The close reply carries no reply header; spec'd to parse with
		// the connect-reply layout.
		if c.closeReplyPending() {
			payload, err := c.readPayload(size)
			if err != nil {
				c.abort(c.connErr(err))
				return
			}
			resp := &proto.ConnectResponse{}
			if err := resp.Unmarshal(proto.NewDecoder(payload)); err != nil && err != proto.ErrShortBuffer {
				c.abort(err)
				return
			}
			if p := c.popSpecial(proto.XIDClose); p != nil {
				p.complete(connReply{resp: resp})
			}
			continue
		}

		hdrBuf, err := c.readPayload(proto.ReplyHeaderSize)
		if err != nil {
			if c.isClosing() {
				return
			}
			c.abort(c.connErr(err))
			return
		}
		var hdr proto.ReplyHeader
		if err := hdr.Unmarshal(proto.NewDecoder(hdrBuf)); err != nil {
			c.abort(err)
			return
		}

		var payload []byte
		if size > proto.ReplyHeaderSize {
			payload, err = c.readPayload(size - proto.ReplyHeaderSize)
			if err != nil {
				if c.isClosing() {
					return
				}
				c.abort(c.connErr(err))
				return
			}
		}

		if hdr.XID == proto.XIDWatch {
			ev := &proto.WatchEvent{}
			if err := ev.Unmarshal(proto.NewDecoder(payload)); err != nil {
				c.abort(err)
				return
			}
			c.watchHandler(ev)
			continue
		}

		p := c.takePending(hdr.XID)
		if p == nil {
			log.G(ctx).WithField("xid", hdr.XID).Warn("reply for unknown xid")
			continue
		}

		if hdr.Err != 0 {
			p.complete(connReply{zxid: hdr.Zxid, err: errdefs.FromCode(hdr.Err)})
			continue
		}

		resp, ok := proto.ResponseForOpcode(p.opcode)
		if !ok {
			p.complete(connReply{err: errors.Errorf("zk: no response type for opcode %d", p.opcode)})
			continue
		}
		if err := resp.Unmarshal(proto.NewDecoder(payload)); err != nil {
			p.complete(connReply{err: err})
			continue
		}
		p.complete(connReply{zxid: hdr.Zxid, resp: resp})
	}
}

func (c *conn) popSpecial(xid int32) *pendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.pendingSpecials[xid]
	if len(q) == 0 {
		return nil
	}
	p := q[0]
	c.pendingSpecials[xid] = q[1:]
	return p
}

func (c *conn) takePending(xid int32) *pendingRequest {
	for _, special := range proto.SpecialXIDs {
		if xid == special {
			return c.popSpecial(xid)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[xid]
	if ok {
		delete(c.pending, xid)
	}
	return p
}

// drainPendingLocked empties every pending structure, special queues
// first, and returns the parked completions.
func (c *conn) drainPendingLocked() []*pendingRequest {
	var drained []*pendingRequest
	for _, xid := range proto.SpecialXIDs {
		drained = append(drained, c.pendingSpecials[xid]...)
		delete(c.pendingSpecials, xid)
	}
	for xid, p := range c.pending {
		drained = append(drained, p)
		delete(c.pending, xid)
	}
	return drained
}

// failPending fails every parked completion without tearing the
// connection down further.
func (c *conn) failPending(completionErr error) {
	c.mu.Lock()
	c.closing = true
	drained := c.drainPendingLocked()
	c.mu.Unlock()
	for _, p := range drained {
		p.complete(connReply{err: completionErr})
	}
}

// abort marks the connection dead, tears down the socket and fails every
// outstanding completion with the given error. After abort, send refuses
// all new work.
func (c *conn) abort(completionErr error) {
	c.mu.Lock()
	if c.aborted {
		c.mu.Unlock()
		return
	}
	c.aborted = true
	c.closing = true
	drained := c.drainPendingLocked()
	c.mu.Unlock()

	log.G(context.Background()).WithField("server", c.addr()).Warn("aborting connection")

	if c.sock != nil {
		c.sock.Close()
	}
	for _, p := range drained {
		p.complete(connReply{err: completionErr})
	}
}

// close shuts the connection down in order: stop accepting work, wait out
// the read loop within ctx, fail whatever is still parked with a timeout,
// then release the socket. Idempotent.
func (c *conn) close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.closing = true
	started := c.readLoopStarted
	c.mu.Unlock()

	if c.sock != nil {
		c.sock.Close()
	}
	if started {
		select {
		case <-c.readLoopDone:
		case <-ctx.Done():
		}
	}

	c.mu.Lock()
	drained := c.drainPendingLocked()
	c.mu.Unlock()
	for _, p := range drained {
		p.complete(connReply{err: errdefs.ErrTimeout})
	}
	return nil
}
