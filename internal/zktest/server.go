// Package zktest runs an in-process server speaking enough of the
// ZooKeeper wire protocol to exercise the client end to end: sessions
// with resume and expiry, the znode tree with ephemeral and sequential
// nodes, one-shot watches and multi transactions. Tests point a client
// at Addr and drive failures through DropConnections and ExpireSession.
package zktest

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/moby/zk/errdefs"
	"github.com/moby/zk/proto"
)

const serverVersionBanner = "Zookeeper version: 3.6.2-zktest, built on 01/01/2024\n"

type watchKind int

const (
	watchData watchKind = iota
	watchExist
	watchChild
)

// node is one znode: payload, bookkeeping counters and children.
type node struct {
	data           []byte
	acl            []proto.ACL
	children       map[string]*node
	seq            int
	czxid          int64
	mzxid          int64
	pzxid          int64
	ctime          int64
	mtime          int64
	version        int32
	cversion       int32
	aversion       int32
	ephemeralOwner int64
	flags          proto.CreateFlags
}

// session is the durable half of a client: it survives connection drops
// until it is closed or expired, owns ephemerals and carries watches.
type session struct {
	id       int64
	password []byte
	timeout  int32
	expired  bool
	closed   bool
	conn     *serverConn
	watches  map[watchKind]map[string]bool
}

func newSessionWatches() map[watchKind]map[string]bool {
	return map[watchKind]map[string]bool{
		watchData:  {},
		watchExist: {},
		watchChild: {},
	}
}

// serverConn is one accepted operational connection.
type serverConn struct {
	sock net.Conn
	wmu  sync.Mutex
	sess *session
}

// Server is the in-process ensemble member.
type Server struct {
	listener net.Listener

	mu        sync.Mutex
	root      *node
	zxid      int64
	nextSess  int64
	sessions  map[int64]*session
	conns     map[*serverConn]struct{}
	closed    bool
	readOnly  bool
}

// New starts a server on a loopback port.
func New() (*Server, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{
		listener: l,
		root:     &node{children: map[string]*node{}, acl: proto.UnrestrictedAccess},
		nextSess: 0x10000,
		sessions: make(map[int64]*session),
		conns:    make(map[*serverConn]struct{}),
	}
	go s.acceptLoop()
	return s, nil
}

// Addr is the host:port tests hand to the client.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Close stops the listener and severs every connection.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.listener.Close()
	s.DropConnections()
}

// DropConnections severs every live connection without touching the
// sessions behind them, simulating a network failure the sessions can
// recover from.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.sock.Close()
	}
}

// ExpireSession invalidates a session: its ephemerals are deleted, its
// watches discarded and any resume attempt is refused.
func (s *Server) ExpireSession(id int64) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok {
		sess.expired = true
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.endSession(sess)
	if sess.conn != nil {
		sess.conn.sock.Close()
	}
}

// Sessions lists the ids of live sessions.
func (s *Server) Sessions() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int64
	for id, sess := range s.sessions {
		if !sess.expired && !sess.closed {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *Server) acceptLoop() {
	for {
		sock, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.serve(sock)
	}
}

// serve distinguishes the four-letter probe from an operational
// connection by the first four bytes.
func (s *Server) serve(sock net.Conn) {
	var head [4]byte
	if _, err := io.ReadFull(sock, head[:]); err != nil {
		sock.Close()
		return
	}

	if string(head[:]) == "srvr" {
		banner := serverVersionBanner
		if s.isReadOnly() {
			banner += "Mode: READ_ONLY\n"
		} else {
			banner += "Mode: standalone\n"
		}
		io.WriteString(sock, banner)
		sock.Close()
		return
	}

	conn := &serverConn{sock: sock}
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		if conn.sess != nil && conn.sess.conn == conn {
			conn.sess.conn = nil
		}
		s.mu.Unlock()
		sock.Close()
	}()

	size := int(int32(binary.BigEndian.Uint32(head[:])))
	payload := make([]byte, size)
	if _, err := io.ReadFull(sock, payload); err != nil {
		return
	}
	if !s.handshake(conn, payload) {
		return
	}

	for {
		var szBuf [4]byte
		if _, err := io.ReadFull(sock, szBuf[:]); err != nil {
			return
		}
		frame := make([]byte, int32(binary.BigEndian.Uint32(szBuf[:])))
		if _, err := io.ReadFull(sock, frame); err != nil {
			return
		}
		if !s.handleFrame(conn, frame) {
			return
		}
	}
}

func (s *Server) isReadOnly() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readOnly
}

// SetReadOnly flips the read-only flag reported by the probe.
func (s *Server) SetReadOnly(ro bool) {
	s.mu.Lock()
	s.readOnly = ro
	s.mu.Unlock()
}

func (s *Server) handshake(conn *serverConn, payload []byte) bool {
	d := proto.NewDecoder(payload)
	_ = d.Int() // protocol version
	_ = d.Long()
	timeout := d.Int()
	sessionID := d.Long()
	_ = d.Bytes()
	if d.Err() != nil {
		return false
	}

	s.mu.Lock()
	var sess *session
	if sessionID != 0 {
		existing, ok := s.sessions[sessionID]
		if !ok || existing.expired || existing.closed {
			s.mu.Unlock()
			// Expired: answer with a zeroed session id.
			conn.writeFrame(encodeConnectResponse(0, 0, nil))
			return true
		}
		sess = existing
	} else {
		s.nextSess++
		sess = &session{
			id:       s.nextSess,
			password: []byte("0123456789abcdef"),
			timeout:  timeout,
			watches:  newSessionWatches(),
		}
		s.sessions[sess.id] = sess
	}
	sess.conn = conn
	conn.sess = sess
	s.mu.Unlock()

	conn.writeFrame(encodeConnectResponse(sess.timeout, sess.id, sess.password))
	return true
}

func encodeConnectResponse(timeout int32, sessionID int64, password []byte) []byte {
	e := proto.NewEncoder()
	e.PutInt(0)
	e.PutInt(timeout)
	e.PutLong(sessionID)
	e.PutBytes(password)
	return e.Bytes()
}

func (c *serverConn) writeFrame(payload []byte) {
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)))
	copy(frame[4:], payload)
	c.wmu.Lock()
	c.sock.Write(frame)
	c.wmu.Unlock()
}

func (c *serverConn) writeReply(xid int32, zxid int64, errCode errdefs.Code, body []byte) {
	e := proto.NewEncoder()
	e.PutInt(xid)
	e.PutLong(zxid)
	e.PutInt(int32(errCode))
	c.writeFrame(append(e.Bytes(), body...))
}

// handleFrame executes one request. Returning false ends the connection.
func (s *Server) handleFrame(conn *serverConn, frame []byte) bool {
	if conn.sess == nil {
		return false
	}
	d := proto.NewDecoder(frame)
	xid := d.Int()
	opcode := d.Int()
	if d.Err() != nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch opcode {
	case proto.OpPing:
		conn.writeReply(xid, s.zxid, 0, nil)
	case proto.OpClose:
		sess := conn.sess
		sess.closed = true
		s.endSessionLocked(sess)
		conn.writeFrame(nil)
		return false
	case proto.OpAuth:
		conn.writeReply(xid, s.zxid, 0, nil)
	case proto.OpSync:
		path := d.String()
		e := proto.NewEncoder()
		e.PutString(path)
		conn.writeReply(xid, s.zxid, 0, e.Bytes())
	case proto.OpCreate, proto.OpCreate2:
		s.handleCreate(conn, xid, opcode, d)
	case proto.OpDelete:
		s.handleDelete(conn, xid, d)
	case proto.OpExists:
		s.handleExists(conn, xid, d)
	case proto.OpGetData:
		s.handleGetData(conn, xid, d)
	case proto.OpSetData:
		s.handleSetData(conn, xid, d)
	case proto.OpGetChildren2, proto.OpGetChildren:
		s.handleGetChildren(conn, xid, opcode, d)
	case proto.OpGetACL:
		s.handleGetACL(conn, xid, d)
	case proto.OpSetACL:
		s.handleSetACL(conn, xid, d)
	case proto.OpSetWatches:
		s.handleSetWatches(conn, xid, d)
	case proto.OpRemoveWatch:
		s.handleRemoveWatches(conn, xid, d)
	case proto.OpTransaction:
		s.handleTransaction(conn, xid, d)
	default:
		conn.writeReply(xid, s.zxid, errdefs.CodeUnimplemented, nil)
	}
	return true
}

func splitPath(path string) []string {
	var parts []string
	for _, part := range strings.Split(path, "/") {
		if part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}

func (s *Server) lookup(path string) *node {
	n := s.root
	for _, part := range splitPath(path) {
		n = n.children[part]
		if n == nil {
			return nil
		}
	}
	return n
}

func (s *Server) parentOf(path string) (*node, string) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return nil, ""
	}
	n := s.root
	for _, part := range parts[:len(parts)-1] {
		n = n.children[part]
		if n == nil {
			return nil, ""
		}
	}
	return n, parts[len(parts)-1]
}

func parentPath(path string) string {
	i := strings.LastIndex(path, "/")
	if i <= 0 {
		return "/"
	}
	return path[:i]
}

func (n *node) stat(path string) proto.Stat {
	return proto.Stat{
		CreatedZxid:          n.czxid,
		LastModifiedZxid:     n.mzxid,
		Created:              n.ctime,
		Modified:             n.mtime,
		Version:              n.version,
		ChildVersion:         n.cversion,
		ACLVersion:           n.aversion,
		EphemeralOwner:       n.ephemeralOwner,
		DataLength:           int32(len(n.data)),
		NumChildren:          int32(len(n.children)),
		LastModifiedChildren: n.pzxid,
	}
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// createNode applies one create, assuming s.mu is held. It returns the
// final path or an error code.
func (s *Server) createNode(sess *session, path string, data []byte, acl []proto.ACL, flags proto.CreateFlags) (string, errdefs.Code) {
	parent, name := s.parentOf(path)
	if parent == nil || name == "" {
		return "", errdefs.CodeNoNode
	}
	if parent.ephemeralOwner != 0 {
		return "", errdefs.CodeNoChildrenForEphemerals
	}

	if flags.Sequential() {
		name = fmt.Sprintf("%s%010d", name, parent.seq)
		parent.seq++
		path = parentPath(path)
		if path == "/" {
			path = "/" + name
		} else {
			path = path + "/" + name
		}
	}
	if _, exists := parent.children[name]; exists {
		return "", errdefs.CodeNodeExists
	}

	s.zxid++
	now := nowMillis()
	child := &node{
		children: map[string]*node{},
		data:     data,
		acl:      acl,
		czxid:    s.zxid,
		mzxid:    s.zxid,
		pzxid:    s.zxid,
		ctime:    now,
		mtime:    now,
		flags:    flags,
	}
	if flags.Ephemeral() && sess != nil {
		child.ephemeralOwner = sess.id
	}
	parent.children[name] = child
	parent.cversion++
	parent.pzxid = s.zxid

	s.fireWatchesLocked(path, proto.EventCreated)
	s.fireChildWatchesLocked(parentPath(path))
	return path, 0
}

func (s *Server) handleCreate(conn *serverConn, xid, opcode int32, d *proto.Decoder) {
	path := d.String()
	data := d.Bytes()
	aclCount := d.Int()
	acl := make([]proto.ACL, 0, aclCount)
	for range int(aclCount) {
		var a proto.ACL
		if a.Unmarshal(d) != nil {
			return
		}
		acl = append(acl, a)
	}
	flags := proto.CreateFlags(d.Int())
	if d.Err() != nil {
		return
	}

	created, code := s.createNode(conn.sess, path, data, acl, flags)
	if code != 0 {
		conn.writeReply(xid, s.zxid, code, nil)
		return
	}

	e := proto.NewEncoder()
	e.PutString(created)
	if opcode == proto.OpCreate2 {
		st := s.lookup(created).stat(created)
		st.Marshal(e)
	}
	conn.writeReply(xid, s.zxid, 0, e.Bytes())
}

// deleteNode applies one delete, assuming s.mu is held.
func (s *Server) deleteNode(path string, version int32) errdefs.Code {
	parent, name := s.parentOf(path)
	if parent == nil {
		return errdefs.CodeNoNode
	}
	n, ok := parent.children[name]
	if !ok {
		return errdefs.CodeNoNode
	}
	if version != -1 && version != n.version {
		return errdefs.CodeBadVersion
	}
	if len(n.children) != 0 {
		return errdefs.CodeNotEmpty
	}

	s.zxid++
	delete(parent.children, name)
	parent.cversion++
	parent.pzxid = s.zxid

	s.fireWatchesLocked(path, proto.EventDeleted)
	s.fireNodeChildWatchesLocked(path)
	s.fireChildWatchesLocked(parentPath(path))
	return 0
}

// fireNodeChildWatchesLocked tells child watchers of a deleted node that
// the node itself is gone.
func (s *Server) fireNodeChildWatchesLocked(path string) {
	for _, sess := range s.sessions {
		if sess.expired || sess.closed {
			continue
		}
		if sess.watches[watchChild][path] {
			delete(sess.watches[watchChild], path)
			s.sendEventLocked(sess, proto.EventDeleted, path)
		}
	}
}

func (s *Server) handleDelete(conn *serverConn, xid int32, d *proto.Decoder) {
	path := d.String()
	version := d.Int()
	if d.Err() != nil {
		return
	}
	code := s.deleteNode(path, version)
	conn.writeReply(xid, s.zxid, code, nil)
}

func (s *Server) handleExists(conn *serverConn, xid int32, d *proto.Decoder) {
	path := d.String()
	watch := d.Bool()
	if d.Err() != nil {
		return
	}
	n := s.lookup(path)
	if n == nil {
		if watch {
			conn.sess.watches[watchExist][path] = true
		}
		conn.writeReply(xid, s.zxid, errdefs.CodeNoNode, nil)
		return
	}
	if watch {
		conn.sess.watches[watchData][path] = true
	}
	e := proto.NewEncoder()
	st := n.stat(path)
	st.Marshal(e)
	conn.writeReply(xid, s.zxid, 0, e.Bytes())
}

func (s *Server) handleGetData(conn *serverConn, xid int32, d *proto.Decoder) {
	path := d.String()
	watch := d.Bool()
	if d.Err() != nil {
		return
	}
	n := s.lookup(path)
	if n == nil {
		conn.writeReply(xid, s.zxid, errdefs.CodeNoNode, nil)
		return
	}
	if watch {
		conn.sess.watches[watchData][path] = true
	}
	e := proto.NewEncoder()
	e.PutBytes(n.data)
	st := n.stat(path)
	st.Marshal(e)
	conn.writeReply(xid, s.zxid, 0, e.Bytes())
}

// setNodeData applies one set, assuming s.mu is held.
func (s *Server) setNodeData(path string, data []byte, version int32) (*node, errdefs.Code) {
	n := s.lookup(path)
	if n == nil {
		return nil, errdefs.CodeNoNode
	}
	if version != -1 && version != n.version {
		return nil, errdefs.CodeBadVersion
	}
	s.zxid++
	n.data = data
	n.version++
	n.mzxid = s.zxid
	n.mtime = nowMillis()
	s.fireWatchesLocked(path, proto.EventDataChanged)
	return n, 0
}

func (s *Server) handleSetData(conn *serverConn, xid int32, d *proto.Decoder) {
	path := d.String()
	data := d.Bytes()
	version := d.Int()
	if d.Err() != nil {
		return
	}
	n, code := s.setNodeData(path, data, version)
	if code != 0 {
		conn.writeReply(xid, s.zxid, code, nil)
		return
	}
	e := proto.NewEncoder()
	st := n.stat(path)
	st.Marshal(e)
	conn.writeReply(xid, s.zxid, 0, e.Bytes())
}

func (s *Server) handleGetChildren(conn *serverConn, xid, opcode int32, d *proto.Decoder) {
	path := d.String()
	watch := d.Bool()
	if d.Err() != nil {
		return
	}
	n := s.lookup(path)
	if n == nil {
		conn.writeReply(xid, s.zxid, errdefs.CodeNoNode, nil)
		return
	}
	if watch {
		conn.sess.watches[watchChild][path] = true
	}
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)

	e := proto.NewEncoder()
	e.PutStrings(names)
	if opcode == proto.OpGetChildren2 {
		st := n.stat(path)
		st.Marshal(e)
	}
	conn.writeReply(xid, s.zxid, 0, e.Bytes())
}

func (s *Server) handleGetACL(conn *serverConn, xid int32, d *proto.Decoder) {
	path := d.String()
	if d.Err() != nil {
		return
	}
	n := s.lookup(path)
	if n == nil {
		conn.writeReply(xid, s.zxid, errdefs.CodeNoNode, nil)
		return
	}
	e := proto.NewEncoder()
	e.PutInt(int32(len(n.acl)))
	for i := range n.acl {
		n.acl[i].Marshal(e)
	}
	st := n.stat(path)
	st.Marshal(e)
	conn.writeReply(xid, s.zxid, 0, e.Bytes())
}

func (s *Server) handleSetACL(conn *serverConn, xid int32, d *proto.Decoder) {
	path := d.String()
	aclCount := d.Int()
	acl := make([]proto.ACL, 0, aclCount)
	for range int(aclCount) {
		var a proto.ACL
		if a.Unmarshal(d) != nil {
			return
		}
		acl = append(acl, a)
	}
	version := d.Int()
	if d.Err() != nil {
		return
	}
	n := s.lookup(path)
	if n == nil {
		conn.writeReply(xid, s.zxid, errdefs.CodeNoNode, nil)
		return
	}
	if version != -1 && version != n.aversion {
		conn.writeReply(xid, s.zxid, errdefs.CodeBadVersion, nil)
		return
	}
	s.zxid++
	n.acl = acl
	n.aversion++
	e := proto.NewEncoder()
	st := n.stat(path)
	st.Marshal(e)
	conn.writeReply(xid, s.zxid, 0, e.Bytes())
}

func (s *Server) handleSetWatches(conn *serverConn, xid int32, d *proto.Decoder) {
	relativeZxid := d.Long()
	dataWatches := d.Strings()
	existWatches := d.Strings()
	childWatches := d.Strings()
	if d.Err() != nil {
		return
	}

	sess := conn.sess
	for _, path := range dataWatches {
		n := s.lookup(path)
		if n == nil {
			s.sendEventLocked(sess, proto.EventDeleted, path)
			continue
		}
		if n.mzxid > relativeZxid {
			s.sendEventLocked(sess, proto.EventDataChanged, path)
			continue
		}
		sess.watches[watchData][path] = true
	}
	for _, path := range existWatches {
		if s.lookup(path) != nil {
			s.sendEventLocked(sess, proto.EventCreated, path)
			continue
		}
		sess.watches[watchExist][path] = true
	}
	for _, path := range childWatches {
		n := s.lookup(path)
		if n == nil {
			s.sendEventLocked(sess, proto.EventDeleted, path)
			continue
		}
		if n.pzxid > relativeZxid {
			s.sendEventLocked(sess, proto.EventChildrenChanged, path)
			continue
		}
		sess.watches[watchChild][path] = true
	}
	conn.writeReply(xid, s.zxid, 0, nil)
}

func (s *Server) handleRemoveWatches(conn *serverConn, xid int32, d *proto.Decoder) {
	path := d.String()
	_ = d.Int()
	if d.Err() != nil {
		return
	}
	found := false
	for _, kind := range []watchKind{watchData, watchExist, watchChild} {
		if conn.sess.watches[kind][path] {
			delete(conn.sess.watches[kind], path)
			found = true
		}
	}
	if !found {
		conn.writeReply(xid, s.zxid, errdefs.CodeNoWatcher, nil)
		return
	}
	conn.writeReply(xid, s.zxid, 0, nil)
}

// txnOp is one parsed sub-request of a multi.
type txnOp struct {
	opcode  int32
	path    string
	data    []byte
	acl     []proto.ACL
	flags   proto.CreateFlags
	version int32
}

func (s *Server) handleTransaction(conn *serverConn, xid int32, d *proto.Decoder) {
	var ops []txnOp
	for {
		opType := d.Int()
		done := d.Bool()
		_ = d.Int()
		if d.Err() != nil {
			return
		}
		if done {
			break
		}
		op := txnOp{opcode: opType}
		switch opType {
		case proto.OpCreate, proto.OpCreate2:
			op.path = d.String()
			op.data = d.Bytes()
			aclCount := d.Int()
			for range int(aclCount) {
				var a proto.ACL
				if a.Unmarshal(d) != nil {
					return
				}
				op.acl = append(op.acl, a)
			}
			op.flags = proto.CreateFlags(d.Int())
		case proto.OpSetData:
			op.path = d.String()
			op.data = d.Bytes()
			op.version = d.Int()
		case proto.OpDelete, proto.OpCheckVersion:
			op.path = d.String()
			op.version = d.Int()
		default:
			return
		}
		if d.Err() != nil {
			return
		}
		ops = append(ops, op)
	}

	// Validate first so the batch applies all-or-nothing.
	failedIndex := -1
	var failedCode errdefs.Code
	staged := make(map[string]int32) // path -> staged version after earlier ops
	for i, op := range ops {
		code := s.checkTxnOp(op, staged)
		if code != 0 {
			failedIndex = i
			failedCode = code
			break
		}
	}

	e := proto.NewEncoder()
	if failedIndex >= 0 {
		for i := range ops {
			code := errdefs.CodeOK
			if i == failedIndex {
				code = failedCode
			}
			writeMultiHeader(e, -1, false, int32(code))
			e.PutInt(int32(code))
		}
		writeMultiHeader(e, -1, true, -1)
		conn.writeReply(xid, s.zxid, 0, e.Bytes())
		return
	}

	for _, op := range ops {
		switch op.opcode {
		case proto.OpCreate, proto.OpCreate2:
			created, _ := s.createNode(conn.sess, op.path, op.data, op.acl, op.flags)
			writeMultiHeader(e, op.opcode, false, -1)
			e.PutString(created)
			if op.opcode == proto.OpCreate2 {
				st := s.lookup(created).stat(created)
				st.Marshal(e)
			}
		case proto.OpSetData:
			n, _ := s.setNodeData(op.path, op.data, op.version)
			writeMultiHeader(e, op.opcode, false, -1)
			st := n.stat(op.path)
			st.Marshal(e)
		case proto.OpDelete:
			s.deleteNode(op.path, op.version)
			writeMultiHeader(e, op.opcode, false, -1)
		case proto.OpCheckVersion:
			writeMultiHeader(e, op.opcode, false, -1)
		}
	}
	writeMultiHeader(e, -1, true, -1)
	conn.writeReply(xid, s.zxid, 0, e.Bytes())
}

func (s *Server) checkTxnOp(op txnOp, staged map[string]int32) errdefs.Code {
	switch op.opcode {
	case proto.OpCreate, proto.OpCreate2:
		if s.lookup(op.path) != nil {
			return errdefs.CodeNodeExists
		}
		if parent, name := s.parentOf(op.path); parent == nil || name == "" {
			return errdefs.CodeNoNode
		}
	case proto.OpSetData, proto.OpDelete, proto.OpCheckVersion:
		n := s.lookup(op.path)
		if n == nil {
			return errdefs.CodeNoNode
		}
		version := n.version
		if v, ok := staged[op.path]; ok {
			version = v
		}
		if op.version != -1 && op.version != version {
			return errdefs.CodeBadVersion
		}
		if op.opcode == proto.OpSetData {
			staged[op.path] = version + 1
		}
		if op.opcode == proto.OpDelete && len(n.children) != 0 {
			return errdefs.CodeNotEmpty
		}
	}
	return 0
}

func writeMultiHeader(e *proto.Encoder, opType int32, done bool, errCode int32) {
	e.PutInt(opType)
	e.PutBool(done)
	e.PutInt(errCode)
}

// fireWatchesLocked delivers a one-shot event to every session watching
// the path for the kind implied by the event type.
func (s *Server) fireWatchesLocked(path string, eventType proto.EventType) {
	for _, sess := range s.sessions {
		if sess.expired || sess.closed {
			continue
		}
		fired := false
		if sess.watches[watchData][path] {
			delete(sess.watches[watchData], path)
			fired = true
		}
		if sess.watches[watchExist][path] {
			delete(sess.watches[watchExist], path)
			fired = true
		}
		if fired {
			s.sendEventLocked(sess, eventType, path)
		}
	}
}

func (s *Server) fireChildWatchesLocked(parent string) {
	for _, sess := range s.sessions {
		if sess.expired || sess.closed {
			continue
		}
		if sess.watches[watchChild][parent] {
			delete(sess.watches[watchChild], parent)
			s.sendEventLocked(sess, proto.EventChildrenChanged, parent)
		}
	}
}

func (s *Server) sendEventLocked(sess *session, eventType proto.EventType, path string) {
	conn := sess.conn
	if conn == nil {
		return
	}
	e := proto.NewEncoder()
	e.PutInt(proto.XIDWatch)
	e.PutLong(s.zxid)
	e.PutInt(0)
	e.PutInt(int32(eventType))
	e.PutInt(proto.StateConnected)
	e.PutString(path)
	go conn.writeFrame(e.Bytes())
}

// endSession reaps a finished session's ephemerals and watches.
func (s *Server) endSession(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endSessionLocked(sess)
}

func (s *Server) endSessionLocked(sess *session) {
	sess.watches = newSessionWatches()
	for _, path := range s.ephemeralsOfLocked(sess.id) {
		s.deleteNode(path, -1)
	}
}

func (s *Server) ephemeralsOfLocked(sessionID int64) []string {
	var paths []string
	var walk func(prefix string, n *node)
	walk = func(prefix string, n *node) {
		for name, child := range n.children {
			childPath := prefix + "/" + name
			if child.ephemeralOwner == sessionID {
				paths = append(paths, childPath)
			}
			walk(childPath, child)
		}
	}
	walk("", s.root)
	// Delete the deepest first.
	sort.Slice(paths, func(i, j int) bool { return len(paths[i]) > len(paths[j]) })
	return paths
}
