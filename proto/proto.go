// Package proto implements the native ZooKeeper wire protocol: the
// big-endian primitive codec, the per-operation request and response
// messages, and the tables that drive framing and dispatch.
//
// Messages carry no envelope of their own. The four-byte size prefix, the
// xid/opcode preamble on requests and the reply header on responses belong
// to the connection layer; this package only encodes and decodes bodies.
package proto

// Operation codes.
const (
	OpCreate       int32 = 1
	OpDelete       int32 = 2
	OpExists       int32 = 3
	OpGetData      int32 = 4
	OpSetData      int32 = 5
	OpGetACL       int32 = 6
	OpSetACL       int32 = 7
	OpGetChildren  int32 = 8
	OpSync         int32 = 9
	OpPing         int32 = 11
	OpGetChildren2 int32 = 12
	OpCheckVersion int32 = 13
	OpTransaction  int32 = 14
	OpCreate2      int32 = 15
	OpReconfig     int32 = 16
	OpCheckWatches int32 = 17
	OpRemoveWatch  int32 = 18
	OpClose        int32 = -11
	OpAuth         int32 = 100
	OpSetWatches   int32 = 101
	OpSASL         int32 = 102
)

// Reserved xids. Watch events arrive under XIDWatch; auth, ping and close
// requests are always dispatched under their fixed xid and matched against
// per-xid FIFO queues rather than the regular pending table.
const (
	XIDWatch int32 = -1
	XIDPing  int32 = -2
	XIDAuth  int32 = -4
	XIDClose int32 = 0
)

// SpecialXIDs lists the xids that use FIFO queues in the connection's
// pending tables, in the order the queues are drained on abort.
var SpecialXIDs = []int32{XIDAuth, XIDPing, XIDClose}

// Request is one client-to-server operation body.
type Request interface {
	Opcode() int32
	Marshal(e *Encoder)
}

// Response is one server-to-client operation body.
type Response interface {
	Opcode() int32
	Unmarshal(d *Decoder) error
}

// Pathed is implemented by requests that address a single znode path.
type Pathed interface {
	RequestPath() string
}

// StatBearer is implemented by responses that carry a znode stat.
type StatBearer interface {
	ZnodeStat() Stat
}

// WritesData reports whether the request mutates server state, which gates
// it on a fully writable session.
func WritesData(r Request) bool {
	switch r.(type) {
	case *CreateRequest, *Create2Request, *SetDataRequest, *DeleteRequest,
		*ReconfigRequest, *TransactionRequest:
		return true
	}
	return false
}

// SpecialXID returns the fixed xid for requests that have one.
func SpecialXID(r Request) (int32, bool) {
	switch r.(type) {
	case *PingRequest:
		return XIDPing, true
	case *AuthRequest:
		return XIDAuth, true
	case *CloseRequest:
		return XIDClose, true
	}
	return 0, false
}

// responseFactories maps an opcode to a constructor for its response body,
// driving deserialization in the connection's read loop.
var responseFactories = map[int32]func() Response{
	OpCreate:       func() Response { return &CreateResponse{} },
	OpDelete:       func() Response { return &DeleteResponse{} },
	OpExists:       func() Response { return &ExistsResponse{} },
	OpGetData:      func() Response { return &GetDataResponse{} },
	OpSetData:      func() Response { return &SetDataResponse{} },
	OpGetACL:       func() Response { return &GetACLResponse{} },
	OpSetACL:       func() Response { return &SetACLResponse{} },
	OpGetChildren:  func() Response { return &GetChildrenResponse{} },
	OpSync:         func() Response { return &SyncResponse{} },
	OpPing:         func() Response { return &PingResponse{} },
	OpGetChildren2: func() Response { return &GetChildren2Response{} },
	OpCheckVersion: func() Response { return &CheckVersionResponse{} },
	OpTransaction:  func() Response { return &TransactionResponse{} },
	OpCreate2:      func() Response { return &Create2Response{} },
	OpReconfig:     func() Response { return &ReconfigResponse{} },
	OpCheckWatches: func() Response { return &CheckWatchesResponse{} },
	OpRemoveWatch:  func() Response { return &RemoveWatchesResponse{} },
	OpClose:        func() Response { return &CloseResponse{} },
	OpAuth:         func() Response { return &AuthResponse{} },
	OpSetWatches:   func() Response { return &SetWatchesResponse{} },
	OpSASL:         func() Response { return &SASLResponse{} },
}

// ResponseForOpcode returns a fresh response body for the opcode.
func ResponseForOpcode(op int32) (Response, bool) {
	f, ok := responseFactories[op]
	if !ok {
		return nil, false
	}
	return f(), true
}

// ReplyHeader precedes every response body on an established connection,
// except the replies to connect and close which carry none.
type ReplyHeader struct {
	XID  int32
	Zxid int64
	Err  int32
}

// ReplyHeaderSize is the encoded size of a ReplyHeader.
const ReplyHeaderSize = 16

func (h *ReplyHeader) Unmarshal(d *Decoder) error {
	h.XID = d.Int()
	h.Zxid = d.Long()
	h.Err = d.Int()
	return d.Err()
}
