package proto

import (
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func TestConnectRequestLayout(t *testing.T) {
	req := &ConnectRequest{
		ProtocolVersion: 0,
		LastSeenZxid:    0,
		TimeoutMillis:   10000,
		SessionID:       0,
		Password:        make([]byte, 16),
		ReadOnly:        false,
	}
	e := NewEncoder()
	req.Marshal(e)

	// int + long + int + long + buffer(4+16) + bool
	assert.Check(t, is.Equal(e.Len(), 45))
	assert.Check(t, is.DeepEqual(e.Bytes()[12:16], []byte{0x00, 0x00, 0x27, 0x10}))
}

func TestConnectResponseDecode(t *testing.T) {
	e := NewEncoder()
	e.PutInt(0)
	e.PutInt(8000)
	e.PutLong(0xdeadbeef)
	e.PutBytes([]byte("0123456789abcdef"))

	resp := &ConnectResponse{}
	assert.NilError(t, resp.Unmarshal(NewDecoder(e.Bytes())))
	assert.Check(t, is.Equal(resp.TimeoutMillis, int32(8000)))
	assert.Check(t, is.Equal(resp.SessionID, int64(0xdeadbeef)))
	assert.Check(t, is.Len(resp.Password, 16))
}

func TestReplyHeaderDecode(t *testing.T) {
	e := NewEncoder()
	e.PutInt(5)
	e.PutLong(7)
	e.PutInt(-101)

	var hdr ReplyHeader
	assert.NilError(t, hdr.Unmarshal(NewDecoder(e.Bytes())))
	assert.Check(t, is.Equal(hdr, ReplyHeader{XID: 5, Zxid: 7, Err: -101}))
	assert.Check(t, is.Equal(e.Len(), ReplyHeaderSize))
}

func TestWatchEventDecode(t *testing.T) {
	e := NewEncoder()
	e.PutInt(3) // data changed
	e.PutInt(StateConnected)
	e.PutString("/some/path")

	ev := &WatchEvent{}
	assert.NilError(t, ev.Unmarshal(NewDecoder(e.Bytes())))
	assert.Check(t, is.Equal(ev.Type, EventDataChanged))
	assert.Check(t, is.Equal(ev.State, StateConnected))
	assert.Check(t, is.Equal(ev.Path, "/some/path"))
}

func TestCreateFlags(t *testing.T) {
	flags := FlagEphemeral | FlagSequential
	assert.Check(t, flags.Ephemeral())
	assert.Check(t, flags.Sequential())
	assert.Check(t, !flags.Container())
	assert.Check(t, is.Equal(int32(flags), int32(3)))
	assert.Check(t, is.Equal(int32(FlagContainer), int32(4)))
}

func TestOpcodes(t *testing.T) {
	tests := map[string]struct {
		req      Request
		expected int32
	}{
		"create":       {req: &CreateRequest{}, expected: 1},
		"delete":       {req: &DeleteRequest{}, expected: 2},
		"exists":       {req: &ExistsRequest{}, expected: 3},
		"get-data":     {req: &GetDataRequest{}, expected: 4},
		"set-data":     {req: &SetDataRequest{}, expected: 5},
		"get-acl":      {req: &GetACLRequest{}, expected: 6},
		"set-acl":      {req: &SetACLRequest{}, expected: 7},
		"sync":         {req: &SyncRequest{}, expected: 9},
		"ping":         {req: &PingRequest{}, expected: 11},
		"children2":    {req: &GetChildren2Request{}, expected: 12},
		"check":        {req: &CheckVersionRequest{}, expected: 13},
		"transaction":  {req: &TransactionRequest{}, expected: 14},
		"create2":      {req: &Create2Request{}, expected: 15},
		"reconfig":     {req: &ReconfigRequest{}, expected: 16},
		"close":        {req: &CloseRequest{}, expected: -11},
		"auth":         {req: &AuthRequest{}, expected: 100},
		"set-watches":  {req: &SetWatchesRequest{}, expected: 101},
		"sasl":         {req: &SASLRequest{}, expected: 102},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Check(t, is.Equal(tc.req.Opcode(), tc.expected))
		})
	}
}

func TestSpecialXIDs(t *testing.T) {
	xid, ok := SpecialXID(&PingRequest{})
	assert.Check(t, ok)
	assert.Check(t, is.Equal(xid, int32(-2)))

	xid, ok = SpecialXID(&AuthRequest{})
	assert.Check(t, ok)
	assert.Check(t, is.Equal(xid, int32(-4)))

	xid, ok = SpecialXID(&CloseRequest{})
	assert.Check(t, ok)
	assert.Check(t, is.Equal(xid, int32(0)))

	_, ok = SpecialXID(&GetDataRequest{})
	assert.Check(t, !ok)
}

func TestWritesData(t *testing.T) {
	writers := []Request{
		&CreateRequest{}, &Create2Request{}, &SetDataRequest{},
		&DeleteRequest{}, &ReconfigRequest{}, &TransactionRequest{},
	}
	for _, req := range writers {
		assert.Check(t, WritesData(req), "%T", req)
	}
	readers := []Request{
		&ExistsRequest{}, &GetDataRequest{}, &GetChildren2Request{},
		&GetACLRequest{}, &SetACLRequest{}, &PingRequest{}, &SyncRequest{},
	}
	for _, req := range readers {
		assert.Check(t, !WritesData(req), "%T", req)
	}
}

func TestResponseForOpcode(t *testing.T) {
	resp, ok := ResponseForOpcode(OpGetData)
	assert.Check(t, ok)
	_, isGetData := resp.(*GetDataResponse)
	assert.Check(t, isGetData)

	_, ok = ResponseForOpcode(9999)
	assert.Check(t, !ok)
}

func TestGetDataRequestLayout(t *testing.T) {
	req := &GetDataRequest{Path: "/a", Watch: true}
	e := NewEncoder()
	req.Marshal(e)
	assert.Check(t, is.DeepEqual(e.Bytes(), []byte{0x00, 0x00, 0x00, 0x02, '/', 'a', 0x01}))
}

func TestACLRoundTrip(t *testing.T) {
	in := ACL{Perms: PermRead | PermWrite, ID: ID{Scheme: "digest", ID: "user:hash"}}
	e := NewEncoder()
	in.Marshal(e)

	var out ACL
	assert.NilError(t, out.Unmarshal(NewDecoder(e.Bytes())))
	assert.Check(t, is.Equal(in, out))
}

func TestPermBits(t *testing.T) {
	assert.Check(t, is.Equal(PermRead, int32(1)))
	assert.Check(t, is.Equal(PermWrite, int32(2)))
	assert.Check(t, is.Equal(PermCreate, int32(4)))
	assert.Check(t, is.Equal(PermDelete, int32(8)))
	assert.Check(t, is.Equal(PermAdmin, int32(16)))
	assert.Check(t, is.Equal(PermAll, int32(31)))
}

func TestSetWatchesRequestRoundTrip(t *testing.T) {
	req := &SetWatchesRequest{
		RelativeZxid: 42,
		DataWatches:  []string{"/d"},
		ExistWatches: []string{"/e1", "/e2"},
		ChildWatches: nil,
	}
	e := NewEncoder()
	req.Marshal(e)

	d := NewDecoder(e.Bytes())
	assert.Check(t, is.Equal(d.Long(), int64(42)))
	assert.Check(t, is.DeepEqual(d.Strings(), []string{"/d"}))
	assert.Check(t, is.DeepEqual(d.Strings(), []string{"/e1", "/e2"}))
	assert.Check(t, is.Len(d.Strings(), 0))
	assert.NilError(t, d.Err())
}

func TestTransactionBodyFraming(t *testing.T) {
	txn := &TransactionRequest{}
	txn.Add(&CreateRequest{Path: "/t", ACL: UnrestrictedAccess})
	txn.Add(&CheckVersionRequest{Path: "/t", Version: 1})

	e := NewEncoder()
	txn.Marshal(e)

	d := NewDecoder(e.Bytes())

	// First sub-request header: type=create, not done, error=-1.
	assert.Check(t, is.Equal(d.Int(), OpCreate))
	assert.Check(t, !d.Bool())
	assert.Check(t, is.Equal(d.Int(), int32(-1)))
	// Create body.
	assert.Check(t, is.Equal(d.String(), "/t"))
	assert.Check(t, d.Bytes() == nil)
	assert.Check(t, is.Equal(d.Int(), int32(1))) // acl count
	var acl ACL
	assert.NilError(t, acl.Unmarshal(d))
	assert.Check(t, is.Equal(d.Int(), int32(0))) // flags

	// Second header and body.
	assert.Check(t, is.Equal(d.Int(), OpCheckVersion))
	assert.Check(t, !d.Bool())
	assert.Check(t, is.Equal(d.Int(), int32(-1)))
	assert.Check(t, is.Equal(d.String(), "/t"))
	assert.Check(t, is.Equal(d.Int(), int32(1)))

	// Terminating header: type=-1, done, error=-1.
	assert.Check(t, is.Equal(d.Int(), int32(-1)))
	assert.Check(t, d.Bool())
	assert.Check(t, is.Equal(d.Int(), int32(-1)))
	assert.Check(t, is.Equal(d.Remaining(), 0))
}

func TestTransactionResponseDecode(t *testing.T) {
	e := NewEncoder()
	// One successful create result.
	e.PutInt(OpCreate)
	e.PutBool(false)
	e.PutInt(-1)
	e.PutString("/t")
	// One rolled-back error result.
	e.PutInt(-1)
	e.PutBool(false)
	e.PutInt(-103)
	e.PutInt(-103)
	// Done.
	e.PutInt(-1)
	e.PutBool(true)
	e.PutInt(-1)

	resp := &TransactionResponse{}
	assert.NilError(t, resp.Unmarshal(NewDecoder(e.Bytes())))
	assert.Assert(t, is.Len(resp.Results, 2))

	created, ok := resp.Results[0].Response.(*CreateResponse)
	assert.Check(t, ok)
	assert.Check(t, is.Equal(created.Path, "/t"))
	assert.Check(t, resp.Results[0].Err == nil)
	assert.Check(t, resp.Results[1].Err != nil)
}
