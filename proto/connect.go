package proto

// ConnectRequest opens or resumes a session. It is framed without an xid or
// opcode preamble and its reply carries no reply header.
type ConnectRequest struct {
	ProtocolVersion int32
	LastSeenZxid    int64
	TimeoutMillis   int32
	SessionID       int64
	Password        []byte
	ReadOnly        bool
}

func (*ConnectRequest) Opcode() int32 { return 0 }

func (r *ConnectRequest) Marshal(e *Encoder) {
	e.PutInt(r.ProtocolVersion)
	e.PutLong(r.LastSeenZxid)
	e.PutInt(r.TimeoutMillis)
	e.PutLong(r.SessionID)
	e.PutBytes(r.Password)
	e.PutBool(r.ReadOnly)
}

type ConnectResponse struct {
	ProtocolVersion int32
	TimeoutMillis   int32
	SessionID       int64
	Password        []byte
}

func (*ConnectResponse) Opcode() int32 { return 0 }

func (r *ConnectResponse) Unmarshal(d *Decoder) error {
	r.ProtocolVersion = d.Int()
	r.TimeoutMillis = d.Int()
	r.SessionID = d.Long()
	r.Password = d.Bytes()
	return d.Err()
}
