package proto

// PingRequest is the session heartbeat, always dispatched under XIDPing.
type PingRequest struct{}

func (*PingRequest) Opcode() int32 { return OpPing }
func (*PingRequest) Marshal(*Encoder) {}

type PingResponse struct{}

func (*PingResponse) Opcode() int32 { return OpPing }
func (*PingResponse) Unmarshal(*Decoder) error { return nil }

// CloseRequest ends the session. It is sent with xid 0 on the wire and its
// reply carries no reply header; the connection selects the close-reply
// parse whenever the close queue is non-empty.
type CloseRequest struct{}

func (*CloseRequest) Opcode() int32 { return OpClose }
func (*CloseRequest) Marshal(*Encoder) {}

type CloseResponse struct{}

func (*CloseResponse) Opcode() int32 { return OpClose }
func (*CloseResponse) Unmarshal(*Decoder) error { return nil }

// AuthRequest submits credentials for a scheme, under XIDAuth. Multiple
// outstanding auth requests are permitted.
type AuthRequest struct {
	Type   int32
	Scheme string
	Auth   []byte
}

func (*AuthRequest) Opcode() int32 { return OpAuth }

func (r *AuthRequest) Marshal(e *Encoder) {
	e.PutInt(r.Type)
	e.PutString(r.Scheme)
	e.PutBytes(r.Auth)
}

type AuthResponse struct{}

func (*AuthResponse) Opcode() int32 { return OpAuth }
func (*AuthResponse) Unmarshal(*Decoder) error { return nil }

// SyncRequest flushes the leader-to-follower channel for a path.
type SyncRequest struct {
	Path string
}

func (*SyncRequest) Opcode() int32 { return OpSync }
func (r *SyncRequest) RequestPath() string { return r.Path }
func (r *SyncRequest) Marshal(e *Encoder) { e.PutString(r.Path) }

type SyncResponse struct {
	Path string
}

func (*SyncResponse) Opcode() int32 { return OpSync }

func (r *SyncResponse) Unmarshal(d *Decoder) error {
	r.Path = d.String()
	return d.Err()
}

// CheckVersionRequest asserts a znode's data version, used inside
// transactions.
type CheckVersionRequest struct {
	Path    string
	Version int32
}

func (*CheckVersionRequest) Opcode() int32 { return OpCheckVersion }
func (r *CheckVersionRequest) RequestPath() string { return r.Path }

func (r *CheckVersionRequest) Marshal(e *Encoder) {
	e.PutString(r.Path)
	e.PutInt(r.Version)
}

type CheckVersionResponse struct{}

func (*CheckVersionResponse) Opcode() int32 { return OpCheckVersion }
func (*CheckVersionResponse) Unmarshal(*Decoder) error { return nil }

// ReconfigRequest changes ensemble membership (servers >= 3.5.0).
type ReconfigRequest struct {
	JoiningServers  string
	LeavingServers  string
	NewMembers      string
	CurrentConfigID int64
}

func (*ReconfigRequest) Opcode() int32 { return OpReconfig }

func (r *ReconfigRequest) Marshal(e *Encoder) {
	e.PutString(r.JoiningServers)
	e.PutString(r.LeavingServers)
	e.PutString(r.NewMembers)
	e.PutLong(r.CurrentConfigID)
}

type ReconfigResponse struct {
	Stat Stat
}

func (*ReconfigResponse) Opcode() int32 { return OpReconfig }
func (r *ReconfigResponse) ZnodeStat() Stat { return r.Stat }

func (r *ReconfigResponse) Unmarshal(d *Decoder) error {
	return r.Stat.Unmarshal(d)
}

// SASLRequest and SASLResponse exist for wire completeness; the client does
// not drive a SASL handshake.
type SASLRequest struct {
	Token []byte
}

func (*SASLRequest) Opcode() int32 { return OpSASL }
func (r *SASLRequest) Marshal(e *Encoder) { e.PutBytes(r.Token) }

type SASLResponse struct {
	Token []byte
}

func (*SASLResponse) Opcode() int32 { return OpSASL }

func (r *SASLResponse) Unmarshal(d *Decoder) error {
	r.Token = d.Bytes()
	return d.Err()
}
