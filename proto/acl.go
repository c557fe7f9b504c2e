package proto

// Permission bits carried in an ACL entry.
const (
	PermRead   int32 = 1 << 0
	PermWrite  int32 = 1 << 1
	PermCreate int32 = 1 << 2
	PermDelete int32 = 1 << 3
	PermAdmin  int32 = 1 << 4

	PermAll = PermRead | PermWrite | PermCreate | PermDelete | PermAdmin
)

// ID names a principal within an ACL scheme.
type ID struct {
	Scheme string
	ID     string
}

func (id *ID) Marshal(e *Encoder) {
	e.PutString(id.Scheme)
	e.PutString(id.ID)
}

func (id *ID) Unmarshal(d *Decoder) error {
	id.Scheme = d.String()
	id.ID = d.String()
	return d.Err()
}

// ACL grants a permission set to one principal. ACL entries are passed
// through to the server verbatim; the client applies no scheme logic.
type ACL struct {
	Perms int32
	ID    ID
}

func (a *ACL) Marshal(e *Encoder) {
	e.PutInt(a.Perms)
	a.ID.Marshal(e)
}

func (a *ACL) Unmarshal(d *Decoder) error {
	a.Perms = d.Int()
	return a.ID.Unmarshal(d)
}

func marshalACLs(e *Encoder, acls []ACL) {
	e.PutInt(int32(len(acls)))
	for i := range acls {
		acls[i].Marshal(e)
	}
}

func unmarshalACLs(d *Decoder) []ACL {
	n := d.Int()
	if d.Err() != nil || n < 0 {
		return nil
	}
	out := make([]ACL, n)
	for i := range out {
		if err := out[i].Unmarshal(d); err != nil {
			return nil
		}
	}
	return out
}

// Stock ACL sets.
var (
	// WorldReadable lets anyone read and nobody else do anything.
	WorldReadable = []ACL{{Perms: PermRead, ID: ID{Scheme: "world", ID: "anyone"}}}

	// AuthedUnrestricted grants everything to any authenticated user.
	AuthedUnrestricted = []ACL{{Perms: PermAll, ID: ID{Scheme: "auth"}}}

	// UnrestrictedAccess grants everything to anyone.
	UnrestrictedAccess = []ACL{{Perms: PermAll, ID: ID{Scheme: "world", ID: "anyone"}}}
)

type GetACLRequest struct {
	Path string
}

func (*GetACLRequest) Opcode() int32 { return OpGetACL }
func (r *GetACLRequest) RequestPath() string { return r.Path }
func (r *GetACLRequest) Marshal(e *Encoder) { e.PutString(r.Path) }

type GetACLResponse struct {
	ACL  []ACL
	Stat Stat
}

func (*GetACLResponse) Opcode() int32 { return OpGetACL }
func (r *GetACLResponse) ZnodeStat() Stat { return r.Stat }

func (r *GetACLResponse) Unmarshal(d *Decoder) error {
	r.ACL = unmarshalACLs(d)
	if err := d.Err(); err != nil {
		return err
	}
	return r.Stat.Unmarshal(d)
}

type SetACLRequest struct {
	Path    string
	ACL     []ACL
	Version int32
}

func (*SetACLRequest) Opcode() int32 { return OpSetACL }
func (r *SetACLRequest) RequestPath() string { return r.Path }

func (r *SetACLRequest) Marshal(e *Encoder) {
	e.PutString(r.Path)
	marshalACLs(e, r.ACL)
	e.PutInt(r.Version)
}

type SetACLResponse struct {
	Stat Stat
}

func (*SetACLResponse) Opcode() int32 { return OpSetACL }
func (r *SetACLResponse) ZnodeStat() Stat { return r.Stat }

func (r *SetACLResponse) Unmarshal(d *Decoder) error {
	return r.Stat.Unmarshal(d)
}
