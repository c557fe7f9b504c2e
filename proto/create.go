package proto

// CreateFlags select the znode variety at creation time.
type CreateFlags int32

const (
	FlagEphemeral  CreateFlags = 1 << 0
	FlagSequential CreateFlags = 1 << 1
	FlagContainer  CreateFlags = 1 << 2
)

func (f CreateFlags) Ephemeral() bool { return f&FlagEphemeral != 0 }
func (f CreateFlags) Sequential() bool { return f&FlagSequential != 0 }
func (f CreateFlags) Container() bool { return f&FlagContainer != 0 }

type CreateRequest struct {
	Path  string
	Data  []byte
	ACL   []ACL
	Flags CreateFlags
}

func (*CreateRequest) Opcode() int32 { return OpCreate }
func (r *CreateRequest) RequestPath() string { return r.Path }

func (r *CreateRequest) Marshal(e *Encoder) {
	e.PutString(r.Path)
	e.PutBytes(r.Data)
	marshalACLs(e, r.ACL)
	e.PutInt(int32(r.Flags))
}

type CreateResponse struct {
	Path string
}

func (*CreateResponse) Opcode() int32 { return OpCreate }

func (r *CreateResponse) Unmarshal(d *Decoder) error {
	r.Path = d.String()
	return d.Err()
}

// Create2Request is the create variant servers >= 3.5.0 accept; its reply
// includes the created node's stat.
type Create2Request struct {
	Path  string
	Data  []byte
	ACL   []ACL
	Flags CreateFlags
}

func (*Create2Request) Opcode() int32 { return OpCreate2 }
func (r *Create2Request) RequestPath() string { return r.Path }

func (r *Create2Request) Marshal(e *Encoder) {
	e.PutString(r.Path)
	e.PutBytes(r.Data)
	marshalACLs(e, r.ACL)
	e.PutInt(int32(r.Flags))
}

type Create2Response struct {
	Path string
	Stat Stat
}

func (*Create2Response) Opcode() int32 { return OpCreate2 }
func (r *Create2Response) ZnodeStat() Stat { return r.Stat }

func (r *Create2Response) Unmarshal(d *Decoder) error {
	r.Path = d.String()
	if err := d.Err(); err != nil {
		return err
	}
	return r.Stat.Unmarshal(d)
}
