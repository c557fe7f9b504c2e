package proto

type GetChildrenRequest struct {
	Path  string
	Watch bool
}

func (*GetChildrenRequest) Opcode() int32 { return OpGetChildren }
func (r *GetChildrenRequest) RequestPath() string { return r.Path }

func (r *GetChildrenRequest) Marshal(e *Encoder) {
	e.PutString(r.Path)
	e.PutBool(r.Watch)
}

type GetChildrenResponse struct {
	Children []string
}

func (*GetChildrenResponse) Opcode() int32 { return OpGetChildren }

func (r *GetChildrenResponse) Unmarshal(d *Decoder) error {
	r.Children = d.Strings()
	return d.Err()
}

// GetChildren2Request is the children listing that also returns the parent
// stat; the client prefers it over the plain variant.
type GetChildren2Request struct {
	Path  string
	Watch bool
}

func (*GetChildren2Request) Opcode() int32 { return OpGetChildren2 }
func (r *GetChildren2Request) RequestPath() string { return r.Path }

func (r *GetChildren2Request) Marshal(e *Encoder) {
	e.PutString(r.Path)
	e.PutBool(r.Watch)
}

type GetChildren2Response struct {
	Children []string
	Stat     Stat
}

func (*GetChildren2Response) Opcode() int32 { return OpGetChildren2 }
func (r *GetChildren2Response) ZnodeStat() Stat { return r.Stat }

func (r *GetChildren2Response) Unmarshal(d *Decoder) error {
	r.Children = d.Strings()
	if err := d.Err(); err != nil {
		return err
	}
	return r.Stat.Unmarshal(d)
}
