package proto

type GetDataRequest struct {
	Path  string
	Watch bool
}

func (*GetDataRequest) Opcode() int32 { return OpGetData }
func (r *GetDataRequest) RequestPath() string { return r.Path }

func (r *GetDataRequest) Marshal(e *Encoder) {
	e.PutString(r.Path)
	e.PutBool(r.Watch)
}

type GetDataResponse struct {
	Data []byte
	Stat Stat
}

func (*GetDataResponse) Opcode() int32 { return OpGetData }
func (r *GetDataResponse) ZnodeStat() Stat { return r.Stat }

func (r *GetDataResponse) Unmarshal(d *Decoder) error {
	r.Data = d.Bytes()
	if err := d.Err(); err != nil {
		return err
	}
	return r.Stat.Unmarshal(d)
}

type SetDataRequest struct {
	Path    string
	Data    []byte
	Version int32
}

func (*SetDataRequest) Opcode() int32 { return OpSetData }
func (r *SetDataRequest) RequestPath() string { return r.Path }

func (r *SetDataRequest) Marshal(e *Encoder) {
	e.PutString(r.Path)
	e.PutBytes(r.Data)
	e.PutInt(r.Version)
}

type SetDataResponse struct {
	Stat Stat
}

func (*SetDataResponse) Opcode() int32 { return OpSetData }
func (r *SetDataResponse) ZnodeStat() Stat { return r.Stat }

func (r *SetDataResponse) Unmarshal(d *Decoder) error {
	return r.Stat.Unmarshal(d)
}

type ExistsRequest struct {
	Path  string
	Watch bool
}

func (*ExistsRequest) Opcode() int32 { return OpExists }
func (r *ExistsRequest) RequestPath() string { return r.Path }

func (r *ExistsRequest) Marshal(e *Encoder) {
	e.PutString(r.Path)
	e.PutBool(r.Watch)
}

type ExistsResponse struct {
	Stat Stat
}

func (*ExistsResponse) Opcode() int32 { return OpExists }
func (r *ExistsResponse) ZnodeStat() Stat { return r.Stat }

func (r *ExistsResponse) Unmarshal(d *Decoder) error {
	return r.Stat.Unmarshal(d)
}

type DeleteRequest struct {
	Path    string
	Version int32
}

func (*DeleteRequest) Opcode() int32 { return OpDelete }
func (r *DeleteRequest) RequestPath() string { return r.Path }

func (r *DeleteRequest) Marshal(e *Encoder) {
	e.PutString(r.Path)
	e.PutInt(r.Version)
}

type DeleteResponse struct{}

func (*DeleteResponse) Opcode() int32 { return OpDelete }
func (*DeleteResponse) Unmarshal(*Decoder) error { return nil }
