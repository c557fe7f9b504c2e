package proto

// Stat is the fixed-layout metadata record attached to every znode.
type Stat struct {
	CreatedZxid          int64
	LastModifiedZxid     int64
	Created              int64
	Modified             int64
	Version              int32
	ChildVersion         int32
	ACLVersion           int32
	EphemeralOwner       int64
	DataLength           int32
	NumChildren          int32
	LastModifiedChildren int64
}

func (s *Stat) Marshal(e *Encoder) {
	e.PutLong(s.CreatedZxid)
	e.PutLong(s.LastModifiedZxid)
	e.PutLong(s.Created)
	e.PutLong(s.Modified)
	e.PutInt(s.Version)
	e.PutInt(s.ChildVersion)
	e.PutInt(s.ACLVersion)
	e.PutLong(s.EphemeralOwner)
	e.PutInt(s.DataLength)
	e.PutInt(s.NumChildren)
	e.PutLong(s.LastModifiedChildren)
}

func (s *Stat) Unmarshal(d *Decoder) error {
	s.CreatedZxid = d.Long()
	s.LastModifiedZxid = d.Long()
	s.Created = d.Long()
	s.Modified = d.Long()
	s.Version = d.Int()
	s.ChildVersion = d.Int()
	s.ACLVersion = d.Int()
	s.EphemeralOwner = d.Long()
	s.DataLength = d.Int()
	s.NumChildren = d.Int()
	s.LastModifiedChildren = d.Long()
	return d.Err()
}
