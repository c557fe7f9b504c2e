package proto

// EventType distinguishes the znode change a watch event reports. The zero
// value marks a session-state event, which carries no path.
type EventType int32

const (
	EventSession         EventType = 0
	EventCreated         EventType = 1
	EventDeleted         EventType = 2
	EventDataChanged     EventType = 3
	EventChildrenChanged EventType = 4
)

func (t EventType) String() string {
	switch t {
	case EventSession:
		return "session"
	case EventCreated:
		return "created"
	case EventDeleted:
		return "deleted"
	case EventDataChanged:
		return "data-changed"
	case EventChildrenChanged:
		return "children-changed"
	}
	return "unknown"
}

// Session states reported in the state field of a session event.
const (
	StateDisconnected      int32 = 0
	StateConnected         int32 = 3
	StateAuthFailed        int32 = 4
	StateConnectedReadOnly int32 = 5
	StateSASLAuthenticated int32 = 6
	StateExpired           int32 = -112
)

// WatchEvent is a server-initiated notification delivered under XIDWatch.
type WatchEvent struct {
	Type  EventType
	State int32
	Path  string
}

func (r *WatchEvent) Unmarshal(d *Decoder) error {
	r.Type = EventType(d.Int())
	r.State = d.Int()
	r.Path = d.String()
	return d.Err()
}

// SetWatchesRequest re-arms server-side watches after a reconnect. Watches
// on node creation go in ExistWatches, matching server semantics for
// ZooKeeper >= 3.4.
type SetWatchesRequest struct {
	RelativeZxid int64
	DataWatches  []string
	ExistWatches []string
	ChildWatches []string
}

func (*SetWatchesRequest) Opcode() int32 { return OpSetWatches }

func (r *SetWatchesRequest) Marshal(e *Encoder) {
	e.PutLong(r.RelativeZxid)
	e.PutStrings(r.DataWatches)
	e.PutStrings(r.ExistWatches)
	e.PutStrings(r.ChildWatches)
}

type SetWatchesResponse struct{}

func (*SetWatchesResponse) Opcode() int32 { return OpSetWatches }
func (*SetWatchesResponse) Unmarshal(*Decoder) error { return nil }

type CheckWatchesRequest struct {
	Path string
	Type int32
}

func (*CheckWatchesRequest) Opcode() int32 { return OpCheckWatches }
func (r *CheckWatchesRequest) RequestPath() string { return r.Path }

func (r *CheckWatchesRequest) Marshal(e *Encoder) {
	e.PutString(r.Path)
	e.PutInt(r.Type)
}

type CheckWatchesResponse struct{}

func (*CheckWatchesResponse) Opcode() int32 { return OpCheckWatches }
func (*CheckWatchesResponse) Unmarshal(*Decoder) error { return nil }

type RemoveWatchesRequest struct {
	Path string
	Type int32
}

func (*RemoveWatchesRequest) Opcode() int32 { return OpRemoveWatch }
func (r *RemoveWatchesRequest) RequestPath() string { return r.Path }

func (r *RemoveWatchesRequest) Marshal(e *Encoder) {
	e.PutString(r.Path)
	e.PutInt(r.Type)
}

type RemoveWatchesResponse struct{}

func (*RemoveWatchesResponse) Opcode() int32 { return OpRemoveWatch }
func (*RemoveWatchesResponse) Unmarshal(*Decoder) error { return nil }
