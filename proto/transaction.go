package proto

import (
	"github.com/pkg/errors"

	"github.com/moby/zk/errdefs"
)

// multiHeader frames each sub-operation inside a transaction body.
type multiHeader struct {
	Type  int32
	Done  bool
	Error int32
}

func (h *multiHeader) marshal(e *Encoder) {
	e.PutInt(h.Type)
	e.PutBool(h.Done)
	e.PutInt(h.Error)
}

func (h *multiHeader) unmarshal(d *Decoder) error {
	h.Type = d.Int()
	h.Done = d.Bool()
	h.Error = d.Int()
	return d.Err()
}

// TransactionRequest batches sub-requests into one atomic multi operation.
// The body is each sub-request prefixed by a multi header, terminated by a
// done header of type -1.
type TransactionRequest struct {
	Requests []Request
}

func (*TransactionRequest) Opcode() int32 { return OpTransaction }

func (t *TransactionRequest) Add(r Request) {
	t.Requests = append(t.Requests, r)
}

func (t *TransactionRequest) Marshal(e *Encoder) {
	for _, r := range t.Requests {
		h := multiHeader{Type: r.Opcode(), Done: false, Error: -1}
		h.marshal(e)
		r.Marshal(e)
	}
	footer := multiHeader{Type: -1, Done: true, Error: -1}
	footer.marshal(e)
}

// TxnOpResult is the outcome of one sub-operation: either a decoded
// response or the error the server rolled it back with.
type TxnOpResult struct {
	Response Response
	Err      error
}

type TransactionResponse struct {
	Results []TxnOpResult
}

func (*TransactionResponse) Opcode() int32 { return OpTransaction }

func (t *TransactionResponse) Unmarshal(d *Decoder) error {
	var h multiHeader
	if err := h.unmarshal(d); err != nil {
		return err
	}
	for !h.Done {
		if h.Type == -1 {
			code := d.Int()
			if err := d.Err(); err != nil {
				return err
			}
			t.Results = append(t.Results, TxnOpResult{Err: errdefs.FromCode(code)})
		} else {
			resp, ok := ResponseForOpcode(h.Type)
			if !ok {
				return errors.Errorf("proto: unknown opcode %d in transaction reply", h.Type)
			}
			if err := resp.Unmarshal(d); err != nil {
				return err
			}
			t.Results = append(t.Results, TxnOpResult{Response: resp})
		}
		if err := h.unmarshal(d); err != nil {
			return err
		}
	}
	return nil
}
