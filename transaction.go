package zk

import (
	"context"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"

	"github.com/moby/zk/errdefs"
	"github.com/moby/zk/proto"
)

// Transaction accumulates checks, creates, sets and deletes for one
// atomic multi operation. A transaction either applies every operation
// or none of them.
type Transaction struct {
	client *Client
	req    proto.TransactionRequest
}

// Begin starts an empty transaction.
func (c *Client) Begin() *Transaction {
	return &Transaction{client: c}
}

// CheckVersion asserts a znode's data version; a mismatch rolls the
// whole transaction back.
func (t *Transaction) CheckVersion(path string, version int32) *Transaction {
	t.req.Add(&proto.CheckVersionRequest{
		Path:    t.client.normalizePath(path),
		Version: version,
	})
	return t
}

// Create adds a znode creation.
func (t *Transaction) Create(path string, data []byte, acl []proto.ACL, flags proto.CreateFlags) *Transaction {
	if len(acl) == 0 {
		acl = t.client.defaultACL
	}
	normalized := t.client.normalizePath(path)
	if t.client.Features().CreateWithStat {
		t.req.Add(&proto.Create2Request{Path: normalized, Data: data, ACL: acl, Flags: flags})
	} else {
		t.req.Add(&proto.CreateRequest{Path: normalized, Data: data, ACL: acl, Flags: flags})
	}
	return t
}

// SetData adds a data write at the given version, -1 for any.
func (t *Transaction) SetData(path string, data []byte, version int32) *Transaction {
	t.req.Add(&proto.SetDataRequest{
		Path:    t.client.normalizePath(path),
		Data:    data,
		Version: version,
	})
	return t
}

// Delete adds a znode removal at the given version, -1 for any.
func (t *Transaction) Delete(path string, version int32) *Transaction {
	t.req.Add(&proto.DeleteRequest{
		Path:    t.client.normalizePath(path),
		Version: version,
	})
	return t
}

// TxnResult categorises the outcome of a committed transaction into the
// denormalized paths that were checked, created, updated and deleted. An
// empty result means the transaction rolled back.
type TxnResult struct {
	Checked mapset.Set[string]
	Created mapset.Set[string]
	Updated mapset.Set[string]
	Deleted mapset.Set[string]
}

// Succeeded reports whether at least one operation applied.
func (r *TxnResult) Succeeded() bool {
	return r.Checked.Cardinality()+r.Created.Cardinality()+
		r.Updated.Cardinality()+r.Deleted.Cardinality() > 0
}

// Commit sends the batched request and projects the reply onto a result.
// When the server rolls the transaction back the result is empty and
// ErrTransactionFailed is returned alongside it.
func (t *Transaction) Commit(ctx context.Context) (*TxnResult, error) {
	if len(t.req.Requests) == 0 {
		return nil, errors.Wrap(errdefs.ErrInvalidClientState, "no operations to commit")
	}

	resp, err := t.client.send(ctx, &t.req)
	if err != nil {
		return nil, err
	}
	txn := resp.(*proto.TransactionResponse)

	result := &TxnResult{
		Checked: mapset.NewSet[string](),
		Created: mapset.NewSet[string](),
		Updated: mapset.NewSet[string](),
		Deleted: mapset.NewSet[string](),
	}

	for i, res := range txn.Results {
		if i >= len(t.req.Requests) {
			break
		}
		if res.Err != nil {
			continue
		}
		req := t.req.Requests[i]
		pathed, ok := req.(proto.Pathed)
		if !ok {
			continue
		}
		path := t.client.denormalizePath(pathed.RequestPath())
		switch req.(type) {
		case *proto.CheckVersionRequest:
			result.Checked.Add(path)
		case *proto.CreateRequest, *proto.Create2Request:
			result.Created.Add(path)
		case *proto.SetDataRequest:
			result.Updated.Add(path)
		case *proto.DeleteRequest:
			result.Deleted.Add(path)
		}
	}

	if !result.Succeeded() {
		return result, errdefs.ErrTransactionFailed
	}
	return result, nil
}
