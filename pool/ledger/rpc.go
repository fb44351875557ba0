package ledger

import (
	"context"
	"encoding/json"
	"time"

	"github.com/colorfulnotion/shieldpool/jsonrpc"
	log "github.com/colorfulnotion/shieldpool/log"
	"github.com/colorfulnotion/shieldpool/types"
	"github.com/ethereum/go-ethereum/common"
)

const (
	MethodCurrentRoot       = "ledger_currentRoot"
	MethodIsNullifierSpent  = "ledger_isNullifierSpent"
	MethodSync              = "ledger_sync"
	MethodAwaitConfirmation = "ledger_awaitConfirmation"
	MethodSubmit            = "ledger_submit"
)

// Client reaches a ledger node over JSON-RPC. It implements both Ledger
// and Submitter.
type Client struct {
	rpc *jsonrpc.Client
}

func NewClient(url string, timeout time.Duration) *Client {
	return &Client{rpc: jsonrpc.NewClient(log.Ledger, url, timeout)}
}

func (c *Client) CurrentRoot(ctx context.Context) (common.Hash, error) {
	var root common.Hash
	err := c.rpc.Call(ctx, MethodCurrentRoot, []interface{}{}, &root)
	return root, err
}

func (c *Client) IsNullifierSpent(ctx context.Context, nf common.Hash) (bool, error) {
	var spent bool
	err := c.rpc.Call(ctx, MethodIsNullifierSpent, []interface{}{nf}, &spent)
	return spent, err
}

func (c *Client) Sync(ctx context.Context, leafFrom, nullifierFrom uint64) (*types.Delta, error) {
	var delta types.Delta
	if err := c.rpc.Call(ctx, MethodSync, []interface{}{leafFrom, nullifierFrom}, &delta); err != nil {
		return nil, err
	}
	return &delta, nil
}

func (c *Client) AwaitConfirmation(ctx context.Context, handle string) (*types.Confirmation, error) {
	var conf types.Confirmation
	if err := c.rpc.Call(ctx, MethodAwaitConfirmation, []interface{}{handle}, &conf); err != nil {
		return nil, err
	}
	return &conf, nil
}

func (c *Client) Submit(ctx context.Context, sub *types.Submission) (string, error) {
	var handle string
	err := c.rpc.Call(ctx, MethodSubmit, []interface{}{sub}, &handle)
	return handle, err
}

// Node is a ledger that also accepts submissions.
type Node interface {
	Ledger
	Submitter
}

// NewServer exposes node over JSON-RPC.
func NewServer(node Node) *jsonrpc.Server {
	srv := jsonrpc.NewServer(log.Ledger)
	srv.Register(MethodCurrentRoot, func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return node.CurrentRoot(ctx)
	})
	srv.Register(MethodIsNullifierSpent, func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var nf common.Hash
		if err := jsonrpc.DecodeParams(params, &nf); err != nil {
			return nil, err
		}
		return node.IsNullifierSpent(ctx, nf)
	})
	srv.Register(MethodSync, func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var leafFrom, nullifierFrom uint64
		if err := jsonrpc.DecodeParams(params, &leafFrom, &nullifierFrom); err != nil {
			return nil, err
		}
		return node.Sync(ctx, leafFrom, nullifierFrom)
	})
	srv.Register(MethodAwaitConfirmation, func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var handle string
		if err := jsonrpc.DecodeParams(params, &handle); err != nil {
			return nil, err
		}
		return node.AwaitConfirmation(ctx, handle)
	})
	srv.Register(MethodSubmit, func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var sub types.Submission
		if err := jsonrpc.DecodeParams(params, &sub); err != nil {
			return nil, err
		}
		return node.Submit(ctx, &sub)
	})
	return srv
}
