package prover

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/colorfulnotion/shieldpool/jsonrpc"
	log "github.com/colorfulnotion/shieldpool/log"
	"github.com/colorfulnotion/shieldpool/poolerrors"
	"github.com/colorfulnotion/shieldpool/types"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

const (
	MethodProve = "prover_prove"

	CodeProofTimeout   = -32010
	CodeInvalidWitness = -32011
)

// Client talks to a prover over JSON-RPC.
type Client struct {
	rpc *jsonrpc.Client
}

func NewClient(url string, timeout time.Duration) *Client {
	return &Client{rpc: jsonrpc.NewClient(log.Prover, url, timeout)}
}

func (c *Client) RequestProof(ctx context.Context, circuit types.CircuitID, witness *types.Witness) ([]byte, error) {
	var proof hexutil.Bytes
	err := c.rpc.Call(ctx, MethodProve, []interface{}{circuit, witness}, &proof)
	switch {
	case err == nil:
		log.Debug(log.Prover, "Proof received", "circuit", circuit, "bytes", len(proof))
		return proof, nil
	case errors.Is(err, context.DeadlineExceeded), jsonrpc.ErrorCode(err) == CodeProofTimeout:
		return nil, fmt.Errorf("%w: %v", poolerrors.ErrProofTimeout, err)
	case jsonrpc.ErrorCode(err) == CodeInvalidWitness:
		return nil, fmt.Errorf("%w: %v", poolerrors.ErrInvalidWitness, err)
	default:
		if ctx.Err() == nil && isTimeout(err) {
			return nil, fmt.Errorf("%w: %v", poolerrors.ErrProofTimeout, err)
		}
		return nil, fmt.Errorf("prover_prove: %w", err)
	}
}

func (c *Client) GetStats() map[string]interface{} {
	return c.rpc.GetStats()
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

// NewServer exposes p over JSON-RPC.
func NewServer(p Prover) *jsonrpc.Server {
	srv := jsonrpc.NewServer(log.Prover)
	srv.Register(MethodProve, func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var circuit types.CircuitID
		var witness types.Witness
		if err := jsonrpc.DecodeParams(params, &circuit, &witness); err != nil {
			return nil, err
		}
		proof, err := p.RequestProof(ctx, circuit, &witness)
		switch {
		case err == nil:
			return hexutil.Bytes(proof), nil
		case errors.Is(err, poolerrors.ErrProofTimeout):
			return nil, &jsonrpc.Error{Code: CodeProofTimeout, Message: err.Error()}
		case errors.Is(err, poolerrors.ErrInvalidWitness):
			return nil, &jsonrpc.Error{Code: CodeInvalidWitness, Message: err.Error()}
		default:
			return nil, err
		}
	})
	return srv
}
