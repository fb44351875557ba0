// Package ledger is the client side of the authoritative pool program:
// root and nullifier queries, incremental sync, and confirmation of relayed
// submissions. Simulated is an in-memory program for devnet and tests.
package ledger

import (
	"context"

	"github.com/colorfulnotion/shieldpool/types"
	"github.com/ethereum/go-ethereum/common"
)

// Ledger is read by the executor. It is the only source of truth for
// spent status; local mirrors are caches of it.
type Ledger interface {
	CurrentRoot(ctx context.Context) (common.Hash, error)
	IsNullifierSpent(ctx context.Context, nf common.Hash) (bool, error)
	// Sync returns leaves from leafFrom and nullifiers from nullifierFrom
	// in ledger order, with the root after the last leaf.
	Sync(ctx context.Context, leafFrom, nullifierFrom uint64) (*types.Delta, error)
	// AwaitConfirmation blocks until the submission behind handle is
	// confirmed or rejected.
	AwaitConfirmation(ctx context.Context, handle string) (*types.Confirmation, error)
}

// Submitter accepts a proven submission and returns a confirmation handle.
// Relays front a Submitter.
type Submitter interface {
	Submit(ctx context.Context, sub *types.Submission) (string, error)
}
