// Package merkle keeps a local mirror of the ledger's commitment tree
package merkle

import "github.com/ethereum/go-ethereum/common"

// TreeReader is the read side of the mirror used to build spend witnesses.
type TreeReader interface {
	Root() common.Hash
	Witness(position uint64) (Witness, error)
}

var _ TreeReader = (*Mirror)(nil)

// Witness represents a Merkle inclusion proof
type Witness struct {
	Position uint64        // Leaf position
	Path     []common.Hash // Sibling hashes from leaf to root
	Root     common.Hash   // Root the path was derived against
}
