package types

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
)

// noteRecord is the durable RLP layout of a Note. LeafIndex is flattened
// into a flag plus value because RLP has no optional integers.
type noteRecord struct {
	Secret     [32]byte
	Amount     uint64
	TokenKind  uint8
	Blinding   [32]byte
	Commitment common.Hash
	Nullifier  common.Hash
	HasLeaf    bool
	LeafIndex  uint64
	Owner      string
	Spent      bool
	CreatedAt  uint64
	Origin     uint8
}

// EncodeNote serializes a note for the note store.
func EncodeNote(n *Note) ([]byte, error) {
	rec := noteRecord{
		Secret:     n.Secret,
		Amount:     n.Amount,
		TokenKind:  uint8(n.TokenKind),
		Blinding:   n.Blinding,
		Commitment: n.Commitment,
		Nullifier:  n.Nullifier,
		Owner:      n.Owner,
		Spent:      n.Spent,
		CreatedAt:  n.CreatedAt,
		Origin:     uint8(n.Origin),
	}
	if n.LeafIndex != nil {
		rec.HasLeaf = true
		rec.LeafIndex = *n.LeafIndex
	}
	return rlp.EncodeToBytes(&rec)
}

// DecodeNote parses a stored note and checks that its public hashes still
// match the private fields.
func DecodeNote(data []byte) (*Note, error) {
	var rec noteRecord
	if err := rlp.DecodeBytes(data, &rec); err != nil {
		return nil, fmt.Errorf("decode note: %w", err)
	}
	n := &Note{
		Secret:     rec.Secret,
		Amount:     rec.Amount,
		TokenKind:  TokenKind(rec.TokenKind),
		Blinding:   rec.Blinding,
		Commitment: rec.Commitment,
		Nullifier:  rec.Nullifier,
		Owner:      rec.Owner,
		Spent:      rec.Spent,
		CreatedAt:  rec.CreatedAt,
		Origin:     NoteOrigin(rec.Origin),
	}
	if rec.HasLeaf {
		idx := rec.LeafIndex
		n.LeafIndex = &idx
	}
	if err := n.Verify(); err != nil {
		return nil, fmt.Errorf("decode note: %w", err)
	}
	return n, nil
}
