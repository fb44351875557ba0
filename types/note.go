package types

import (
	"fmt"

	"github.com/colorfulnotion/shieldpool/crypto"
	"github.com/colorfulnotion/shieldpool/poolerrors"
	"github.com/ethereum/go-ethereum/common"
)

// NoteOrigin records how a note came to exist. Diagnostics only.
type NoteOrigin uint8

const (
	OriginDeposit NoteOrigin = iota
	OriginTransfer
	OriginChange
	OriginConsolidation
)

func (o NoteOrigin) String() string {
	switch o {
	case OriginDeposit:
		return "deposit"
	case OriginTransfer:
		return "transfer"
	case OriginChange:
		return "change"
	case OriginConsolidation:
		return "consolidation"
	default:
		return "unknown"
	}
}

// Note is a shielded value record owned by a local identity.
type Note struct {
	Secret     [crypto.ScalarSize]byte
	Amount     uint64
	TokenKind  TokenKind
	Blinding   [crypto.ScalarSize]byte
	Commitment common.Hash
	Nullifier  common.Hash
	LeafIndex  *uint64 // nil until the ledger confirms the commitment
	Owner      string
	Spent      bool
	CreatedAt  uint64 // logical clock assigned by the note store
	Origin     NoteOrigin
}

// NewNote builds a note with fresh secret and blinding. Every output of a
// deposit, transfer, split or consolidation goes through here.
func NewNote(owner string, kind TokenKind, amount uint64, origin NoteOrigin) (*Note, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("new note: %w: %d", poolerrors.ErrUnknownTokenKind, uint8(kind))
	}
	if amount == 0 {
		return nil, fmt.Errorf("new note: %w", poolerrors.ErrInvalidAmount)
	}
	secret, err := crypto.RandomScalar()
	if err != nil {
		return nil, err
	}
	blinding, err := crypto.RandomScalar()
	if err != nil {
		return nil, err
	}
	n := &Note{
		Secret:    secret,
		Amount:    amount,
		TokenKind: kind,
		Blinding:  blinding,
		Owner:     owner,
		Origin:    origin,
	}
	if err := n.derive(); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *Note) derive() error {
	cm, err := crypto.Commitment(n.Secret, n.Amount, uint8(n.TokenKind), n.Blinding)
	if err != nil {
		return fmt.Errorf("note commitment: %w", err)
	}
	nf, err := crypto.Nullifier(n.Secret, crypto.Rho(cm))
	if err != nil {
		return fmt.Errorf("note nullifier: %w", err)
	}
	n.Commitment = cm
	n.Nullifier = nf
	return nil
}

// Verify recomputes commitment and nullifier from the private fields.
func (n *Note) Verify() error {
	if !n.TokenKind.Valid() {
		return poolerrors.ErrUnknownTokenKind
	}
	if n.Amount == 0 {
		return poolerrors.ErrInvalidAmount
	}
	cm, nf := n.Commitment, n.Nullifier
	if err := n.derive(); err != nil {
		return err
	}
	if cm != n.Commitment || nf != n.Nullifier {
		n.Commitment, n.Nullifier = cm, nf
		return fmt.Errorf("note %s: commitment or nullifier does not match secret fields", cm.Hex())
	}
	return nil
}

func (n *Note) Key() PoolKey {
	return PoolKey{Owner: n.Owner, TokenKind: n.TokenKind}
}

func (n *Note) HasLeaf() bool {
	return n.LeafIndex != nil
}

// Clone returns a deep copy; callers outside the store only ever see clones.
func (n *Note) Clone() *Note {
	c := *n
	if n.LeafIndex != nil {
		idx := *n.LeafIndex
		c.LeafIndex = &idx
	}
	return &c
}

func (n *Note) String() string {
	leaf := "pending"
	if n.LeafIndex != nil {
		leaf = fmt.Sprintf("%d", *n.LeafIndex)
	}
	return fmt.Sprintf("note{cm=%s amount=%d token=%s leaf=%s spent=%v}",
		n.Commitment.TerminalString(), n.Amount, n.TokenKind, leaf, n.Spent)
}

// SumAmounts adds note amounts, failing on overflow.
func SumAmounts(notes []*Note) (uint64, error) {
	var total uint64
	for _, n := range notes {
		next := total + n.Amount
		if next < total {
			return 0, fmt.Errorf("sum of note amounts overflows uint64")
		}
		total = next
	}
	return total, nil
}
