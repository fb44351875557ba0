package types

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// CircuitID names the proving circuit a step uses.
type CircuitID string

const (
	CircuitTransfer    CircuitID = "transfer-spend"
	CircuitWithdraw    CircuitID = "withdraw-spend"
	CircuitConsolidate CircuitID = "consolidate"
	CircuitDeposit     CircuitID = "deposit"
)

func (c CircuitID) Valid() bool {
	switch c {
	case CircuitTransfer, CircuitWithdraw, CircuitConsolidate, CircuitDeposit:
		return true
	}
	return false
}

// PublicInputs are visible to the ledger. Nullifiers and Root are always
// present for spending circuits.
type PublicInputs struct {
	Root              common.Hash   `json:"root"`
	Nullifiers        []common.Hash `json:"nullifiers"`
	OutputCommitments []common.Hash `json:"outputCommitments"`
	TokenKind         TokenKind     `json:"tokenKind"`
	PublicAmount      uint64        `json:"publicAmount,omitempty"`
	Recipient         string        `json:"recipient,omitempty"`
	Priority          bool          `json:"priority,omitempty"`
}

// InputWitness is the private data for one consumed note.
type InputWitness struct {
	Secret    common.Hash   `json:"secret"`
	Blinding  common.Hash   `json:"blinding"`
	Amount    uint64        `json:"amount"`
	LeafIndex uint64        `json:"leafIndex"`
	Path      []common.Hash `json:"path"`
}

// OutputWitness is the private data for one created note.
type OutputWitness struct {
	Secret     common.Hash `json:"secret"`
	Blinding   common.Hash `json:"blinding"`
	Amount     uint64      `json:"amount"`
	Commitment common.Hash `json:"commitment"`
}

// Witness is everything the prover needs for one step.
type Witness struct {
	Circuit CircuitID       `json:"circuit"`
	Public  PublicInputs    `json:"public"`
	Inputs  []InputWitness  `json:"inputs"`
	Outputs []OutputWitness `json:"outputs"`
}

// Submission is the payload handed to a relay endpoint.
type Submission struct {
	Circuit CircuitID     `json:"circuit"`
	Proof   hexutil.Bytes `json:"proof"`
	Public  PublicInputs  `json:"publicInputs"`
}

// RelayReceipt acknowledges that a relay forwarded a submission.
type RelayReceipt struct {
	Signature          string `json:"signature"`
	ConfirmationHandle string `json:"confirmationHandle"`
	Endpoint           string `json:"-"`
}

type ConfirmationStatus string

const (
	StatusPending   ConfirmationStatus = "pending"
	StatusConfirmed ConfirmationStatus = "confirmed"
	StatusRejected  ConfirmationStatus = "rejected"
)

// RejectReason is the ledger's reason for refusing a submission.
type RejectReason string

const (
	RejectStaleRoot        RejectReason = "stale-root"
	RejectNullifierUsed    RejectReason = "nullifier-used"
	RejectTreeFull         RejectReason = "tree-full"
	RejectInvalidProof     RejectReason = "invalid-proof"
	RejectInvalidAmount    RejectReason = "invalid-amount"
	RejectCapacityExceeded RejectReason = "capacity-exceeded"
)

// Confirmation is the ledger's final answer for a relayed submission.
type Confirmation struct {
	Handle            string             `json:"handle"`
	Status            ConfirmationStatus `json:"status"`
	Reason            RejectReason       `json:"reason,omitempty"`
	RejectedNullifier common.Hash        `json:"rejectedNullifier,omitempty"`
	NewLeafIndices    []uint64           `json:"newLeafIndices,omitempty"`
	Slot              uint64             `json:"slot"`
	NewRoot           common.Hash        `json:"newRoot"`
}

// Delta carries confirmed ledger state after the given cursors. Root is the
// ledger root once every leaf in Leaves is appended.
type Delta struct {
	LeafFrom      uint64        `json:"leafFrom"`
	Leaves        []common.Hash `json:"leaves"`
	NullifierFrom uint64        `json:"nullifierFrom"`
	Nullifiers    []common.Hash `json:"nullifiers"`
	Root          common.Hash   `json:"root"`
}
