package prover

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/colorfulnotion/shieldpool/crypto"
	"github.com/colorfulnotion/shieldpool/pool/merkle"
	"github.com/colorfulnotion/shieldpool/poolerrors"
	"github.com/colorfulnotion/shieldpool/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// Mock checks a witness the way the circuits constrain it and returns a
// proof that binds the circuit to its public inputs. VerifyMock is the
// matching verifier.
type Mock struct {
	// Delay is spent before answering; a context that ends first yields
	// ErrProofTimeout.
	Delay time.Duration

	mu       sync.Mutex
	timeouts int
	calls    int
}

func NewMock() *Mock {
	return &Mock{}
}

// FailNext makes the next n requests time out.
func (m *Mock) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeouts = n
}

func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *Mock) RequestProof(ctx context.Context, circuit types.CircuitID, witness *types.Witness) ([]byte, error) {
	m.mu.Lock()
	m.calls++
	fail := m.timeouts > 0
	if fail {
		m.timeouts--
	}
	m.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("%w: injected", poolerrors.ErrProofTimeout)
	}

	if m.Delay > 0 {
		timer := time.NewTimer(m.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", poolerrors.ErrProofTimeout, ctx.Err())
		case <-timer.C:
		}
	}
	if err := CheckWitness(circuit, witness); err != nil {
		return nil, err
	}
	return BindProof(circuit, witness.Public)
}

// CheckWitness enforces membership, nullifier derivation, output
// commitments and value conservation for the circuit.
func CheckWitness(circuit types.CircuitID, w *types.Witness) error {
	if !circuit.Valid() || w.Circuit != circuit {
		return fmt.Errorf("%w: circuit %q", poolerrors.ErrInvalidWitness, circuit)
	}
	pub := w.Public
	if !pub.TokenKind.Valid() {
		return fmt.Errorf("%w: %v", poolerrors.ErrInvalidWitness, poolerrors.ErrUnknownTokenKind)
	}
	if len(pub.Nullifiers) != len(w.Inputs) || len(pub.OutputCommitments) != len(w.Outputs) {
		return fmt.Errorf("%w: public input counts do not match witness", poolerrors.ErrInvalidWitness)
	}

	var in, out uint64
	for i, input := range w.Inputs {
		cm, err := crypto.Commitment(input.Secret, input.Amount, uint8(pub.TokenKind), input.Blinding)
		if err != nil {
			return err
		}
		path := merkle.Witness{Position: input.LeafIndex, Path: input.Path}
		if !merkle.VerifyWitness(path, cm, pub.Root) {
			return fmt.Errorf("%w: input %d not under root %s", poolerrors.ErrInvalidWitness, i, pub.Root.TerminalString())
		}
		nf, err := crypto.Nullifier(input.Secret, crypto.Rho(cm))
		if err != nil {
			return err
		}
		if nf != pub.Nullifiers[i] {
			return fmt.Errorf("%w: nullifier %d mismatch", poolerrors.ErrInvalidWitness, i)
		}
		in += input.Amount
	}
	for i, output := range w.Outputs {
		cm, err := crypto.Commitment(output.Secret, output.Amount, uint8(pub.TokenKind), output.Blinding)
		if err != nil {
			return err
		}
		if cm != output.Commitment || cm != pub.OutputCommitments[i] {
			return fmt.Errorf("%w: output %d commitment mismatch", poolerrors.ErrInvalidWitness, i)
		}
		out += output.Amount
	}

	switch circuit {
	case types.CircuitDeposit:
		if len(w.Inputs) != 0 || len(w.Outputs) != 1 || out != pub.PublicAmount {
			return fmt.Errorf("%w: deposit must mint exactly its public amount", poolerrors.ErrInvalidWitness)
		}
	case types.CircuitConsolidate:
		if len(w.Outputs) != 1 || in != out || pub.PublicAmount != 0 {
			return fmt.Errorf("%w: consolidation must merge into one output of equal value", poolerrors.ErrInvalidWitness)
		}
	case types.CircuitTransfer:
		if len(w.Inputs) == 0 || in != out || pub.PublicAmount != 0 {
			return fmt.Errorf("%w: transfer inputs %d != outputs %d", poolerrors.ErrInvalidWitness, in, out)
		}
	case types.CircuitWithdraw:
		if len(w.Inputs) == 0 || in != out+pub.PublicAmount || pub.Recipient == "" {
			return fmt.Errorf("%w: withdraw inputs %d != outputs %d + public %d", poolerrors.ErrInvalidWitness, in, out, pub.PublicAmount)
		}
	}
	return nil
}

// BindProof returns keccak256(circuit || rlp(public)).
func BindProof(circuit types.CircuitID, public types.PublicInputs) ([]byte, error) {
	enc, err := rlp.EncodeToBytes(&public)
	if err != nil {
		return nil, fmt.Errorf("encode public inputs: %w", err)
	}
	return ethcrypto.Keccak256([]byte(circuit), enc), nil
}

// VerifyMock accepts exactly the proofs Mock produces.
func VerifyMock(circuit types.CircuitID, public types.PublicInputs, proof []byte) bool {
	want, err := BindProof(circuit, public)
	if err != nil {
		return false
	}
	return string(want) == string(proof)
}
