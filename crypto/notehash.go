// Package crypto implements the note commitment and nullifier hashes over the
// BN254 scalar field, plus scalar sampling for fresh note randomness.
package crypto

import (
	"fmt"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"golang.org/x/crypto/blake2b"
)

// ScalarSize is the byte length of a serialized field element.
const ScalarSize = fr.Bytes

// Domain tags keep commitments and nullifiers in independent hash domains.
var (
	tagCommitment = domainTag("shieldpool/commitment/v1")
	tagNullifier  = domainTag("shieldpool/nullifier/v1")
	tagRho        = []byte("shieldpool/rho/v1")
)

func domainTag(label string) fr.Element {
	var e fr.Element
	sum := blake2b.Sum256([]byte(label))
	e.SetBytes(sum[:])
	return e
}

// RandomScalar samples a uniformly random field element.
func RandomScalar() ([ScalarSize]byte, error) {
	var e fr.Element
	if _, err := e.SetRandom(); err != nil {
		return [ScalarSize]byte{}, fmt.Errorf("sample scalar: %w", err)
	}
	return e.Bytes(), nil
}

// toElement reduces an arbitrary 32 byte string into the field.
func toElement(b []byte) fr.Element {
	var e fr.Element
	e.SetBytes(b)
	return e
}

func amountElement(amount uint64) fr.Element {
	word := uint256.NewInt(amount).Bytes32()
	return toElement(word[:])
}

func mimcSum(elems ...fr.Element) (common.Hash, error) {
	h := mimc.NewMiMC()
	for i := range elems {
		b := elems[i].Bytes()
		if _, err := h.Write(b[:]); err != nil {
			return common.Hash{}, fmt.Errorf("mimc write: %w", err)
		}
	}
	return common.BytesToHash(h.Sum(nil)), nil
}

// Commitment returns MiMC(tag, secret, amount, tokenKind, blinding).
func Commitment(secret [ScalarSize]byte, amount uint64, tokenKind uint8, blinding [ScalarSize]byte) (common.Hash, error) {
	var kind fr.Element
	kind.SetUint64(uint64(tokenKind))
	return mimcSum(tagCommitment, toElement(secret[:]), amountElement(amount), kind, toElement(blinding[:]))
}

// Rho derives the per-note nullifier seed from its commitment.
func Rho(commitment common.Hash) [ScalarSize]byte {
	h, _ := blake2b.New256(nil)
	h.Write(tagRho)
	h.Write(commitment[:])
	e := toElement(h.Sum(nil))
	return e.Bytes()
}

// Nullifier returns MiMC(tag, secret, rho).
func Nullifier(secret [ScalarSize]byte, rho [ScalarSize]byte) (common.Hash, error) {
	return mimcSum(tagNullifier, toElement(secret[:]), toElement(rho[:]))
}
