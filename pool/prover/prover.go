// Package prover requests zero-knowledge proofs from an external proving
// service. Proofs are opaque here; only the ledger verifies them.
package prover

import (
	"context"
	"errors"
	"time"

	"github.com/colorfulnotion/shieldpool/metrics"
	"github.com/colorfulnotion/shieldpool/poolerrors"
	"github.com/colorfulnotion/shieldpool/types"
)

// Prover turns a witness into a proof for circuit. Implementations return
// ErrProofTimeout when the deadline passes and ErrInvalidWitness when the
// witness cannot satisfy the circuit.
type Prover interface {
	RequestProof(ctx context.Context, circuit types.CircuitID, witness *types.Witness) ([]byte, error)
}

type instrumented struct {
	inner   Prover
	metrics *metrics.Metrics
}

// WithMetrics records outcome and latency of every request.
func WithMetrics(p Prover, m *metrics.Metrics) Prover {
	if m == nil {
		return p
	}
	return &instrumented{inner: p, metrics: m}
}

func (p *instrumented) RequestProof(ctx context.Context, circuit types.CircuitID, witness *types.Witness) ([]byte, error) {
	start := time.Now()
	proof, err := p.inner.RequestProof(ctx, circuit, witness)
	p.metrics.ProofRequest(string(circuit), outcome(err), time.Since(start))
	return proof, err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, poolerrors.ErrProofTimeout):
		return "timeout"
	case errors.Is(err, poolerrors.ErrInvalidWitness):
		return "invalid_witness"
	default:
		return "error"
	}
}
