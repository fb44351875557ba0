package prover

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/colorfulnotion/shieldpool/metrics"
	"github.com/colorfulnotion/shieldpool/pool/merkle"
	"github.com/colorfulnotion/shieldpool/poolerrors"
	"github.com/colorfulnotion/shieldpool/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// consolidationWitness builds a valid witness merging two notes that sit at
// leaves 0 and 1 of a fresh tree.
func consolidationWitness(t *testing.T) *types.Witness {
	t.Helper()
	a, err := types.NewNote("alice", types.TokenSOL, 3, types.OriginDeposit)
	require.NoError(t, err)
	b, err := types.NewNote("alice", types.TokenSOL, 4, types.OriginDeposit)
	require.NoError(t, err)
	out, err := types.NewNote("alice", types.TokenSOL, 7, types.OriginConsolidation)
	require.NoError(t, err)

	tree, err := merkle.NewMirror(8)
	require.NoError(t, err)
	root, err := tree.Append(a.Commitment, b.Commitment)
	require.NoError(t, err)

	w := &types.Witness{
		Circuit: types.CircuitConsolidate,
		Public: types.PublicInputs{
			Root:              root,
			Nullifiers:        []common.Hash{a.Nullifier, b.Nullifier},
			OutputCommitments: []common.Hash{out.Commitment},
			TokenKind:         types.TokenSOL,
		},
		Outputs: []types.OutputWitness{{Secret: out.Secret, Blinding: out.Blinding, Amount: out.Amount, Commitment: out.Commitment}},
	}
	for i, n := range []*types.Note{a, b} {
		path, err := tree.Witness(uint64(i))
		require.NoError(t, err)
		w.Inputs = append(w.Inputs, types.InputWitness{
			Secret: n.Secret, Blinding: n.Blinding, Amount: n.Amount, LeafIndex: uint64(i), Path: path.Path,
		})
	}
	return w
}

func TestMockProvesValidWitness(t *testing.T) {
	m := NewMock()
	w := consolidationWitness(t)
	proof, err := m.RequestProof(context.Background(), types.CircuitConsolidate, w)
	require.NoError(t, err)
	assert.True(t, VerifyMock(types.CircuitConsolidate, w.Public, proof))
	assert.False(t, VerifyMock(types.CircuitTransfer, w.Public, proof))

	tampered := w.Public
	tampered.Root = common.HexToHash("0x01")
	assert.False(t, VerifyMock(types.CircuitConsolidate, tampered, proof))
	assert.Equal(t, 1, m.Calls())
}

func TestMockRejectsBrokenWitness(t *testing.T) {
	m := NewMock()

	w := consolidationWitness(t)
	w.Outputs[0].Amount = 8
	_, err := m.RequestProof(context.Background(), types.CircuitConsolidate, w)
	assert.True(t, errors.Is(err, poolerrors.ErrInvalidWitness))

	w = consolidationWitness(t)
	w.Public.Root = common.HexToHash("0x02")
	_, err = m.RequestProof(context.Background(), types.CircuitConsolidate, w)
	assert.True(t, errors.Is(err, poolerrors.ErrInvalidWitness))

	w = consolidationWitness(t)
	w.Public.Nullifiers[0], w.Public.Nullifiers[1] = w.Public.Nullifiers[1], w.Public.Nullifiers[0]
	_, err = m.RequestProof(context.Background(), types.CircuitConsolidate, w)
	assert.True(t, errors.Is(err, poolerrors.ErrInvalidWitness))
}

func TestMockTimeouts(t *testing.T) {
	m := NewMock()
	m.FailNext(1)
	w := consolidationWitness(t)
	_, err := m.RequestProof(context.Background(), types.CircuitConsolidate, w)
	assert.True(t, errors.Is(err, poolerrors.ErrProofTimeout))
	_, err = m.RequestProof(context.Background(), types.CircuitConsolidate, w)
	require.NoError(t, err)

	m.Delay = time.Second
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = m.RequestProof(ctx, types.CircuitConsolidate, w)
	assert.True(t, errors.Is(err, poolerrors.ErrProofTimeout))
}

func TestClientOverJSONRPC(t *testing.T) {
	m := NewMock()
	ts := httptest.NewServer(NewServer(m))
	defer ts.Close()

	c := NewClient(ts.URL, 5*time.Second)
	w := consolidationWitness(t)
	proof, err := c.RequestProof(context.Background(), types.CircuitConsolidate, w)
	require.NoError(t, err)
	assert.True(t, VerifyMock(types.CircuitConsolidate, w.Public, proof))

	m.FailNext(1)
	_, err = c.RequestProof(context.Background(), types.CircuitConsolidate, w)
	assert.True(t, errors.Is(err, poolerrors.ErrProofTimeout))

	w.Outputs[0].Amount = 1
	_, err = c.RequestProof(context.Background(), types.CircuitConsolidate, w)
	assert.True(t, errors.Is(err, poolerrors.ErrInvalidWitness))

	assert.Equal(t, int64(3), c.GetStats()["total_calls"])
}

func TestWithMetrics(t *testing.T) {
	reg := metrics.New()
	m := NewMock()
	m.FailNext(1)
	p := WithMetrics(m, reg)
	w := consolidationWitness(t)

	_, err := p.RequestProof(context.Background(), types.CircuitConsolidate, w)
	require.Error(t, err)
	_, err = p.RequestProof(context.Background(), types.CircuitConsolidate, w)
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(reg.ProofRequests.WithLabelValues("consolidate", "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.ProofRequests.WithLabelValues("consolidate", "ok")))
}
