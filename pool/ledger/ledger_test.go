package ledger

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/colorfulnotion/shieldpool/fees"
	"github.com/colorfulnotion/shieldpool/pool/merkle"
	"github.com/colorfulnotion/shieldpool/pool/prover"
	"github.com/colorfulnotion/shieldpool/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var bg = context.Background()

func newSimulated(t *testing.T, mutate func(*Config)) *Simulated {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Height = 4
	if mutate != nil {
		mutate(&cfg)
	}
	l, err := NewSimulated(cfg)
	require.NoError(t, err)
	return l
}

func output(n *types.Note) types.OutputWitness {
	return types.OutputWitness{Secret: n.Secret, Blinding: n.Blinding, Amount: n.Amount, Commitment: n.Commitment}
}

func prove(t *testing.T, w *types.Witness) *types.Submission {
	t.Helper()
	proof, err := prover.NewMock().RequestProof(bg, w.Circuit, w)
	require.NoError(t, err)
	return &types.Submission{Circuit: w.Circuit, Proof: proof, Public: w.Public}
}

func depositSubmission(t *testing.T, amount uint64, priority bool) (*types.Note, *types.Submission) {
	t.Helper()
	n, err := types.NewNote("alice", types.TokenSOL, amount, types.OriginDeposit)
	require.NoError(t, err)
	w := &types.Witness{
		Circuit: types.CircuitDeposit,
		Public: types.PublicInputs{
			OutputCommitments: []common.Hash{n.Commitment},
			TokenKind:         types.TokenSOL,
			PublicAmount:      amount,
			Priority:          priority,
		},
		Outputs: []types.OutputWitness{output(n)},
	}
	return n, prove(t, w)
}

func confirm(t *testing.T, l Node, sub *types.Submission) *types.Confirmation {
	t.Helper()
	handle, err := l.Submit(bg, sub)
	require.NoError(t, err)
	conf, err := l.AwaitConfirmation(bg, handle)
	require.NoError(t, err)
	return conf
}

// withdrawSubmission spends n (at leaf) against the ledger's current tree.
func withdrawSubmission(t *testing.T, l *Simulated, n *types.Note, leaf uint64, amount uint64) *types.Submission {
	t.Helper()
	delta, err := l.Sync(bg, 0, 0)
	require.NoError(t, err)
	mirror, err := merkle.NewMirror(l.cfg.Height)
	require.NoError(t, err)
	_, err = mirror.Append(delta.Leaves...)
	require.NoError(t, err)
	path, err := mirror.Witness(leaf)
	require.NoError(t, err)

	w := &types.Witness{
		Circuit: types.CircuitWithdraw,
		Public: types.PublicInputs{
			Root:         mirror.Root(),
			Nullifiers:   []common.Hash{n.Nullifier},
			TokenKind:    n.TokenKind,
			PublicAmount: amount,
			Recipient:    "bob-wallet",
		},
		Inputs: []types.InputWitness{{Secret: n.Secret, Blinding: n.Blinding, Amount: n.Amount, LeafIndex: leaf, Path: path.Path}},
	}
	if change := n.Amount - amount; change > 0 {
		c, err := types.NewNote(n.Owner, n.TokenKind, change, types.OriginChange)
		require.NoError(t, err)
		w.Public.OutputCommitments = []common.Hash{c.Commitment}
		w.Outputs = []types.OutputWitness{output(c)}
	}
	return prove(t, w)
}

func TestDepositAndPartialWithdraw(t *testing.T) {
	schedule, err := fees.NewSchedule(30, 10)
	require.NoError(t, err)
	l := newSimulated(t, func(c *Config) { c.Fees = schedule })

	n, sub := depositSubmission(t, 1_000, true)
	conf := confirm(t, l, sub)
	require.Equal(t, types.StatusConfirmed, conf.Status)
	assert.Equal(t, []uint64{0}, conf.NewLeafIndices)
	assert.Equal(t, uint64(1_000), l.Vault(types.TokenSOL))
	// priority is clamped to the shield rate
	assert.Equal(t, uint64(3), l.FeesCollected(types.TokenSOL))

	conf = confirm(t, l, withdrawSubmission(t, l, n, 0, 400))
	require.Equal(t, types.StatusConfirmed, conf.Status, "reason %s", conf.Reason)
	assert.Equal(t, []uint64{1}, conf.NewLeafIndices)
	assert.Equal(t, uint64(600), l.Vault(types.TokenSOL))
	require.Len(t, l.Withdrawals(), 1)
	assert.Equal(t, "bob-wallet", l.Withdrawals()[0].Recipient)

	spent, err := l.IsNullifierSpent(bg, n.Nullifier)
	require.NoError(t, err)
	assert.True(t, spent)

	var inserted, consumed int
	for _, ev := range l.Events() {
		switch e := ev.(type) {
		case *CommitmentInserted:
			inserted++
			if e.LeafIndex == 0 {
				assert.True(t, e.IsPriority)
			}
		case *NullifierConsumed:
			consumed++
		}
	}
	assert.Equal(t, 2, inserted)
	assert.Equal(t, 1, consumed)
}

func TestRejections(t *testing.T) {
	l := newSimulated(t, nil)
	n, sub := depositSubmission(t, 10, false)
	confirm(t, l, sub)
	var err error

	withdraw := withdrawSubmission(t, l, n, 0, 10)
	bad := *withdraw
	bad.Proof = []byte{1, 2, 3}
	assert.Equal(t, types.RejectInvalidProof, confirm(t, l, &bad).Reason)

	require.Equal(t, types.StatusConfirmed, confirm(t, l, withdraw).Status)
	again := confirm(t, l, withdraw)
	assert.Equal(t, types.RejectNullifierUsed, again.Reason)
	assert.Equal(t, n.Nullifier, again.RejectedNullifier)

	_, zero := depositSubmission(t, 10, false)
	zero.Public.PublicAmount = 0
	zero.Proof, err = prover.BindProof(types.CircuitDeposit, zero.Public)
	require.NoError(t, err)
	assert.Equal(t, types.RejectInvalidAmount, confirm(t, l, zero).Reason)
}

func TestStaleRootRejectedAfterHistory(t *testing.T) {
	l := newSimulated(t, func(c *Config) { c.Height = 8 })
	n, sub := depositSubmission(t, 10, false)
	confirm(t, l, sub)
	stale := withdrawSubmission(t, l, n, 0, 10)

	// a root inside the history window is still accepted
	_, err := l.InsertForeign(common.HexToHash("0xee"))
	require.NoError(t, err)
	fresh := withdrawSubmission(t, l, n, 0, 10)

	for i := 0; i < merkle.RootHistorySize; i++ {
		_, err := l.InsertForeign(common.BytesToHash([]byte{0xf0, byte(i)}))
		require.NoError(t, err)
	}
	assert.Equal(t, types.RejectStaleRoot, confirm(t, l, stale).Reason)
	assert.Equal(t, types.RejectStaleRoot, confirm(t, l, fresh).Reason)
}

func TestRootHistoryWindow(t *testing.T) {
	l := newSimulated(t, func(c *Config) { c.Height = 8 })
	n, sub := depositSubmission(t, 10, false)
	confirm(t, l, sub)
	older := withdrawSubmission(t, l, n, 0, 10)

	_, err := l.InsertForeign(common.HexToHash("0xee"))
	require.NoError(t, err)
	assert.Equal(t, types.StatusConfirmed, confirm(t, l, older).Status)
}

func TestCapacityAndTreeFull(t *testing.T) {
	l := newSimulated(t, func(c *Config) { c.Height = 1; c.MaxNullifiers = 1 })
	n, sub := depositSubmission(t, 1, false)
	confirm(t, l, sub)
	_, sub = depositSubmission(t, 1, false)
	confirm(t, l, sub)
	_, sub = depositSubmission(t, 1, false)
	assert.Equal(t, types.RejectTreeFull, confirm(t, l, sub).Reason)

	require.NoError(t, l.ConsumeForeign(common.HexToHash("0x01")))
	assert.Error(t, l.ConsumeForeign(common.HexToHash("0x01")))
	assert.Equal(t, 1, l.NullifierCount())

	assert.Equal(t, types.RejectCapacityExceeded, confirm(t, l, withdrawSubmission(t, l, n, 0, 1)).Reason)
}

func TestSyncCursors(t *testing.T) {
	l := newSimulated(t, nil)
	_, err := l.InsertForeign(common.HexToHash("0x0a"), common.HexToHash("0x0b"))
	require.NoError(t, err)
	require.NoError(t, l.ConsumeForeign(common.HexToHash("0xf1")))

	delta, err := l.Sync(bg, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, []common.Hash{common.HexToHash("0x0b")}, delta.Leaves)
	assert.Empty(t, delta.Nullifiers)
	root, err := l.CurrentRoot(bg)
	require.NoError(t, err)
	assert.Equal(t, root, delta.Root)

	_, err = l.Sync(bg, 3, 0)
	assert.Error(t, err)
}

func TestConfirmDelayHonorsContext(t *testing.T) {
	l := newSimulated(t, func(c *Config) { c.ConfirmDelay = time.Second })
	_, sub := depositSubmission(t, 1, false)
	handle, err := l.Submit(bg, sub)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(bg, 10*time.Millisecond)
	defer cancel()
	_, err = l.AwaitConfirmation(ctx, handle)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClientOverJSONRPC(t *testing.T) {
	l := newSimulated(t, nil)
	ts := httptest.NewServer(NewServer(l))
	defer ts.Close()
	c := NewClient(ts.URL, 5*time.Second)

	n, sub := depositSubmission(t, 25, false)
	conf := confirm(t, c, sub)
	require.Equal(t, types.StatusConfirmed, conf.Status)

	root, err := c.CurrentRoot(bg)
	require.NoError(t, err)
	assert.Equal(t, conf.NewRoot, root)

	delta, err := c.Sync(bg, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []common.Hash{n.Commitment}, delta.Leaves)

	spent, err := c.IsNullifierSpent(bg, n.Nullifier)
	require.NoError(t, err)
	assert.False(t, spent)

	_, err = c.AwaitConfirmation(bg, "missing")
	assert.Error(t, err)
}
