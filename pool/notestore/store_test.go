package notestore

import (
	"errors"
	"path/filepath"
	"slices"
	"testing"

	"github.com/colorfulnotion/shieldpool/poolerrors"
	"github.com/colorfulnotion/shieldpool/storage"
	"github.com/colorfulnotion/shieldpool/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	ps, err := storage.NewMemoryPersistenceStore()
	require.NoError(t, err)
	t.Cleanup(func() { ps.Close() })
	s, err := Load(ps)
	require.NoError(t, err)
	return s
}

func confirmedNote(t *testing.T, owner string, amount uint64, leaf uint64) *types.Note {
	t.Helper()
	n, err := types.NewNote(owner, types.TokenSOL, amount, types.OriginDeposit)
	require.NoError(t, err)
	n.LeafIndex = &leaf
	return n
}

func amounts(notes []*types.Note) []uint64 {
	out := make([]uint64, 0, len(notes))
	for _, n := range notes {
		out = append(out, n.Amount)
	}
	return out
}

func TestAddNoteIdempotentByNullifier(t *testing.T) {
	s := newStore(t)
	n := confirmedNote(t, "alice", 5, 0)

	added, err := s.AddNote(n)
	require.NoError(t, err)
	assert.True(t, added)

	added, err = s.AddNote(n.Clone())
	require.NoError(t, err)
	assert.False(t, added)
	assert.Len(t, s.All(), 1)
	assert.Equal(t, uint64(5), s.Balance("alice", types.TokenSOL))
}

func TestUnspentOrderingAndTies(t *testing.T) {
	s := newStore(t)
	var inserted []*types.Note
	for i, amt := range []uint64{3, 7, 3, 9, 1} {
		n := confirmedNote(t, "alice", amt, uint64(i))
		_, err := s.AddNote(n)
		require.NoError(t, err)
		inserted = append(inserted, n)
	}
	// someone else's notes and another token never show up
	_, err := s.AddNote(confirmedNote(t, "bob", 100, 9))
	require.NoError(t, err)

	got := s.Unspent("alice", types.TokenSOL)
	assert.Equal(t, []uint64{9, 7, 3, 3, 1}, amounts(got))
	// equal amounts: older first
	assert.Equal(t, inserted[0].Nullifier, got[2].Nullifier)
	assert.Equal(t, inserted[2].Nullifier, got[3].Nullifier)

	assert.Empty(t, s.Unspent("alice", types.TokenNOC))
}

func TestUnspentNotesIsRestartable(t *testing.T) {
	s := newStore(t)
	for i, amt := range []uint64{4, 2} {
		_, err := s.AddNote(confirmedNote(t, "alice", amt, uint64(i)))
		require.NoError(t, err)
	}
	seq := s.UnspentNotes("alice", types.TokenSOL)
	first := slices.Collect(seq)
	second := slices.Collect(seq)
	assert.Equal(t, amounts(first), amounts(second))

	// early exit must not hold the lock
	for range seq {
		break
	}
	_, err := s.AddNote(confirmedNote(t, "alice", 1, 2))
	require.NoError(t, err)
	assert.Len(t, slices.Collect(seq), 3)
}

func TestUnspentSkipsPendingAndReserved(t *testing.T) {
	s := newStore(t)
	pending, err := types.NewNote("alice", types.TokenSOL, 6, types.OriginChange)
	require.NoError(t, err)
	_, err = s.AddNote(pending)
	require.NoError(t, err)

	n := confirmedNote(t, "alice", 4, 0)
	_, err = s.AddNote(n)
	require.NoError(t, err)

	assert.Equal(t, []uint64{4}, amounts(s.Unspent("alice", types.TokenSOL)))
	assert.Equal(t, uint64(10), s.Balance("alice", types.TokenSOL))

	require.NoError(t, s.Reserve([]common.Hash{n.Nullifier}))
	assert.Empty(t, s.Unspent("alice", types.TokenSOL))
	assert.Error(t, s.Reserve([]common.Hash{n.Nullifier}))
	assert.Equal(t, uint64(10), s.Balance("alice", types.TokenSOL))
	assert.Equal(t, uint64(0), s.Available("alice", types.TokenSOL))

	s.Release([]common.Hash{n.Nullifier})
	assert.Equal(t, uint64(4), s.Available("alice", types.TokenSOL))

	require.NoError(t, s.AssignLeaf(pending.Commitment, 1))
	assert.Equal(t, []uint64{6, 4}, amounts(s.Unspent("alice", types.TokenSOL)))
}

func TestReleasePoolAndStats(t *testing.T) {
	s := newStore(t)
	a := confirmedNote(t, "alice", 4, 0)
	b := confirmedNote(t, "alice", 2, 1)
	other := confirmedNote(t, "bob", 9, 2)
	waiting, err := types.NewNote("alice", types.TokenSOL, 1, types.OriginChange)
	require.NoError(t, err)
	for _, n := range []*types.Note{a, b, other, waiting} {
		_, err := s.AddNote(n)
		require.NoError(t, err)
	}
	require.NoError(t, s.Reserve([]common.Hash{a.Nullifier, other.Nullifier}))
	assert.Equal(t, Stats{Total: 3, Unspent: 1, InFlight: 1, AwaitingLeaf: 1}, s.Stats("alice"))

	released := s.ReleasePool(types.PoolKey{Owner: "alice", TokenKind: types.TokenSOL})
	assert.Equal(t, []common.Hash{a.Nullifier}, released)
	assert.Equal(t, uint64(6), s.Available("alice", types.TokenSOL))
	// bob's reservation belongs to another pool
	assert.Equal(t, uint64(0), s.Available("bob", types.TokenSOL))
	assert.Equal(t, Stats{Total: 1, InFlight: 1}, s.Stats("bob"))
}

func TestAssignLeafIsImmutable(t *testing.T) {
	s := newStore(t)
	n, err := types.NewNote("alice", types.TokenNOC, 2, types.OriginDeposit)
	require.NoError(t, err)
	_, err = s.AddNote(n)
	require.NoError(t, err)

	require.NoError(t, s.AssignLeaf(n.Commitment, 3))
	require.NoError(t, s.AssignLeaf(n.Commitment, 3))
	err = s.AssignLeaf(n.Commitment, 4)
	assert.True(t, errors.Is(err, poolerrors.ErrLeafIndexImmutable))

	got, ok := s.GetByCommitment(n.Commitment)
	require.True(t, ok)
	require.NotNil(t, got.LeafIndex)
	assert.Equal(t, uint64(3), *got.LeafIndex)
}

func TestMarkSpentKeepsBalanceInvariant(t *testing.T) {
	s := newStore(t)
	a := confirmedNote(t, "alice", 5, 0)
	b := confirmedNote(t, "alice", 8, 1)
	for _, n := range []*types.Note{a, b} {
		_, err := s.AddNote(n)
		require.NoError(t, err)
	}
	require.NoError(t, s.MarkSpent(b.Nullifier))
	require.NoError(t, s.MarkSpent(b.Nullifier))
	require.NoError(t, s.MarkSpent(common.HexToHash("0x1234")))

	var sum uint64
	for n := range s.UnspentNotes("alice", types.TokenSOL) {
		sum += n.Amount
	}
	assert.Equal(t, uint64(5), sum)
	assert.Equal(t, sum, s.Balance("alice", types.TokenSOL))
	assert.Len(t, s.Notes("alice"), 2)
}

func TestStagedWritesInvisibleUntilCommit(t *testing.T) {
	s := newStore(t)
	n := confirmedNote(t, "alice", 5, 0)

	b := storage.NewBatch()
	added, err := s.StageAdd(b, n)
	require.NoError(t, err)
	require.True(t, added)
	assert.Equal(t, uint64(0), s.Balance("alice", types.TokenSOL))

	require.NoError(t, s.ps.Write(b))
	assert.Equal(t, uint64(5), s.Balance("alice", types.TokenSOL))
}

func TestReloadRestoresNotesAndClock(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "notes.db")
	ps, err := storage.NewPersistenceStore(dir)
	require.NoError(t, err)
	s, err := Load(ps)
	require.NoError(t, err)

	a := confirmedNote(t, "alice", 5, 0)
	b := confirmedNote(t, "alice", 5, 1)
	for _, n := range []*types.Note{a, b} {
		_, err := s.AddNote(n)
		require.NoError(t, err)
	}
	require.NoError(t, s.MarkSpent(a.Nullifier))
	require.NoError(t, ps.Close())

	ps, err = storage.NewPersistenceStore(dir)
	require.NoError(t, err)
	defer ps.Close()
	s, err = Load(ps)
	require.NoError(t, err)

	got, ok := s.Get(a.Nullifier)
	require.True(t, ok)
	assert.True(t, got.Spent)
	assert.Equal(t, uint64(5), s.Balance("alice", types.TokenSOL))

	c := confirmedNote(t, "alice", 5, 2)
	_, err = s.AddNote(c)
	require.NoError(t, err)
	assert.Greater(t, c.CreatedAt, b.CreatedAt, "clock must keep advancing after reload")
}
