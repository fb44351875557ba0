package state

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/colorfulnotion/shieldpool/pool/merkle"
	"github.com/colorfulnotion/shieldpool/poolerrors"
	"github.com/colorfulnotion/shieldpool/storage"
	"github.com/colorfulnotion/shieldpool/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testHeight = 8

func openMemory(t *testing.T) *Shielded {
	t.Helper()
	ps, err := storage.NewMemoryPersistenceStore()
	require.NoError(t, err)
	t.Cleanup(func() { ps.Close() })
	s, err := Open(ps, testHeight)
	require.NoError(t, err)
	return s
}

func rootOf(t *testing.T, leaves ...common.Hash) common.Hash {
	t.Helper()
	m, err := merkle.NewMirror(testHeight)
	require.NoError(t, err)
	root, err := m.Append(leaves...)
	require.NoError(t, err)
	return root
}

func TestApplyDeltaPromotesPendingAndMarksSpent(t *testing.T) {
	s := openMemory(t)

	out, err := types.NewNote("alice", types.TokenSOL, 7, types.OriginDeposit)
	require.NoError(t, err)
	require.NoError(t, s.StagePending([]*types.Note{out}))
	assert.Len(t, s.Pending(), 1)
	assert.Equal(t, uint64(0), s.Notes().Balance("alice", types.TokenSOL))

	other := common.HexToHash("0x99")
	leaves := []common.Hash{other, out.Commitment}
	res, err := s.ApplyDelta(types.Delta{Leaves: leaves, Root: rootOf(t, leaves...)})
	require.NoError(t, err)
	require.Len(t, res.NotesPromoted, 1)
	assert.Equal(t, 2, res.LeavesAdded)
	assert.Empty(t, s.Pending())

	got, ok := s.Notes().GetByCommitment(out.Commitment)
	require.True(t, ok)
	require.NotNil(t, got.LeafIndex)
	assert.Equal(t, uint64(1), *got.LeafIndex)
	assert.Equal(t, uint64(7), s.Notes().Balance("alice", types.TokenSOL))

	res, err = s.ApplyDelta(types.Delta{LeafFrom: 2, Nullifiers: []common.Hash{out.Nullifier}, Root: s.Tree().Root()})
	require.NoError(t, err)
	assert.Equal(t, []common.Hash{out.Nullifier}, res.NotesSpent)
	assert.Equal(t, uint64(0), s.Notes().Balance("alice", types.TokenSOL))
	assert.True(t, s.Nullifiers().Contains(out.Nullifier))

	leafFrom, nfFrom := s.Cursors()
	assert.Equal(t, uint64(2), leafFrom)
	assert.Equal(t, uint64(1), nfFrom)
}

func TestApplyDeltaOverlapIsIdempotent(t *testing.T) {
	s := openMemory(t)
	leaves := []common.Hash{common.HexToHash("0x01"), common.HexToHash("0x02")}
	nfs := []common.Hash{common.HexToHash("0xa1")}
	_, err := s.ApplyDelta(types.Delta{Leaves: leaves, Nullifiers: nfs, Root: rootOf(t, leaves...)})
	require.NoError(t, err)

	more := append(append([]common.Hash(nil), leaves...), common.HexToHash("0x03"))
	res, err := s.ApplyDelta(types.Delta{Leaves: more, Nullifiers: nfs, Root: rootOf(t, more...)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.LeavesAdded)
	assert.Equal(t, 0, res.NullifiersAdded)
	assert.Equal(t, uint64(3), s.Tree().Size())
}

func TestApplyDeltaDetectsDivergence(t *testing.T) {
	s := openMemory(t)
	leaves := []common.Hash{common.HexToHash("0x01")}

	_, err := s.ApplyDelta(types.Delta{Leaves: leaves, Root: common.HexToHash("0xbad")})
	assert.True(t, errors.Is(err, poolerrors.ErrMirrorDiverged))
	assert.Equal(t, uint64(0), s.Tree().Size(), "diverged delta must not apply")

	_, err = s.ApplyDelta(types.Delta{LeafFrom: 5, Leaves: leaves})
	assert.True(t, errors.Is(err, poolerrors.ErrMirrorDiverged))

	_, err = s.ApplyDelta(types.Delta{Leaves: leaves, Root: rootOf(t, leaves...)})
	require.NoError(t, err)
	_, err = s.ApplyDelta(types.Delta{Leaves: []common.Hash{common.HexToHash("0x02")}})
	assert.True(t, errors.Is(err, poolerrors.ErrMirrorDiverged))
}

func TestReopenPromotesJournaledOutputs(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state.db")
	ps, err := storage.NewPersistenceStore(dir)
	require.NoError(t, err)
	s, err := Open(ps, testHeight)
	require.NoError(t, err)

	out, err := types.NewNote("alice", types.TokenNOC, 3, types.OriginChange)
	require.NoError(t, err)
	require.NoError(t, s.StagePending([]*types.Note{out}))

	// The commitment reaches the mirror without the promotion, as if the
	// process died between the two.
	_, err = s.Tree().Append(out.Commitment)
	require.NoError(t, err)
	require.NoError(t, ps.Put([]byte("leaf_00000000000000000000"), out.Commitment.Bytes()))
	require.NoError(t, ps.Close())

	ps, err = storage.NewPersistenceStore(dir)
	require.NoError(t, err)
	defer ps.Close()
	s, err = Open(ps, testHeight)
	require.NoError(t, err)

	assert.Empty(t, s.Pending())
	assert.Equal(t, uint64(3), s.Notes().Balance("alice", types.TokenNOC))
}

func TestOpenRejectsInconsistentLeaf(t *testing.T) {
	ps, err := storage.NewMemoryPersistenceStore()
	require.NoError(t, err)
	defer ps.Close()
	s, err := Open(ps, testHeight)
	require.NoError(t, err)

	n, err := types.NewNote("alice", types.TokenSOL, 1, types.OriginDeposit)
	require.NoError(t, err)
	idx := uint64(4)
	n.LeafIndex = &idx
	_, err = s.Notes().AddNote(n)
	require.NoError(t, err)

	_, err = Open(ps, testHeight)
	assert.True(t, errors.Is(err, poolerrors.ErrStateInconsistent))
}

func TestDropPending(t *testing.T) {
	s := openMemory(t)
	out, err := types.NewNote("alice", types.TokenSOL, 2, types.OriginTransfer)
	require.NoError(t, err)
	require.NoError(t, s.StagePending([]*types.Note{out}))
	require.NoError(t, s.DropPending([]common.Hash{out.Commitment}))
	assert.Empty(t, s.Pending())
}
