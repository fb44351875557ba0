// Package state combines the note store with the Merkle and nullifier
// mirrors so that one confirmed ledger step updates all three in a single
// leveldb batch.
package state

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	log "github.com/colorfulnotion/shieldpool/log"
	"github.com/colorfulnotion/shieldpool/pool/merkle"
	"github.com/colorfulnotion/shieldpool/pool/notestore"
	"github.com/colorfulnotion/shieldpool/pool/nullifier"
	"github.com/colorfulnotion/shieldpool/poolerrors"
	"github.com/colorfulnotion/shieldpool/storage"
	"github.com/colorfulnotion/shieldpool/types"
	"github.com/ethereum/go-ethereum/common"
)

const pendingPrefix = "pend_"

// Shielded is the client's view of the pool. Writers are serialized; View
// gives readers a snapshot no writer can move underneath them.
type Shielded struct {
	mu sync.Mutex
	ps *storage.PersistenceStore

	notes *notestore.Store
	tree  *merkle.Mirror
	nfs   *nullifier.Mirror

	// Outputs of submitted steps keyed by commitment, waiting for their leaf
	pending map[common.Hash]*types.Note

	lastSync time.Time
}

// ApplyResult summarizes what a delta changed locally.
type ApplyResult struct {
	LeavesAdded     int
	NullifiersAdded int
	NotesSpent      []common.Hash
	NotesPromoted   []*types.Note
	Root            common.Hash
}

// Open loads every component from ps and reconciles them.
func Open(ps *storage.PersistenceStore, height uint8) (*Shielded, error) {
	notes, err := notestore.Load(ps)
	if err != nil {
		return nil, err
	}
	tree, err := merkle.Load(ps, height)
	if err != nil {
		return nil, err
	}
	nfs, err := nullifier.Load(ps)
	if err != nil {
		return nil, err
	}
	s := &Shielded{
		ps:      ps,
		notes:   notes,
		tree:    tree,
		nfs:     nfs,
		pending: make(map[common.Hash]*types.Note),
	}
	pairs, err := ps.GetWithPrefix([]byte(pendingPrefix))
	if err != nil {
		return nil, fmt.Errorf("load pending outputs: %w", err)
	}
	for _, kv := range pairs {
		n, err := types.DecodeNote(kv[1])
		if err != nil {
			return nil, fmt.Errorf("load pending output %s: %w", kv[0], err)
		}
		s.pending[n.Commitment] = n
	}
	if err := s.reconcile(); err != nil {
		return nil, err
	}
	log.Info(log.Mirror, "Shielded state opened",
		"notes", len(notes.All()), "leaves", tree.Size(), "nullifiers", nfs.Count(), "pending", len(s.pending))
	return s, nil
}

// reconcile checks that every note's leaf is in the mirror, marks notes
// spent whose nullifier was already synced, and promotes pending outputs
// whose commitments are already in the tree.
func (s *Shielded) reconcile() error {
	for _, n := range s.notes.All() {
		if n.LeafIndex != nil {
			leaf, err := s.tree.Leaf(*n.LeafIndex)
			if err != nil || leaf != n.Commitment {
				return fmt.Errorf("%w: note %s claims leaf %d", poolerrors.ErrStateInconsistent, n.Commitment.Hex(), *n.LeafIndex)
			}
		}
	}

	b := storage.NewBatch()
	for _, n := range s.notes.All() {
		if !n.Spent && s.nfs.Contains(n.Nullifier) {
			log.Warn(log.Mirror, "Repairing unspent note with synced nullifier", "nullifier", n.Nullifier.TerminalString())
			s.notes.StageMarkSpent(b, n.Nullifier)
		}
	}
	if len(s.pending) > 0 {
		for pos, leaf := range s.tree.Leaves(0) {
			if _, ok := s.pending[leaf]; ok {
				if _, err := s.stagePromote(b, leaf, uint64(pos)); err != nil {
					return err
				}
			}
		}
	}
	if b.Len() == 0 {
		return nil
	}
	return s.ps.Write(b)
}

func (s *Shielded) Notes() *notestore.Store {
	return s.notes
}

func (s *Shielded) Tree() *merkle.Mirror {
	return s.tree
}

func (s *Shielded) Nullifiers() *nullifier.Mirror {
	return s.nfs
}

// Cursors returns where the next sync should start.
func (s *Shielded) Cursors() (leafFrom, nullifierFrom uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Size(), s.nfs.Cursor()
}

func (s *Shielded) LastSync() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSync
}

// View is a read-only snapshot valid for the duration of the callback.
// It is the TreeReader witnesses are built from.
type View struct {
	tree  *merkle.Mirror
	nfs   *nullifier.Mirror
	notes *notestore.Store
}

func (v View) Root() common.Hash {
	return v.tree.Root()
}

func (v View) Size() uint64 {
	return v.tree.Size()
}

func (v View) Witness(position uint64) (merkle.Witness, error) {
	return v.tree.Witness(position)
}

func (v View) NullifierSeen(nf common.Hash) bool {
	return v.nfs.Contains(nf)
}

func (v View) Note(nf common.Hash) (*types.Note, bool) {
	return v.notes.Get(nf)
}

var _ merkle.TreeReader = View{}

// View runs fn while no writer can apply a delta.
func (s *Shielded) View(fn func(View) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(View{tree: s.tree, nfs: s.nfs, notes: s.notes})
}

// StagePending journals outputs before their step is submitted. They are
// promoted to notes once their commitments show up in a synced delta.
func (s *Shielded) StagePending(outputs []*types.Note) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := storage.NewBatch()
	for _, n := range outputs {
		if n.LeafIndex != nil {
			return fmt.Errorf("pending output %s already has a leaf", n.Commitment.Hex())
		}
		data, err := types.EncodeNote(n)
		if err != nil {
			return err
		}
		b.Put(pendingKey(n.Commitment), data)
	}
	b.OnCommit(func() {
		for _, n := range outputs {
			s.pending[n.Commitment] = n.Clone()
		}
	})
	return s.ps.Write(b)
}

// DropPending forgets outputs of a step the ledger definitively refused.
func (s *Shielded) DropPending(commitments []common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := storage.NewBatch()
	for _, cm := range commitments {
		if _, ok := s.pending[cm]; ok {
			b.Delete(pendingKey(cm))
		}
	}
	if b.Len() == 0 {
		return nil
	}
	b.OnCommit(func() {
		for _, cm := range commitments {
			delete(s.pending, cm)
		}
	})
	return s.ps.Write(b)
}

// Pending returns the journaled outputs.
func (s *Shielded) Pending() []*types.Note {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Note, 0, len(s.pending))
	for _, n := range s.pending {
		out = append(out, n.Clone())
	}
	notestore.SortForSpending(out)
	return out
}

// ApplyDelta appends confirmed ledger state. Leaves and nullifiers the
// mirrors already hold must match; the resulting root must equal
// delta.Root when the ledger reports one. All effects land in one batch:
// new leaves and nullifiers, our notes whose nullifiers appeared marked
// spent, and pending outputs whose commitments appeared promoted to notes.
func (s *Shielded) ApplyDelta(delta types.Delta) (*ApplyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	leaves, err := s.freshLeaves(delta)
	if err != nil {
		return nil, err
	}
	nfs, err := s.freshNullifiers(delta)
	if err != nil {
		return nil, err
	}

	b := storage.NewBatch()
	base := s.tree.Size()
	root, err := s.tree.StageAppend(b, leaves)
	if err != nil {
		return nil, fmt.Errorf("apply delta: %w", err)
	}
	if delta.Root != (common.Hash{}) && root != delta.Root {
		return nil, fmt.Errorf("%w: local root %s, ledger root %s after %d leaves",
			poolerrors.ErrMirrorDiverged, root.Hex(), delta.Root.Hex(), base+uint64(len(leaves)))
	}
	if err := s.nfs.StageInsert(b, nfs); err != nil {
		return nil, fmt.Errorf("%w: %v", poolerrors.ErrMirrorDiverged, err)
	}
	if cursor := delta.NullifierFrom + uint64(len(delta.Nullifiers)); cursor > s.nfs.Cursor() {
		s.nfs.StageCursor(b, cursor)
	}

	res := &ApplyResult{LeavesAdded: len(leaves), NullifiersAdded: len(nfs), Root: root}
	for _, nf := range nfs {
		if s.notes.StageMarkSpent(b, nf) {
			res.NotesSpent = append(res.NotesSpent, nf)
		}
	}
	for i, leaf := range leaves {
		pos := base + uint64(i)
		if _, ok := s.pending[leaf]; ok {
			n, err := s.stagePromote(b, leaf, pos)
			if err != nil {
				return nil, err
			}
			res.NotesPromoted = append(res.NotesPromoted, n)
			continue
		}
		if n, ok := s.notes.GetByCommitment(leaf); ok && n.LeafIndex == nil {
			if err := s.notes.StageAssignLeaf(b, leaf, pos); err != nil {
				return nil, err
			}
		}
	}

	if b.Len() > 0 {
		if err := s.ps.Write(b); err != nil {
			return nil, fmt.Errorf("apply delta: %w", err)
		}
	}
	s.lastSync = time.Now()
	if res.LeavesAdded > 0 || res.NullifiersAdded > 0 {
		log.Debug(log.Mirror, "Applied ledger delta", "leaves", res.LeavesAdded, "nullifiers", res.NullifiersAdded,
			"spent", len(res.NotesSpent), "promoted", len(res.NotesPromoted), "root", root)
	}
	return res, nil
}

func (s *Shielded) stagePromote(b *storage.Batch, cm common.Hash, pos uint64) (*types.Note, error) {
	n := s.pending[cm].Clone()
	n.LeafIndex = &pos
	if _, err := s.notes.StageAdd(b, n); err != nil {
		return nil, fmt.Errorf("promote pending output: %w", err)
	}
	b.Delete(pendingKey(cm))
	b.OnCommit(func() {
		delete(s.pending, cm)
	})
	return n, nil
}

// freshLeaves drops the part of delta the mirror already holds after
// checking that it matches.
func (s *Shielded) freshLeaves(delta types.Delta) ([]common.Hash, error) {
	size := s.tree.Size()
	if delta.LeafFrom > size {
		return nil, fmt.Errorf("%w: delta starts at leaf %d, mirror has %d", poolerrors.ErrMirrorDiverged, delta.LeafFrom, size)
	}
	overlap := size - delta.LeafFrom
	for i := uint64(0); i < overlap && i < uint64(len(delta.Leaves)); i++ {
		have, err := s.tree.Leaf(delta.LeafFrom + i)
		if err != nil || have != delta.Leaves[i] {
			return nil, fmt.Errorf("%w: leaf %d differs from ledger", poolerrors.ErrMirrorDiverged, delta.LeafFrom+i)
		}
	}
	if overlap >= uint64(len(delta.Leaves)) {
		return nil, nil
	}
	return delta.Leaves[overlap:], nil
}

func (s *Shielded) freshNullifiers(delta types.Delta) ([]common.Hash, error) {
	cursor := s.nfs.Cursor()
	if delta.NullifierFrom > cursor {
		return nil, fmt.Errorf("%w: delta starts at nullifier %d, mirror cursor %d", poolerrors.ErrMirrorDiverged, delta.NullifierFrom, cursor)
	}
	overlap := cursor - delta.NullifierFrom
	for i := uint64(0); i < overlap && i < uint64(len(delta.Nullifiers)); i++ {
		if !s.nfs.Contains(delta.Nullifiers[i]) {
			return nil, fmt.Errorf("%w: nullifier %s missing locally", poolerrors.ErrMirrorDiverged, delta.Nullifiers[i].Hex())
		}
	}
	if overlap >= uint64(len(delta.Nullifiers)) {
		return nil, nil
	}
	return delta.Nullifiers[overlap:], nil
}

func pendingKey(cm common.Hash) []byte {
	return []byte(pendingPrefix + hex.EncodeToString(cm[:]))
}
