// Package notestore persists the notes owned by local identities and answers
// "what can I spend".
package notestore

import (
	"cmp"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"iter"
	"slices"
	"sync"

	log "github.com/colorfulnotion/shieldpool/log"
	"github.com/colorfulnotion/shieldpool/poolerrors"
	"github.com/colorfulnotion/shieldpool/storage"
	"github.com/colorfulnotion/shieldpool/types"
	"github.com/ethereum/go-ethereum/common"
)

const (
	notePrefix = "note_"
	clockKey   = "meta_clock"
)

// Store indexes notes by nullifier and commitment. Every mutation is
// persisted before it becomes visible.
type Store struct {
	mu sync.RWMutex
	ps *storage.PersistenceStore

	byNullifier  map[common.Hash]*types.Note
	byCommitment map[common.Hash]*types.Note

	// Notes consumed by an in-flight step; hidden from UnspentNotes
	reserved map[common.Hash]bool

	// Logical clock for CreatedAt
	clock uint64
}

// Load reads every persisted note.
func Load(ps *storage.PersistenceStore) (*Store, error) {
	s := &Store{
		ps:           ps,
		byNullifier:  make(map[common.Hash]*types.Note),
		byCommitment: make(map[common.Hash]*types.Note),
		reserved:     make(map[common.Hash]bool),
	}
	pairs, err := ps.GetWithPrefix([]byte(notePrefix))
	if err != nil {
		return nil, fmt.Errorf("load notes: %w", err)
	}
	for _, kv := range pairs {
		n, err := types.DecodeNote(kv[1])
		if err != nil {
			return nil, fmt.Errorf("load note %s: %w", kv[0], err)
		}
		s.byNullifier[n.Nullifier] = n
		s.byCommitment[n.Commitment] = n
		if n.CreatedAt > s.clock {
			s.clock = n.CreatedAt
		}
	}
	if raw, found, err := ps.Get([]byte(clockKey)); err != nil {
		return nil, err
	} else if found && len(raw) == 8 {
		if c := binary.BigEndian.Uint64(raw); c > s.clock {
			s.clock = c
		}
	}
	log.Debug(log.Notes, "Loaded note store", "notes", len(s.byNullifier), "clock", s.clock)
	return s, nil
}

// AddNote inserts a note keyed by nullifier. Returns false without error if
// a note with the same nullifier already exists.
func (s *Store) AddNote(note *types.Note) (bool, error) {
	b := storage.NewBatch()
	added, err := s.StageAdd(b, note)
	if err != nil || !added {
		return added, err
	}
	return true, s.ps.Write(b)
}

// StageAdd writes note into b. The store keeps its own copy.
func (s *Store) StageAdd(b *storage.Batch, note *types.Note) (bool, error) {
	if !note.TokenKind.Valid() {
		return false, fmt.Errorf("add note: %w", poolerrors.ErrUnknownTokenKind)
	}
	if note.Amount == 0 {
		return false, fmt.Errorf("add note: %w", poolerrors.ErrInvalidAmount)
	}

	s.mu.Lock()
	if existing, ok := s.byNullifier[note.Nullifier]; ok {
		s.mu.Unlock()
		log.Warn(log.Notes, "Duplicate note ignored",
			"nullifier", note.Nullifier.TerminalString(),
			"commitment", existing.Commitment.TerminalString())
		return false, nil
	}
	if _, ok := s.byCommitment[note.Commitment]; ok {
		s.mu.Unlock()
		return false, fmt.Errorf("add note: commitment %s already stored under another nullifier", note.Commitment.Hex())
	}
	s.clock++
	stored := note.Clone()
	stored.CreatedAt = s.clock
	clock := s.clock
	s.mu.Unlock()

	data, err := types.EncodeNote(stored)
	if err != nil {
		return false, fmt.Errorf("encode note: %w", err)
	}
	b.Put(noteKey(stored.Nullifier), data)
	b.Put([]byte(clockKey), encodeUint64(clock))
	b.OnCommit(func() {
		s.mu.Lock()
		s.byNullifier[stored.Nullifier] = stored
		s.byCommitment[stored.Commitment] = stored
		s.mu.Unlock()
		note.CreatedAt = stored.CreatedAt
		log.Debug(log.Notes, "Added note", "owner", stored.Owner, "token", stored.TokenKind,
			"amount", stored.Amount, "origin", stored.Origin, "created", stored.CreatedAt)
	})
	return true, nil
}

// MarkSpent flips the spent flag of the note with nullifier nf. Unknown
// nullifiers are logged and ignored.
func (s *Store) MarkSpent(nf common.Hash) error {
	b := storage.NewBatch()
	if !s.StageMarkSpent(b, nf) {
		return nil
	}
	return s.ps.Write(b)
}

// StageMarkSpent reports whether a write was staged.
func (s *Store) StageMarkSpent(b *storage.Batch, nf common.Hash) bool {
	s.mu.RLock()
	n, ok := s.byNullifier[nf]
	var updated *types.Note
	if ok && !n.Spent {
		updated = n.Clone()
		updated.Spent = true
	}
	s.mu.RUnlock()

	if !ok {
		log.Debug(log.Notes, "MarkSpent for unknown nullifier", "nullifier", nf.TerminalString())
		return false
	}
	if updated == nil {
		return false
	}
	data, err := types.EncodeNote(updated)
	if err != nil {
		log.Error(log.Notes, "Encode spent note failed", "nullifier", nf.TerminalString(), "err", err)
		return false
	}
	b.Put(noteKey(nf), data)
	b.OnCommit(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.replace(updated)
		delete(s.reserved, nf)
	})
	return true
}

// AssignLeaf records where a commitment landed in the tree. Assigning the
// same index twice is a no-op; a different index is an error.
func (s *Store) AssignLeaf(cm common.Hash, index uint64) error {
	b := storage.NewBatch()
	if err := s.StageAssignLeaf(b, cm, index); err != nil {
		return err
	}
	return s.ps.Write(b)
}

func (s *Store) StageAssignLeaf(b *storage.Batch, cm common.Hash, index uint64) error {
	s.mu.RLock()
	n, ok := s.byCommitment[cm]
	var updated *types.Note
	if ok {
		if n.LeafIndex != nil {
			current := *n.LeafIndex
			s.mu.RUnlock()
			if current != index {
				return fmt.Errorf("%w: commitment %s at %d, not %d", poolerrors.ErrLeafIndexImmutable, cm.Hex(), current, index)
			}
			return nil
		}
		updated = n.Clone()
		idx := index
		updated.LeafIndex = &idx
	}
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("assign leaf: unknown commitment %s", cm.Hex())
	}

	data, err := types.EncodeNote(updated)
	if err != nil {
		return err
	}
	b.Put(noteKey(updated.Nullifier), data)
	b.OnCommit(func() {
		s.mu.Lock()
		s.replace(updated)
		s.mu.Unlock()
	})
	return nil
}

func (s *Store) replace(n *types.Note) {
	s.byNullifier[n.Nullifier] = n
	s.byCommitment[n.Commitment] = n
}

// Reserve hides the notes from UnspentNotes while a step using them is in
// flight. It fails if any note is unknown, spent or already reserved.
func (s *Store) Reserve(nfs []common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, nf := range nfs {
		n, ok := s.byNullifier[nf]
		switch {
		case !ok:
			return fmt.Errorf("reserve: unknown nullifier %s", nf.Hex())
		case n.Spent:
			return fmt.Errorf("reserve: note %s already spent", nf.Hex())
		case s.reserved[nf]:
			return fmt.Errorf("reserve: note %s already in flight", nf.Hex())
		}
	}
	for _, nf := range nfs {
		s.reserved[nf] = true
	}
	return nil
}

// Release undoes Reserve for notes whose step did not confirm.
func (s *Store) Release(nfs []common.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, nf := range nfs {
		delete(s.reserved, nf)
	}
}

// ReleasePool drops every reservation held on the pair's notes and returns
// the released nullifiers. Only call it while no step for the pair runs.
func (s *Store) ReleasePool(key types.PoolKey) []common.Hash {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []common.Hash
	for nf := range s.reserved {
		if n, ok := s.byNullifier[nf]; ok && n.Key() == key {
			delete(s.reserved, nf)
			out = append(out, nf)
		}
	}
	return out
}

// UnspentNotes yields spendable notes (confirmed, unspent, not in flight)
// for the pair by descending amount, oldest first on ties. Each iteration
// takes a fresh snapshot, so the sequence can be ranged over again.
func (s *Store) UnspentNotes(owner string, kind types.TokenKind) iter.Seq[*types.Note] {
	return func(yield func(*types.Note) bool) {
		for _, n := range s.snapshot(owner, kind, true) {
			if !yield(n) {
				return
			}
		}
	}
}

// Unspent collects UnspentNotes into a slice.
func (s *Store) Unspent(owner string, kind types.TokenKind) []*types.Note {
	return slices.Collect(s.UnspentNotes(owner, kind))
}

func (s *Store) snapshot(owner string, kind types.TokenKind, spendableOnly bool) []*types.Note {
	s.mu.RLock()
	out := make([]*types.Note, 0)
	for _, n := range s.byNullifier {
		if n.Owner != owner || n.TokenKind != kind || n.Spent {
			continue
		}
		if spendableOnly && (s.reserved[n.Nullifier] || n.LeafIndex == nil) {
			continue
		}
		out = append(out, n.Clone())
	}
	s.mu.RUnlock()
	SortForSpending(out)
	return out
}

// SortForSpending orders notes by descending amount, then oldest first.
func SortForSpending(notes []*types.Note) {
	slices.SortStableFunc(notes, func(a, b *types.Note) int {
		if c := cmp.Compare(b.Amount, a.Amount); c != 0 {
			return c
		}
		return cmp.Compare(a.CreatedAt, b.CreatedAt)
	})
}

// Balance sums every unspent note of the pair, including notes in flight.
func (s *Store) Balance(owner string, kind types.TokenKind) uint64 {
	var total uint64
	for _, n := range s.snapshot(owner, kind, false) {
		total += n.Amount
	}
	return total
}

// Available sums only the notes UnspentNotes would yield.
func (s *Store) Available(owner string, kind types.TokenKind) uint64 {
	var total uint64
	for n := range s.UnspentNotes(owner, kind) {
		total += n.Amount
	}
	return total
}

func (s *Store) Get(nf common.Hash) (*types.Note, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.byNullifier[nf]
	if !ok {
		return nil, false
	}
	return n.Clone(), true
}

func (s *Store) GetByCommitment(cm common.Hash) (*types.Note, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.byCommitment[cm]
	if !ok {
		return nil, false
	}
	return n.Clone(), true
}

// Notes returns every note of owner, spent ones included, oldest first.
func (s *Store) Notes(owner string) []*types.Note {
	s.mu.RLock()
	out := make([]*types.Note, 0)
	for _, n := range s.byNullifier {
		if n.Owner == owner {
			out = append(out, n.Clone())
		}
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b *types.Note) int { return cmp.Compare(a.CreatedAt, b.CreatedAt) })
	return out
}

// All returns every stored note, oldest first.
func (s *Store) All() []*types.Note {
	s.mu.RLock()
	out := make([]*types.Note, 0, len(s.byNullifier))
	for _, n := range s.byNullifier {
		out = append(out, n.Clone())
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b *types.Note) int { return cmp.Compare(a.CreatedAt, b.CreatedAt) })
	return out
}

// Stats counts one owner's notes across token kinds.
type Stats struct {
	Total        int `json:"total"`
	Unspent      int `json:"unspent"`
	Spent        int `json:"spent"`
	InFlight     int `json:"inFlight"`
	AwaitingLeaf int `json:"awaitingLeaf"`
}

func (s *Store) Stats(owner string) Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var st Stats
	for nf, n := range s.byNullifier {
		if n.Owner != owner {
			continue
		}
		st.Total++
		switch {
		case n.Spent:
			st.Spent++
		case s.reserved[nf]:
			st.InFlight++
		case n.LeafIndex == nil:
			st.AwaitingLeaf++
		default:
			st.Unspent++
		}
	}
	return st
}

func noteKey(nf common.Hash) []byte {
	return []byte(notePrefix + hex.EncodeToString(nf[:]))
}

func encodeUint64(v uint64) []byte {
	var out [8]byte
	binary.BigEndian.PutUint64(out[:], v)
	return out[:]
}
