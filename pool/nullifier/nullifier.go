// Package nullifier mirrors the ledger's published nullifier set so spends
// can be pre-filtered before any proof is generated.
package nullifier

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	log "github.com/colorfulnotion/shieldpool/log"
	"github.com/colorfulnotion/shieldpool/poolerrors"
	"github.com/colorfulnotion/shieldpool/storage"
	"github.com/ethereum/go-ethereum/common"
)

const (
	nullifierPrefix = "nf_"
	cursorKey       = "meta_nfcursor"
)

// Mirror is an append-only set of spent nullifiers. Insertion order is kept
// so the set can be replayed and compared with the ledger log.
type Mirror struct {
	mu sync.RWMutex
	ps *storage.PersistenceStore

	seq   map[common.Hash]uint64
	order []common.Hash

	// cursor is the number of ledger-published nullifiers already synced
	cursor uint64
}

// Load reads the persisted set. A fresh store yields an empty mirror.
func Load(ps *storage.PersistenceStore) (*Mirror, error) {
	m := &Mirror{
		ps:  ps,
		seq: make(map[common.Hash]uint64),
	}
	pairs, err := ps.GetWithPrefix([]byte(nullifierPrefix))
	if err != nil {
		return nil, fmt.Errorf("load nullifiers: %w", err)
	}
	entries := make([]common.Hash, len(pairs))
	for _, kv := range pairs {
		nf, err := parseNullifierKey(string(kv[0]))
		if err != nil {
			return nil, err
		}
		if len(kv[1]) != 8 {
			return nil, fmt.Errorf("nullifier %s: bad sequence record", nf.Hex())
		}
		s := binary.BigEndian.Uint64(kv[1])
		if s >= uint64(len(entries)) {
			return nil, fmt.Errorf("nullifier %s: sequence %d beyond set size %d", nf.Hex(), s, len(entries))
		}
		entries[s] = nf
		m.seq[nf] = s
	}
	m.order = entries

	raw, found, err := ps.Get([]byte(cursorKey))
	if err != nil {
		return nil, err
	}
	if found && len(raw) == 8 {
		m.cursor = binary.BigEndian.Uint64(raw)
	}
	log.Debug(log.Mirror, "Loaded nullifier mirror", "count", len(m.order), "cursor", m.cursor)
	return m, nil
}

func (m *Mirror) Contains(nf common.Hash) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.seq[nf]
	return ok
}

// Known returns the subset of nfs already in the mirror.
func (m *Mirror) Known(nfs ...common.Hash) []common.Hash {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []common.Hash
	for _, nf := range nfs {
		if _, ok := m.seq[nf]; ok {
			out = append(out, nf)
		}
	}
	return out
}

func (m *Mirror) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.order)
}

func (m *Mirror) Cursor() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cursor
}

// All returns the nullifiers in insertion order.
func (m *Mirror) All() []common.Hash {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]common.Hash, len(m.order))
	copy(out, m.order)
	return out
}

// StageInsert validates nfs and adds them to b. Nothing changes in memory
// until b is written. A nullifier already present, or repeated within nfs,
// fails the whole stage with ErrNullifierKnown.
func (m *Mirror) StageInsert(b *storage.Batch, nfs []common.Hash) error {
	m.mu.RLock()
	base := uint64(len(m.order))
	seen := make(map[common.Hash]bool, len(nfs))
	for _, nf := range nfs {
		if _, ok := m.seq[nf]; ok || seen[nf] {
			m.mu.RUnlock()
			return fmt.Errorf("%w: %s", poolerrors.ErrNullifierKnown, nf.Hex())
		}
		seen[nf] = true
	}
	m.mu.RUnlock()

	batch := append([]common.Hash(nil), nfs...)
	for i, nf := range batch {
		var v [8]byte
		binary.BigEndian.PutUint64(v[:], base+uint64(i))
		b.Put(nullifierKey(nf), v[:])
	}
	b.OnCommit(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for _, nf := range batch {
			m.seq[nf] = uint64(len(m.order))
			m.order = append(m.order, nf)
		}
	})
	return nil
}

// StageCursor records how far the ledger nullifier log has been synced.
func (m *Mirror) StageCursor(b *storage.Batch, cursor uint64) {
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], cursor)
	b.Put([]byte(cursorKey), v[:])
	b.OnCommit(func() {
		m.mu.Lock()
		m.cursor = cursor
		m.mu.Unlock()
	})
}

// Insert persists nfs immediately.
func (m *Mirror) Insert(nfs ...common.Hash) error {
	b := storage.NewBatch()
	if err := m.StageInsert(b, nfs); err != nil {
		return err
	}
	return m.ps.Write(b)
}

func nullifierKey(nf common.Hash) []byte {
	return []byte(nullifierPrefix + hex.EncodeToString(nf[:]))
}

func parseNullifierKey(key string) (common.Hash, error) {
	if !strings.HasPrefix(key, nullifierPrefix) {
		return common.Hash{}, fmt.Errorf("invalid nullifier key")
	}
	decoded, err := hex.DecodeString(strings.TrimPrefix(key, nullifierPrefix))
	if err != nil || len(decoded) != common.HashLength {
		return common.Hash{}, fmt.Errorf("invalid nullifier key %q", key)
	}
	return common.BytesToHash(decoded), nil
}
