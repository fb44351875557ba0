package merkle

import (
	"fmt"
	"strconv"
	"strings"

	log "github.com/colorfulnotion/shieldpool/log"
	"github.com/colorfulnotion/shieldpool/storage"
	"github.com/ethereum/go-ethereum/common"
)

const leafPrefix = "leaf_"

// Load rebuilds a mirror from the persisted leaf sequence.
func Load(ps *storage.PersistenceStore, height uint8) (*Mirror, error) {
	t, err := NewMirror(height)
	if err != nil {
		return nil, err
	}
	pairs, err := ps.GetWithPrefix([]byte(leafPrefix))
	if err != nil {
		return nil, fmt.Errorf("load leaves: %w", err)
	}
	leaves := make([]common.Hash, 0, len(pairs))
	for i, kv := range pairs {
		pos, err := parseLeafPosition(string(kv[0]))
		if err != nil {
			return nil, err
		}
		if pos != uint64(i) {
			return nil, fmt.Errorf("leaf sequence has a gap at position %d (found %d)", i, pos)
		}
		leaves = append(leaves, common.BytesToHash(kv[1]))
	}
	if len(leaves) > 0 {
		if _, err := t.Append(leaves...); err != nil {
			return nil, fmt.Errorf("replay leaves: %w", err)
		}
	}
	log.Debug(log.Mirror, "Loaded merkle mirror", "size", t.Size(), "root", t.Root())
	return t, nil
}

// StageAppend validates the append and writes the new leaves into b. The
// mirror changes only when b is written. Returns the root after the append.
func (t *Mirror) StageAppend(b *storage.Batch, leaves []common.Hash) (common.Hash, error) {
	t.mu.RLock()
	base := t.size
	ov, roots, err := t.simulate(leaves)
	t.mu.RUnlock()
	if err != nil {
		return common.Hash{}, err
	}
	if len(leaves) == 0 {
		return t.Root(), nil
	}
	for i, leaf := range leaves {
		b.Put(leafKey(base+uint64(i)), leaf.Bytes())
	}
	added := uint64(len(leaves))
	b.OnCommit(func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.size != base {
			// Stages are serialized by the caller; a moved base means a bug.
			log.Error(log.Mirror, "Merkle stage applied over a moved base", "base", base, "size", t.size)
			return
		}
		t.commit(ov, roots, added)
	})
	return roots[len(roots)-1], nil
}

func leafKey(position uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", leafPrefix, position))
}

func parseLeafPosition(key string) (uint64, error) {
	if !strings.HasPrefix(key, leafPrefix) {
		return 0, fmt.Errorf("invalid leaf key")
	}
	return strconv.ParseUint(strings.TrimPrefix(key, leafPrefix), 10, 64)
}
