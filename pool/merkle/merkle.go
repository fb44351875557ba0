package merkle

import (
	"fmt"
	"sync"

	"github.com/colorfulnotion/shieldpool/poolerrors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	// MaxHeight bounds the configurable tree height
	MaxHeight = 32

	// DefaultHeight gives a capacity of about one million leaves
	DefaultHeight = 20

	// RootHistorySize is the number of recent roots the ledger accepts
	RootHistorySize = 32
)

// Mirror is an append-only incremental Merkle tree over note commitments.
type Mirror struct {
	mu sync.RWMutex

	height uint8
	root   common.Hash
	size   uint64

	// nodes[level][index] = hash; level 0 holds the leaves
	nodes [][]common.Hash

	// Zero hashes for empty subtrees at each level
	zeroHashes []common.Hash

	// Recent roots, oldest first
	history []common.Hash
}

// NewMirror creates an empty mirror of the given height.
func NewMirror(height uint8) (*Mirror, error) {
	if height == 0 || height > MaxHeight {
		return nil, fmt.Errorf("merkle height %d out of range 1..%d", height, MaxHeight)
	}
	t := &Mirror{
		height:     height,
		nodes:      make([][]common.Hash, height+1),
		zeroHashes: ZeroHashes(height),
	}
	t.root = t.zeroHashes[height]
	t.history = []common.Hash{t.root}
	return t, nil
}

// ZeroHashes returns zero[i] = root of an empty subtree of height i.
// zero[0] is the all-zero leaf.
func ZeroHashes(height uint8) []common.Hash {
	zeros := make([]common.Hash, height+1)
	for i := 1; i <= int(height); i++ {
		zeros[i] = hashPair(zeros[i-1], zeros[i-1])
	}
	return zeros
}

func (t *Mirror) Height() uint8 {
	return t.height
}

// Capacity is the number of leaves the tree can hold.
func (t *Mirror) Capacity() uint64 {
	return uint64(1) << t.height
}

// Root returns the current Merkle root
func (t *Mirror) Root() common.Hash {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.root
}

// Size returns the number of leaves in the tree
func (t *Mirror) Size() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.size
}

// KnownRoot reports whether root is among the recent roots.
func (t *Mirror) KnownRoot(root common.Hash) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, r := range t.history {
		if r == root {
			return true
		}
	}
	return false
}

// Append adds leaves in order and returns the new root. Either every leaf
// is appended or none is.
func (t *Mirror) Append(leaves ...common.Hash) (common.Hash, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	overlay, roots, err := t.simulate(leaves)
	if err != nil {
		return common.Hash{}, err
	}
	t.commit(overlay, roots, uint64(len(leaves)))
	return t.root, nil
}

type overlay map[uint8]map[uint64]common.Hash

func (t *Mirror) simulate(leaves []common.Hash) (overlay, []common.Hash, error) {
	if t.size+uint64(len(leaves)) > t.Capacity() {
		return nil, nil, fmt.Errorf("%w: size=%d adding=%d capacity=%d",
			poolerrors.ErrTreeFull, t.size, len(leaves), t.Capacity())
	}
	ov := make(overlay)
	roots := make([]common.Hash, 0, len(leaves))
	for i, leaf := range leaves {
		roots = append(roots, t.updatePath(ov, t.size+uint64(i), leaf))
	}
	return ov, roots, nil
}

// updatePath writes the path from a new leaf to the root into ov and
// returns the resulting root.
func (t *Mirror) updatePath(ov overlay, index uint64, leaf common.Hash) common.Hash {
	currentHash := leaf
	currentIndex := index

	for level := uint8(0); level < t.height; level++ {
		if ov[level] == nil {
			ov[level] = make(map[uint64]common.Hash)
		}
		ov[level][currentIndex] = currentHash

		if currentIndex%2 == 0 {
			// Left child: right sibling is always empty for an append
			currentHash = hashPair(currentHash, t.zeroHashes[level])
		} else {
			sibling, _ := t.nodeAt(ov, level, currentIndex-1)
			currentHash = hashPair(sibling, currentHash)
		}
		currentIndex = currentIndex / 2
	}
	if ov[t.height] == nil {
		ov[t.height] = make(map[uint64]common.Hash)
	}
	ov[t.height][0] = currentHash
	return currentHash
}

func (t *Mirror) nodeAt(ov overlay, level uint8, index uint64) (common.Hash, bool) {
	if ov != nil {
		if h, ok := ov[level][index]; ok {
			return h, true
		}
	}
	if index < uint64(len(t.nodes[level])) {
		return t.nodes[level][index], true
	}
	return t.zeroHashes[level], false
}

func (t *Mirror) commit(ov overlay, roots []common.Hash, added uint64) {
	for level := uint8(0); level <= t.height; level++ {
		for index, h := range ov[level] {
			for uint64(len(t.nodes[level])) <= index {
				t.nodes[level] = append(t.nodes[level], t.zeroHashes[level])
			}
			t.nodes[level][index] = h
		}
	}
	t.size += added
	for _, r := range roots {
		t.pushRoot(r)
	}
}

func (t *Mirror) pushRoot(root common.Hash) {
	t.root = root
	if len(t.history) >= RootHistorySize {
		t.history = t.history[1:]
	}
	t.history = append(t.history, root)
}

// Leaf returns the leaf at the given position
func (t *Mirror) Leaf(position uint64) (common.Hash, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if position >= t.size {
		return common.Hash{}, fmt.Errorf("%w: position %d (size=%d)", poolerrors.ErrLeafOutOfRange, position, t.size)
	}
	return t.nodes[0][position], nil
}

// Leaves returns a copy of the leaves from position onwards.
func (t *Mirror) Leaves(from uint64) []common.Hash {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if from >= t.size {
		return nil
	}
	out := make([]common.Hash, t.size-from)
	copy(out, t.nodes[0][from:t.size])
	return out
}

// Witness generates a Merkle inclusion proof for the given position
func (t *Mirror) Witness(position uint64) (Witness, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if position >= t.size {
		return Witness{}, fmt.Errorf("%w: position %d (size=%d)", poolerrors.ErrLeafOutOfRange, position, t.size)
	}

	witness := Witness{
		Position: position,
		Path:     make([]common.Hash, t.height),
		Root:     t.root,
	}
	currentIndex := position
	for level := uint8(0); level < t.height; level++ {
		witness.Path[level], _ = t.nodeAt(nil, level, currentIndex^1)
		currentIndex = currentIndex / 2
	}
	return witness, nil
}

// VerifyWitness verifies a Merkle inclusion proof
func VerifyWitness(witness Witness, leaf common.Hash, root common.Hash) bool {
	currentHash := leaf
	currentIndex := witness.Position

	for _, sibling := range witness.Path {
		if currentIndex%2 == 0 {
			currentHash = hashPair(currentHash, sibling)
		} else {
			currentHash = hashPair(sibling, currentHash)
		}
		currentIndex = currentIndex / 2
	}
	return currentIndex == 0 && currentHash == root
}

// hashPair computes keccak256(left || right)
func hashPair(left, right common.Hash) common.Hash {
	data := make([]byte, 64)
	copy(data[0:32], left[:])
	copy(data[32:64], right[:])
	return crypto.Keccak256Hash(data)
}
