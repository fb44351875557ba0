package merkle

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/colorfulnotion/shieldpool/poolerrors"
	"github.com/colorfulnotion/shieldpool/storage"
	"github.com/ethereum/go-ethereum/common"
)

func leafN(i int) common.Hash {
	var h common.Hash
	h[0] = 0xcc
	binary.BigEndian.PutUint64(h[24:], uint64(i))
	return h
}

// naiveRoot recomputes the root from scratch over a fully padded tree.
func naiveRoot(height uint8, leaves []common.Hash) common.Hash {
	level := make([]common.Hash, 1<<height)
	copy(level, leaves)
	for len(level) > 1 {
		next := make([]common.Hash, len(level)/2)
		for i := range next {
			next[i] = hashPair(level[2*i], level[2*i+1])
		}
		level = next
	}
	return level[0]
}

func TestMirrorBasics(t *testing.T) {
	tree, err := NewMirror(4)
	if err != nil {
		t.Fatalf("NewMirror: %v", err)
	}
	if tree.Size() != 0 {
		t.Fatalf("expected size 0, got %d", tree.Size())
	}
	if tree.Root() != naiveRoot(4, nil) {
		t.Fatalf("empty root mismatch")
	}

	root1, err := tree.Append(leafN(1))
	if err != nil {
		t.Fatalf("failed to append: %v", err)
	}
	leaf, err := tree.Leaf(0)
	if err != nil {
		t.Fatalf("failed to get leaf: %v", err)
	}
	if leaf != leafN(1) {
		t.Fatalf("leaf mismatch: expected %v, got %v", leafN(1), leaf)
	}

	root2, err := tree.Append(leafN(2))
	if err != nil {
		t.Fatalf("failed to append second commitment: %v", err)
	}
	if root1 == root2 {
		t.Fatal("root should change after append")
	}
	if _, err := tree.Leaf(5); !errors.Is(err, poolerrors.ErrLeafOutOfRange) {
		t.Fatalf("expected ErrLeafOutOfRange, got %v", err)
	}
}

func TestMirrorMatchesNaiveRoot(t *testing.T) {
	tree, _ := NewMirror(5)
	var leaves []common.Hash
	for i := 0; i < 19; i++ {
		leaves = append(leaves, leafN(i))
		if _, err := tree.Append(leafN(i)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if got, want := tree.Root(), naiveRoot(5, leaves); got != want {
			t.Fatalf("after %d leaves root=%s want %s", i+1, got, want)
		}
	}
}

func TestMirrorWitnessVerifiesEveryLeaf(t *testing.T) {
	tree, _ := NewMirror(6)
	var batch []common.Hash
	for i := 0; i < 13; i++ {
		batch = append(batch, leafN(i))
	}
	root, err := tree.Append(batch...)
	if err != nil {
		t.Fatalf("append batch: %v", err)
	}
	for i := range batch {
		w, err := tree.Witness(uint64(i))
		if err != nil {
			t.Fatalf("witness %d: %v", i, err)
		}
		if w.Root != root || len(w.Path) != 6 {
			t.Fatalf("witness %d has root=%s len=%d", i, w.Root, len(w.Path))
		}
		if !VerifyWitness(w, batch[i], root) {
			t.Errorf("witness for leaf %d does not verify", i)
		}
		if VerifyWitness(w, leafN(99), root) {
			t.Errorf("witness for leaf %d verified a foreign leaf", i)
		}
	}
}

func TestMirrorBatchedAppendMatchesSingle(t *testing.T) {
	one, _ := NewMirror(4)
	many, _ := NewMirror(4)
	one.Append(leafN(0), leafN(1), leafN(2), leafN(3), leafN(4))
	many.Append(leafN(0), leafN(1))
	many.Append(leafN(2))
	got, _ := many.Append(leafN(3), leafN(4))
	if got != one.Root() || many.Size() != one.Size() {
		t.Fatalf("batched root %s size %d, single root %s size %d", got, many.Size(), one.Root(), one.Size())
	}
	var r TreeReader = many
	w, err := r.Witness(2)
	if err != nil || !VerifyWitness(w, leafN(2), r.Root()) {
		t.Fatalf("witness through reader: %v", err)
	}
}

func TestMirrorCapacity(t *testing.T) {
	tree, _ := NewMirror(2)
	if _, err := tree.Append(leafN(0), leafN(1), leafN(2)); err != nil {
		t.Fatalf("append: %v", err)
	}
	_, err := tree.Append(leafN(3), leafN(4))
	if !errors.Is(err, poolerrors.ErrTreeFull) {
		t.Fatalf("expected ErrTreeFull, got %v", err)
	}
	if tree.Size() != 3 {
		t.Fatalf("partial append leaked: size=%d", tree.Size())
	}
	if _, err := tree.Append(leafN(3)); err != nil {
		t.Fatalf("last slot should fit: %v", err)
	}
}

func TestMirrorRootHistory(t *testing.T) {
	tree, _ := NewMirror(8)
	first := tree.Root()
	for i := 0; i < RootHistorySize; i++ {
		tree.Append(leafN(i))
	}
	if tree.KnownRoot(first) {
		t.Fatalf("empty root should have rolled out of history")
	}
	if !tree.KnownRoot(tree.Root()) {
		t.Fatalf("current root must be known")
	}
	leaves := tree.Leaves(30)
	if len(leaves) != 2 || leaves[0] != leafN(30) {
		t.Fatalf("Leaves(30) = %v", leaves)
	}
}

func TestNewMirrorRejectsHeight(t *testing.T) {
	if _, err := NewMirror(0); err == nil {
		t.Fatal("height 0 accepted")
	}
	if _, err := NewMirror(MaxHeight + 1); err == nil {
		t.Fatal("height above max accepted")
	}
}

func TestMirrorPersistAndReload(t *testing.T) {
	ps, err := storage.NewMemoryPersistenceStore()
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	defer ps.Close()

	tree, err := Load(ps, 6)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	b := storage.NewBatch()
	root, err := tree.StageAppend(b, []common.Hash{leafN(0), leafN(1), leafN(2)})
	if err != nil {
		t.Fatalf("StageAppend: %v", err)
	}
	if tree.Size() != 0 {
		t.Fatalf("stage leaked into memory: size=%d", tree.Size())
	}
	if err := ps.Write(b); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if tree.Root() != root || tree.Size() != 3 {
		t.Fatalf("commit mismatch: root=%s size=%d", tree.Root(), tree.Size())
	}

	again, err := Load(ps, 6)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if again.Root() != root {
		t.Fatalf("reloaded root %s, want %s", again.Root(), root)
	}
}
