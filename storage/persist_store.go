package storage

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	leveldbstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// PersistenceStore wraps LevelDB for raw key-value persistence.
// Mutations that must land together go through a Batch.
type PersistenceStore struct {
	db   *leveldb.DB
	path string

	// writeMu orders batch writes with their commit hooks.
	writeMu sync.Mutex
}

// NewPersistenceStore opens or creates a LevelDB database at the given path.
// If path is empty, uses in-memory storage.
func NewPersistenceStore(path string) (*PersistenceStore, error) {
	var db *leveldb.DB
	var err error

	if path == "" {
		memStorage := leveldbstorage.NewMemStorage()
		db, err = leveldb.Open(memStorage, nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database at %s: %w", path, err)
	}

	return &PersistenceStore{db: db, path: path}, nil
}

// NewMemoryPersistenceStore creates an in-memory PersistenceStore for testing.
func NewMemoryPersistenceStore() (*PersistenceStore, error) {
	return NewPersistenceStore("")
}

// Get retrieves a value by key. Returns (nil, false, nil) if not found.
func (ps *PersistenceStore) Get(key []byte) ([]byte, bool, error) {
	data, err := ps.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("Get %x: %w", key, err)
	}
	return data, true, nil
}

func (ps *PersistenceStore) Put(key []byte, value []byte) error {
	return ps.db.Put(key, value, ps.writeOptions())
}

func (ps *PersistenceStore) Delete(key []byte) error {
	return ps.db.Delete(key, ps.writeOptions())
}

// GetWithPrefix returns all key-value pairs with the given prefix.
// Returns pairs sorted by key order.
func (ps *PersistenceStore) GetWithPrefix(prefix []byte) ([][2][]byte, error) {
	iter := ps.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	var results [][2][]byte
	for iter.Next() {
		// Copy key and value to avoid iterator reuse issues
		keyCopy := make([]byte, len(iter.Key()))
		copy(keyCopy, iter.Key())
		valueCopy := make([]byte, len(iter.Value()))
		copy(valueCopy, iter.Value())

		results = append(results, [2][]byte{keyCopy, valueCopy})
	}

	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("GetWithPrefix %x: %w", prefix, err)
	}

	return results, nil
}

// GetHash returns found=false for a missing hash key, like Get.
func (ps *PersistenceStore) GetHash(key common.Hash) ([]byte, bool, error) {
	return ps.Get(key.Bytes())
}

func (ps *PersistenceStore) PutHash(key common.Hash, value []byte) error {
	return ps.Put(key.Bytes(), value)
}

// Write commits every operation in b atomically and then runs its commit
// hooks in registration order. Hooks do not run if the write fails.
func (ps *PersistenceStore) Write(b *Batch) error {
	ps.writeMu.Lock()
	defer ps.writeMu.Unlock()

	if b.batch.Len() > 0 {
		if err := ps.db.Write(b.batch, ps.writeOptions()); err != nil {
			return fmt.Errorf("write batch (%d ops): %w", b.batch.Len(), err)
		}
	}
	for _, fn := range b.hooks {
		fn()
	}
	return nil
}

func (ps *PersistenceStore) Close() error {
	return ps.db.Close()
}

// InMemory reports whether the store was opened without a path.
func (ps *PersistenceStore) InMemory() bool {
	return ps.path == ""
}

func (ps *PersistenceStore) writeOptions() *opt.WriteOptions {
	if ps.path == "" {
		return nil
	}
	return &opt.WriteOptions{Sync: true}
}

// Batch groups puts and deletes with in-memory follow-ups that must only be
// applied once the data is durable.
type Batch struct {
	batch *leveldb.Batch
	hooks []func()
}

func NewBatch() *Batch {
	return &Batch{batch: new(leveldb.Batch)}
}

func (b *Batch) Put(key, value []byte) {
	b.batch.Put(key, value)
}

func (b *Batch) Delete(key []byte) {
	b.batch.Delete(key)
}

// OnCommit registers fn to run after the batch is written.
func (b *Batch) OnCommit(fn func()) {
	b.hooks = append(b.hooks, fn)
}

// Len is the number of pending key operations.
func (b *Batch) Len() int {
	return b.batch.Len()
}
