package executor

import (
	"sync"

	"github.com/colorfulnotion/shieldpool/types"
)

// KeyedMutex serializes pipelines per (owner, token kind). Entries are
// dropped once nobody holds or waits for them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[types.PoolKey]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[types.PoolKey]*keyedLock)}
}

// Lock blocks until key is free and returns the matching unlock.
func (k *KeyedMutex) Lock(key types.PoolKey) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// Held reports how many keys currently have a holder or waiter.
func (k *KeyedMutex) Held() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
