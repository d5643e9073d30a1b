// Package syncutil provides locking helpers shared by the scoring pipeline.
package syncutil

import "sync"

// KeyedMutex hands out one exclusive lock per key. Unlike a sharded pool,
// two distinct keys never share a lock. Entries are reference counted and
// dropped once no goroutine holds or waits on them, so memory tracks the
// number of keys currently in use rather than every key ever seen.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// Lock acquires the lock for key and returns its unlock function.
func (k *KeyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
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

// Active returns the number of keys currently held or awaited.
func (k *KeyedMutex) Active() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
