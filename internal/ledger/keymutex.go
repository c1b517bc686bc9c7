package ledger

import "sync"

// keyMutex is an arena of per-key mutexes. Entries are created on demand and
// dropped once no goroutine holds or waits on them, so long-gone raids do not
// pin memory.
type keyMutex struct {
	mu    sync.Mutex
	locks map[string]*kmEntry
}

type kmEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyMutex() *keyMutex {
	return &keyMutex{locks: make(map[string]*kmEntry)}
}

// lock acquires the mutex for key and returns its unlock function.
func (k *keyMutex) lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &kmEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
