package common

import "sync"

// LockMap is an arena of mutexes keyed by string. It serializes writers of
// the same key while leaving writers of different keys fully concurrent, so
// there is never a global lock across the store or the queues.
//
// Mutexes are created on first use and kept for the lifetime of the arena;
// the per-key footprint is one mutex.
type LockMap struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLockMap ...
func NewLockMap() *LockMap {
	return &LockMap{
		locks: make(map[string]*sync.Mutex),
	}
}

// Get returns the mutex for key, creating it if needed. Callers lock and
// unlock the returned mutex themselves.
func (m *LockMap) Get(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[key]
	if !ok {
		l = new(sync.Mutex)
		m.locks[key] = l
	}
	return l
}

// Len returns the number of keys with an allocated mutex.
func (m *LockMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
