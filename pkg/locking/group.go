// Package locking serializes work on the same cache key within one process.
//
// It never coordinates across processes: independent processes sharing a
// cache directory rely only on the local store's atomic create/link/rename
// protocol. Serializing in-process callers simply lets the second caller for
// a key observe the first caller's committed record instead of redoing work.
package locking

import "sync"

// Group runs functions with mutual exclusion over sets of keys.
type Group interface {
	// DoWithLock runs fn while holding the lock for key.
	DoWithLock(key string, fn func() error) error
}

// NoOpGroup runs every function immediately without locking.
type NoOpGroup struct{}

// NewNoOpGroup creates a new NoOpGroup.
func NewNoOpGroup() *NoOpGroup {
	return &NoOpGroup{}
}

func (NoOpGroup) DoWithLock(_ string, fn func() error) error {
	return fn()
}

// MemLock is a Group backed by per-key mutexes. Locks are reference counted
// and dropped once no caller holds or waits for them, so a long-lived process
// touching many keys does not accumulate mutexes.
type MemLock struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sync.Mutex
	refs int
}

func NewMemLock() *MemLock {
	return &MemLock{
		locks: make(map[string]*keyLock),
	}
}

func (m *MemLock) DoWithLock(key string, fn func() error) error {
	m.mu.Lock()
	lock, ok := m.locks[key]
	if !ok {
		lock = &keyLock{}
		m.locks[key] = lock
	}
	lock.refs++
	m.mu.Unlock()

	lock.Lock()
	defer func() {
		lock.Unlock()
		m.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(m.locks, key)
		}
		m.mu.Unlock()
	}()
	return fn()
}

// size reports how many keys currently have a lock allocated.
func (m *MemLock) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

var (
	_ Group = NoOpGroup{}
	_ Group = (*NoOpGroup)(nil)
	_ Group = (*MemLock)(nil)
)
