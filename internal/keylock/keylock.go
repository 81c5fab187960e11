// Package keylock serializes writers per key while letting writers on
// other keys, and all readers, proceed.
package keylock

import "sync"

// Map is a set of per-key mutexes. Entries exist only while held or
// waited on. The zero value is ready to use.
type Map struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// Lock acquires the mutex for key and returns its release func.
func (m *Map) Lock(key string) (unlock func()) {
	m.mu.Lock()
	if m.locks == nil {
		m.locks = make(map[string]*entry)
	}
	e, ok := m.locks[key]
	if !ok {
		e = &entry{}
		m.locks[key] = e
	}
	e.refs++
	m.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		m.mu.Lock()
		if e.refs--; e.refs == 0 {
			delete(m.locks, key)
		}
		m.mu.Unlock()
	}
}

// Held returns how many keys are currently locked or waited on.
func (m *Map) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
