package keep

import "sync"

// nameLocks hands out a reader/writer lock per backup name. Entries are
// dropped once no goroutine holds or waits on them.
type nameLocks struct {
	mu    sync.Mutex
	locks map[string]*nameLock
}

type nameLock struct {
	rw   sync.RWMutex
	refs int
}

func newNameLocks() *nameLocks {
	return &nameLocks{locks: make(map[string]*nameLock)}
}

func (n *nameLocks) get(name string) *nameLock {
	n.mu.Lock()
	defer n.mu.Unlock()
	l, ok := n.locks[name]
	if !ok {
		l = &nameLock{}
		n.locks[name] = l
	}
	l.refs++
	return l
}

func (n *nameLocks) put(name string, l *nameLock) {
	n.mu.Lock()
	defer n.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(n.locks, name)
	}
}

// RLock takes the shared lock for name and returns its release func.
func (n *nameLocks) RLock(name string) func() {
	l := n.get(name)
	l.rw.RLock()
	return func() {
		l.rw.RUnlock()
		n.put(name, l)
	}
}

// Lock takes the exclusive lock for name and returns its release func.
func (n *nameLocks) Lock(name string) func() {
	l := n.get(name)
	l.rw.Lock()
	return func() {
		l.rw.Unlock()
		n.put(name, l)
	}
}

// size reports how many names currently have a lock entry.
func (n *nameLocks) size() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.locks)
}
