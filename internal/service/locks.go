package service

import "sync"

// lockTable hands out one mutex per entity id, guaranteeing at most one
// in-flight state transition per payment or bridge transaction. Entries are
// never removed; the per-id footprint is one mutex and ids are bounded by the
// working set of in-flight entities.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*sync.Mutex)}
}

// acquire locks the id's mutex and returns its release function.
func (t *lockTable) acquire(id string) func() {
	t.mu.Lock()
	l, ok := t.locks[id]
	if !ok {
		l = &sync.Mutex{}
		t.locks[id] = l
	}
	t.mu.Unlock()

	l.Lock()
	return l.Unlock
}
