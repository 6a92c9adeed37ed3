package server

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// lockTable stripes per-uuid advisory locks over a bounded LRU so the
// table cannot grow with the number of records ever seen. Eviction can
// hand two requests different mutexes for the same uuid; the store's
// revision CAS catches that rare race.
type lockTable struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *sync.Mutex]
}

func newLockTable(size int) (*lockTable, error) {
	cache, err := lru.New[string, *sync.Mutex](size)
	if err != nil {
		return nil, err
	}
	return &lockTable{cache: cache}, nil
}

// acquire locks the mutex for key and returns it for unlocking.
func (t *lockTable) acquire(key string) *sync.Mutex {
	t.mu.Lock()
	m, ok := t.cache.Get(key)
	if !ok {
		m = &sync.Mutex{}
		t.cache.Add(key, m)
	}
	t.mu.Unlock()

	m.Lock()
	return m
}
