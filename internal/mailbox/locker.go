package mailbox

import "sync"

// LockRegistry hands out one RWMutex per mailbox key. The on-disk mailbox
// is shared across sessions, so every store of the same process locks
// through the same registry: writers take the exclusive lock for the
// duration of a mutating call, readers the shared lock. Entries are never
// evicted; the population is bounded by the number of distinct mailboxes
// touched during the process lifetime.
type LockRegistry struct {
	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

func NewLockRegistry() *LockRegistry {
	return &LockRegistry{locks: make(map[string]*sync.RWMutex)}
}

// Get returns the mutex for key, creating it on first use.
func (r *LockRegistry) Get(key string) *sync.RWMutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.locks[key]; ok {
		return l
	}
	l := new(sync.RWMutex)
	r.locks[key] = l
	return l
}

// Pair returns the mutexes for two keys in a deterministic lock order
// (lexicographic by key) so that rename and delete can take both without
// deadlocking against a concurrent pair in the opposite order. When the
// keys are equal a single mutex is returned twice; callers must lock it
// once.
func (r *LockRegistry) Pair(a, b string) (first, second *sync.RWMutex, same bool) {
	if a == b {
		l := r.Get(a)
		return l, l, true
	}
	if a > b {
		a, b = b, a
	}
	return r.Get(a), r.Get(b), false
}
