package repolock

import (
	"context"
	"sync"
)

// MemoryLock is a single-process Lock backed by one *sync.Mutex per DID,
// stored in a sync.Map so the set of known DIDs can grow without a single
// global lock guarding the whole map.
type MemoryLock struct {
	mus sync.Map // did string -> *sync.Mutex
}

// NewMemoryLock creates an empty in-process per-DID lock.
func NewMemoryLock() *MemoryLock {
	return &MemoryLock{}
}

// Acquire implements Lock. It never blocks on ctx other than checking it
// is not already done before acquiring, since the underlying mutex has no
// context-aware lock primitive.
func (l *MemoryLock) Acquire(ctx context.Context, did string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	muAny, _ := l.mus.LoadOrStore(did, &sync.Mutex{})
	mu := muAny.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock, nil
}
