package blockstore

import (
	"context"
	"sync"

	"github.com/subcults/pds/internal/cid"
)

// MemoryStore is an in-memory Store, used in tests and single-process
// development where durability across restarts does not matter.
type MemoryStore struct {
	mu     sync.RWMutex
	blocks map[cid.CID][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blocks: make(map[cid.CID][]byte)}
}

// Put stores b under its content CID, returning the existing CID unchanged
// if b was already present.
func (s *MemoryStore) Put(ctx context.Context, b []byte) (cid.CID, error) {
	c := CIDFor(b)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blocks[c]; !ok {
		cp := make([]byte, len(b))
		copy(cp, b)
		s.blocks[c] = cp
	}
	return c, nil
}

// Get returns the bytes stored for c.
func (s *MemoryStore) Get(ctx context.Context, c cid.CID) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blocks[c]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

// Has reports whether c is present.
func (s *MemoryStore) Has(ctx context.Context, c cid.CID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blocks[c]
	return ok, nil
}

// ListAll returns every block currently stored.
func (s *MemoryStore) ListAll(ctx context.Context) ([]Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Block, 0, len(s.blocks))
	for c, b := range s.blocks {
		cp := make([]byte, len(b))
		copy(cp, b)
		out = append(out, Block{CID: c, Bytes: cp})
	}
	return out, nil
}
