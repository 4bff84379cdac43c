package repo

import (
	"context"
	"sync"

	"github.com/subcults/pds/internal/cid"
)

// State is a repository's persisted pointer: its current commit chain
// head, MST root, and revision id, plus an opaque per-collection record
// count the core treats as bookkeeping only — it never drives any MST or
// commit decision.
type State struct {
	DID                 string
	Rev                 string
	Root                cid.CID
	Head                *cid.CID
	CollectionsMetadata map[string]int64
}

// StateStore persists one State per DID. The core treats it as an
// external key/value mapping; its shape is opaque outside this package.
type StateStore interface {
	Get(ctx context.Context, did string) (State, bool, error)
	Save(ctx context.Context, state State) error
}

// MemoryStateStore is an in-process StateStore for tests and
// single-process development.
type MemoryStateStore struct {
	mu     sync.Mutex
	states map[string]State
}

// NewMemoryStateStore creates an empty in-memory state store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[string]State)}
}

// Get implements StateStore.
func (s *MemoryStateStore) Get(ctx context.Context, did string) (State, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[did]
	return st, ok, nil
}

// Save implements StateStore.
func (s *MemoryStateStore) Save(ctx context.Context, state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.DID] = state
	return nil
}
