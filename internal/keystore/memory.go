package keystore

import (
	"context"
	"sync"

	"github.com/subcults/pds/internal/cryptoutil"
)

// MemoryStore is an in-process KeyStore, for tests and single-process
// development where durability across restarts does not matter.
type MemoryStore struct {
	mu   sync.Mutex
	keys map[string]*cryptoutil.KeyPair
}

// NewMemoryStore creates an empty in-memory key store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]*cryptoutil.KeyPair)}
}

// Get implements KeyStore.
func (s *MemoryStore) Get(ctx context.Context, did string) (*cryptoutil.KeyPair, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kp, ok := s.keys[did]
	return kp, ok, nil
}

// GenerateAndStore implements KeyStore.
func (s *MemoryStore) GenerateAndStore(ctx context.Context, did string, curve cryptoutil.Curve) (*cryptoutil.KeyPair, error) {
	kp, err := cryptoutil.GenerateKey(curve)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.keys[did] = kp
	s.mu.Unlock()
	return kp, nil
}
