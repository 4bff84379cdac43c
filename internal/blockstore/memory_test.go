package blockstore

import (
	"bytes"
	"context"
	"testing"
)

func TestMemoryStore_PutGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	c, err := s.Put(ctx, []byte("hello"))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err := s.Get(ctx, c)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !bytes.Equal(got, []byte("hello")) {
		t.Errorf("Get() = %q, want %q", got, "hello")
	}
}

// TestMemoryStore_PutIdempotent covers property P1: two puts of equal
// bytes produce equal CIDs and neither errors.
func TestMemoryStore_PutIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	c1, err := s.Put(ctx, []byte("same"))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	c2, err := s.Put(ctx, []byte("same"))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if c1 != c2 {
		t.Errorf("Put() of identical bytes produced different CIDs: %v != %v", c1, c2)
	}
}

func TestMemoryStore_GetMissing(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Get(ctx, CIDFor([]byte("never put")))
	if err != ErrNotFound {
		t.Errorf("Get() error = %v, want %v", err, ErrNotFound)
	}
}

func TestMemoryStore_Has(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	c, _ := s.Put(ctx, []byte("present"))
	ok, err := s.Has(ctx, c)
	if err != nil {
		t.Fatalf("Has() error = %v", err)
	}
	if !ok {
		t.Error("Has() = false for a stored block")
	}

	ok, err = s.Has(ctx, CIDFor([]byte("absent")))
	if err != nil {
		t.Fatalf("Has() error = %v", err)
	}
	if ok {
		t.Error("Has() = true for a never-stored block")
	}
}

func TestMemoryStore_ListAll(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	c1, _ := s.Put(ctx, []byte("a"))
	c2, _ := s.Put(ctx, []byte("b"))

	blocks, err := s.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll() error = %v", err)
	}
	if len(blocks) != 2 {
		t.Fatalf("ListAll() returned %d blocks, want 2", len(blocks))
	}
	seen := map[string]bool{}
	for _, b := range blocks {
		seen[b.CID.String()] = true
	}
	if !seen[c1.String()] || !seen[c2.String()] {
		t.Error("ListAll() missing a previously put block")
	}
}

// TestMemoryStore_ConcurrentPut covers the block store's concurrency
// requirement: concurrent Put of identical bytes must not error or race.
func TestMemoryStore_ConcurrentPut(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	data := []byte("concurrent")

	done := make(chan error, 16)
	for i := 0; i < 16; i++ {
		go func() {
			_, err := s.Put(ctx, data)
			done <- err
		}()
	}
	for i := 0; i < 16; i++ {
		if err := <-done; err != nil {
			t.Errorf("concurrent Put() error = %v", err)
		}
	}
}
