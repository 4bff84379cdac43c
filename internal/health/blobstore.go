package health

import (
	"bytes"
	"context"

	"github.com/subcults/pds/internal/blockstore"
	"github.com/subcults/pds/internal/upload"
)

// BlobStoreChecker implements health checking for a blob store by round
// tripping a small canary object through it.
type BlobStoreChecker struct {
	store upload.BlobStore
}

// NewBlobStoreChecker creates a new blob store health checker.
func NewBlobStoreChecker(store upload.BlobStore) *BlobStoreChecker {
	return &BlobStoreChecker{store: store}
}

// HealthCheck writes and reads back a small fixed payload to confirm the
// configured backend (S3-compatible or in-memory) is reachable.
func (b *BlobStoreChecker) HealthCheck(ctx context.Context) error {
	payload := []byte("pds-health-check")
	c := blockstore.CIDFor(payload)
	if err := b.store.Put(ctx, c, bytes.NewReader(payload)); err != nil {
		return err
	}
	r, err := b.store.Get(ctx, c)
	if err != nil {
		return err
	}
	return r.Close()
}
