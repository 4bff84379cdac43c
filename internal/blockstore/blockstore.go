// Package blockstore implements content-addressed storage of opaque byte
// blocks keyed by CID, the single persistence capability the MST and
// repository engine depend on.
package blockstore

import (
	"context"
	"crypto/sha256"
	"errors"

	"github.com/subcults/pds/internal/cid"
)

// ErrNotFound is returned by Get for a CID the store has never seen.
var ErrNotFound = errors.New("blockstore: block not found")

// Block pairs a CID with the bytes it addresses.
type Block struct {
	CID   cid.CID
	Bytes []byte
}

// Store is the capability the MST and repository engine consume. put is
// idempotent: storing identical bytes twice yields the same CID and must
// not error, and implementations must tolerate concurrent calls to Put
// with the same bytes.
type Store interface {
	// Put computes CID.fromDigest(sha256(b)), stores the mapping, and
	// returns the CID.
	Put(ctx context.Context, b []byte) (cid.CID, error)

	// Get returns the stored bytes for c, or ErrNotFound.
	Get(ctx context.Context, c cid.CID) ([]byte, error)

	// Has reports whether c is present without fetching its bytes.
	Has(ctx context.Context, c cid.CID) (bool, error)

	// ListAll returns every stored block. Ordering is unspecified; used
	// for full-repository archive export.
	ListAll(ctx context.Context) ([]Block, error)
}

// CIDFor computes the CID that Put would assign to b, without storing it.
func CIDFor(b []byte) cid.CID {
	return cid.FromDigest(sha256.Sum256(b))
}
