// Package keystore persists per-DID repository signing keys. A key is
// generated once per DID on first use and must be reloaded (never
// regenerated) for every subsequent commit — losing the stored key
// invalidates verifiability of that DID's entire commit chain.
package keystore

import (
	"context"

	"github.com/subcults/pds/internal/cryptoutil"
)

// KeyStore retrieves and provisions per-DID signing keys.
type KeyStore interface {
	// Get returns the stored key pair for did, or ok=false if none exists.
	Get(ctx context.Context, did string) (kp *cryptoutil.KeyPair, ok bool, err error)

	// GenerateAndStore creates a new key pair on curve, persists it for
	// did, and returns it. Callers must only invoke this for a DID that
	// Get has already reported absent — it does not check first, to keep
	// the create-if-absent decision (and its locking) with the caller.
	GenerateAndStore(ctx context.Context, did string, curve cryptoutil.Curve) (*cryptoutil.KeyPair, error)
}
