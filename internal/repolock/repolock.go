// Package repolock serializes concurrent writes to the same repository.
// Every repository write pipeline call acquires the lock for its target
// DID before reading the current commit head and releases it only after
// the new head is durably recorded, so that two concurrent writers can
// never observe (let alone build on top of) the same prev chain head.
package repolock

import "context"

// Lock serializes writers per DID. Acquire blocks until the caller holds
// the lock (or ctx is done) and returns a release function the caller
// must call exactly once.
type Lock interface {
	Acquire(ctx context.Context, did string) (release func(), err error)
}
