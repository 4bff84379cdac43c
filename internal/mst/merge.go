package mst

import (
	"context"

	"github.com/subcults/pds/internal/cid"
)

// merge joins two adjacent subtrees whose key ranges do not overlap (every
// key in the left tree is less than every key in the right tree).
// prevKey is the key to the left of the entire merged range.
func merge(ctx context.Context, store *Store, leftCid, rightCid *cid.CID, prevKey string) (*cid.CID, error) {
	if leftCid == nil {
		return rightCid, nil
	}
	if rightCid == nil {
		return leftCid, nil
	}

	leftNode, err := store.Load(ctx, *leftCid)
	if err != nil {
		return nil, err
	}
	leftKeys := fullKeys(leftNode, prevKey)
	leftLayer := nodeLayerFromKeys(leftKeys)

	boundaryKey := prevKey
	if len(leftKeys) > 0 {
		boundaryKey = leftKeys[len(leftKeys)-1]
	}

	rightNode, err := store.Load(ctx, *rightCid)
	if err != nil {
		return nil, err
	}
	rightKeys := fullKeys(rightNode, boundaryKey)
	rightLayer := nodeLayerFromKeys(rightKeys)

	switch {
	case leftLayer > rightLayer:
		lastIdx := len(leftNode.Entries) - 1
		mergedCid, err := merge(ctx, store, leftNode.Entries[lastIdx].Tree, rightCid, leftKeys[lastIdx])
		if err != nil {
			return nil, err
		}
		newEntries := shallowCopyEntries(leftNode.Entries)
		newEntries[lastIdx].Tree = mergedCid
		return persistOrNil(ctx, store, &Node{Left: leftNode.Left, Entries: newEntries})

	case rightLayer > leftLayer:
		mergedLeft, err := merge(ctx, store, leftCid, rightNode.Left, prevKey)
		if err != nil {
			return nil, err
		}
		newEntries := shallowCopyEntries(rightNode.Entries)
		return persistOrNil(ctx, store, &Node{Left: mergedLeft, Entries: newEntries})

	default:
		lastIdx := len(leftNode.Entries) - 1
		mergedBoundary, err := merge(ctx, store, leftNode.Entries[lastIdx].Tree, rightNode.Left, leftKeys[lastIdx])
		if err != nil {
			return nil, err
		}
		newLeftEntries := shallowCopyEntries(leftNode.Entries)
		newLeftEntries[lastIdx].Tree = mergedBoundary
		allEntries := append(newLeftEntries, shallowCopyEntries(rightNode.Entries)...)
		return persistOrNil(ctx, store, &Node{Left: leftNode.Left, Entries: allEntries})
	}
}
