package mst

import (
	"context"

	"github.com/subcults/pds/internal/cid"
)

// split partitions all keys of the tree rooted at root (and its subtrees)
// into those strictly less than key and those strictly greater, returning
// the CIDs of the resulting left and right trees (nil for an empty half).
// key is assumed absent from the tree, which always holds for the callers
// in this package: put only splits the subtree straddling an insertion
// point for a key not yet present, and a key's own layer can never match a
// node it is being split away from (see put.go).
func split(ctx context.Context, store *Store, root *cid.CID, key, prevKey string) (left, right *cid.CID, err error) {
	if root == nil {
		return nil, nil, nil
	}
	node, err := store.Load(ctx, *root)
	if err != nil {
		return nil, nil, err
	}
	keys := fullKeys(node, prevKey)

	idx := len(keys)
	for i, k := range keys {
		if compareKeys(k, key) > 0 {
			idx = i
			break
		}
	}

	if idx == len(keys) {
		last := len(node.Entries) - 1
		var straddle *cid.CID
		straddlePrevKey := prevKey
		if last >= 0 {
			straddle = node.Entries[last].Tree
			straddlePrevKey = keys[last]
		}
		subLeft, subRight, err := split(ctx, store, straddle, key, straddlePrevKey)
		if err != nil {
			return nil, nil, err
		}
		newEntries := shallowCopyEntries(node.Entries)
		if last >= 0 {
			newEntries[last].Tree = subLeft
		}
		leftCid, err := persistOrNil(ctx, store, &Node{Left: node.Left, Entries: newEntries})
		if err != nil {
			return nil, nil, err
		}
		rightCid, err := persistOrNil(ctx, store, &Node{Left: subRight})
		if err != nil {
			return nil, nil, err
		}
		return leftCid, rightCid, nil
	}

	var straddle *cid.CID
	straddlePrevKey := prevKey
	if idx == 0 {
		straddle = node.Left
	} else {
		straddle = node.Entries[idx-1].Tree
		straddlePrevKey = keys[idx-1]
	}
	subLeft, subRight, err := split(ctx, store, straddle, key, straddlePrevKey)
	if err != nil {
		return nil, nil, err
	}

	leftEntries := shallowCopyEntries(node.Entries[:idx])
	var leftLeftPtr *cid.CID
	if idx == 0 {
		leftLeftPtr = subLeft
	} else {
		leftLeftPtr = node.Left
		leftEntries[idx-1].Tree = subLeft
	}
	leftCid, err := persistOrNil(ctx, store, &Node{Left: leftLeftPtr, Entries: leftEntries})
	if err != nil {
		return nil, nil, err
	}

	rightEntries := shallowCopyEntries(node.Entries[idx:])
	sharedLen := sharedPrefixLen(key, keys[idx])
	rightEntries[0].PrefixLen = sharedLen
	rightEntries[0].KeySuffix = keys[idx][sharedLen:]
	rightCid, err := persistOrNil(ctx, store, &Node{Left: subRight, Entries: rightEntries})
	if err != nil {
		return nil, nil, err
	}

	return leftCid, rightCid, nil
}
