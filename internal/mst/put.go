package mst

import (
	"context"

	"github.com/subcults/pds/internal/cid"
)

// Put sets key to value in the tree rooted at root (nil for an empty
// tree) and returns the new root CID. The tree's final shape — and hence
// its root CID — depends only on the resulting {key: value} set, never on
// the order keys were inserted in (property P5).
func Put(ctx context.Context, store *Store, root *cid.CID, key string, value cid.CID) (cid.CID, error) {
	return putRec(ctx, store, root, key, value, "")
}

func putRec(ctx context.Context, store *Store, root *cid.CID, key string, value cid.CID, prevKey string) (cid.CID, error) {
	if root == nil {
		sharedLen := sharedPrefixLen(prevKey, key)
		n := &Node{Entries: []Entry{{
			PrefixLen: sharedLen,
			KeySuffix: key[sharedLen:],
			Value:     value,
		}}}
		return store.Save(ctx, n)
	}

	node, err := store.Load(ctx, *root)
	if err != nil {
		return cid.CID{}, err
	}
	keys := fullKeys(node, prevKey)
	nLayer := nodeLayerFromKeys(keys)
	kLayer := Layer(key)

	switch {
	case kLayer > nLayer:
		leftCid, rightCid, err := split(ctx, store, root, key, prevKey)
		if err != nil {
			return cid.CID{}, err
		}
		sharedLen := sharedPrefixLen(prevKey, key)
		newNode := &Node{Left: leftCid, Entries: []Entry{{
			PrefixLen: sharedLen,
			KeySuffix: key[sharedLen:],
			Value:     value,
			Tree:      rightCid,
		}}}
		return store.Save(ctx, newNode)

	case kLayer < nLayer:
		idx := len(keys)
		for i, k := range keys {
			if compareKeys(key, k) < 0 {
				idx = i
				break
			}
		}
		var childPtr *cid.CID
		boundaryPrevKey := prevKey
		if idx == 0 {
			childPtr = node.Left
		} else {
			childPtr = node.Entries[idx-1].Tree
			boundaryPrevKey = keys[idx-1]
		}
		newChildCid, err := putRec(ctx, store, childPtr, key, value, boundaryPrevKey)
		if err != nil {
			return cid.CID{}, err
		}
		newNode := shallowCopyNode(node)
		if idx == 0 {
			newNode.Left = &newChildCid
		} else {
			newNode.Entries[idx-1].Tree = &newChildCid
		}
		return store.Save(ctx, newNode)

	default:
		for i, k := range keys {
			if k == key {
				newNode := shallowCopyNode(node)
				newNode.Entries[i].Value = value
				return store.Save(ctx, newNode)
			}
		}

		idx := len(keys)
		for i, k := range keys {
			if compareKeys(key, k) < 0 {
				idx = i
				break
			}
		}

		var straddle *cid.CID
		straddlePrevKey := prevKey
		if idx > 0 {
			straddle = node.Entries[idx-1].Tree
			straddlePrevKey = keys[idx-1]
		} else {
			straddle = node.Left
		}
		leftCid, rightCid, err := split(ctx, store, straddle, key, straddlePrevKey)
		if err != nil {
			return cid.CID{}, err
		}

		predKey := prevKey
		if idx > 0 {
			predKey = keys[idx-1]
		}
		sharedLen := sharedPrefixLen(predKey, key)
		newEntry := Entry{PrefixLen: sharedLen, KeySuffix: key[sharedLen:], Value: value, Tree: rightCid}

		newEntries := make([]Entry, 0, len(node.Entries)+1)
		newEntries = append(newEntries, node.Entries[:idx]...)
		newEntries = append(newEntries, newEntry)
		newEntries = append(newEntries, node.Entries[idx:]...)

		var newLeft *cid.CID
		if idx == 0 {
			newLeft = leftCid
		} else {
			newLeft = node.Left
			newEntries[idx-1].Tree = leftCid
		}

		if idx < len(keys) {
			nextFull := keys[idx]
			sharedLen2 := sharedPrefixLen(key, nextFull)
			newEntries[idx+1].PrefixLen = sharedLen2
			newEntries[idx+1].KeySuffix = nextFull[sharedLen2:]
		}

		newNode := &Node{Left: newLeft, Entries: newEntries}
		return store.Save(ctx, newNode)
	}
}
