package mst

import (
	"context"

	"github.com/subcults/pds/internal/cid"
)

// Delete removes key from the tree rooted at root, returning the new root
// CID (nil if the tree becomes empty). Deleting an absent key is a no-op:
// the returned root is unchanged.
func Delete(ctx context.Context, store *Store, root *cid.CID, key string) (*cid.CID, error) {
	return deleteRec(ctx, store, root, key, "")
}

func deleteRec(ctx context.Context, store *Store, root *cid.CID, key, prevKey string) (*cid.CID, error) {
	if root == nil {
		return nil, nil
	}
	node, err := store.Load(ctx, *root)
	if err != nil {
		return nil, err
	}
	keys := fullKeys(node, prevKey)
	nLayer := nodeLayerFromKeys(keys)
	kLayer := Layer(key)

	if kLayer > nLayer {
		// key, if present at all, would live strictly above this node;
		// since we only ever descend into the exact layer holding key,
		// reaching here at all means it is absent.
		return root, nil
	}

	if kLayer < nLayer {
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
		newChild, err := deleteRec(ctx, store, childPtr, key, boundaryPrevKey)
		if err != nil {
			return nil, err
		}
		newNode := shallowCopyNode(node)
		if idx == 0 {
			newNode.Left = newChild
		} else {
			newNode.Entries[idx-1].Tree = newChild
		}
		return persistOrNil(ctx, store, newNode)
	}

	foundIdx := -1
	for i, k := range keys {
		if k == key {
			foundIdx = i
			break
		}
	}
	if foundIdx == -1 {
		return root, nil
	}

	var leftNeighbor *cid.CID
	boundaryPrevKey := prevKey
	if foundIdx == 0 {
		leftNeighbor = node.Left
	} else {
		leftNeighbor = node.Entries[foundIdx-1].Tree
		boundaryPrevKey = keys[foundIdx-1]
	}
	rightNeighbor := node.Entries[foundIdx].Tree

	mergedCid, err := merge(ctx, store, leftNeighbor, rightNeighbor, boundaryPrevKey)
	if err != nil {
		return nil, err
	}

	newEntries := make([]Entry, 0, len(node.Entries)-1)
	newEntries = append(newEntries, node.Entries[:foundIdx]...)
	newEntries = append(newEntries, node.Entries[foundIdx+1:]...)

	var newLeft *cid.CID
	if foundIdx == 0 {
		newLeft = mergedCid
	} else {
		newLeft = node.Left
		newEntries[foundIdx-1].Tree = mergedCid
	}

	if foundIdx < len(newEntries) {
		nextFull := keys[foundIdx+1]
		sharedLen := sharedPrefixLen(boundaryPrevKey, nextFull)
		newEntries[foundIdx].PrefixLen = sharedLen
		newEntries[foundIdx].KeySuffix = nextFull[sharedLen:]
	}

	return persistOrNil(ctx, store, &Node{Left: newLeft, Entries: newEntries})
}
