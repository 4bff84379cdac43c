package mst

import (
	"context"

	"github.com/subcults/pds/internal/cid"
)

// Get looks up key in the tree rooted at root (nil for an empty tree),
// returning the stored value CID, or nil if key is absent.
func Get(ctx context.Context, store *Store, root *cid.CID, key string) (*cid.CID, error) {
	return getRec(ctx, store, root, key, "")
}

func getRec(ctx context.Context, store *Store, root *cid.CID, key, prevKey string) (*cid.CID, error) {
	if root == nil {
		return nil, nil
	}
	node, err := store.Load(ctx, *root)
	if err != nil {
		return nil, err
	}
	keys := fullKeys(node, prevKey)

	for i, k := range keys {
		switch compareKeys(key, k) {
		case 0:
			v := node.Entries[i].Value
			return &v, nil
		case -1:
			var childPtr *cid.CID
			boundaryPrevKey := prevKey
			if i == 0 {
				childPtr = node.Left
			} else {
				childPtr = node.Entries[i-1].Tree
				boundaryPrevKey = keys[i-1]
			}
			return getRec(ctx, store, childPtr, key, boundaryPrevKey)
		}
	}

	last := len(node.Entries) - 1
	if last < 0 {
		return nil, nil
	}
	return getRec(ctx, store, node.Entries[last].Tree, key, keys[last])
}
