package repo

import (
	"context"
	"fmt"

	"github.com/subcults/pds/internal/blockstore"
	"github.com/subcults/pds/internal/car"
	"github.com/subcults/pds/internal/cid"
	"github.com/subcults/pds/internal/mst"
)

// collectReachable walks the commit at head — its MST tree and every
// record it points at — and returns every block reached, commit first,
// then MST nodes, then records, matching the producer-chosen order the
// CARv1 format permits and the convention spec.md §4.7 recommends.
func collectReachable(ctx context.Context, bs blockstore.Store, mstStore *mst.Store, head cid.CID) ([]blockstore.Block, error) {
	commitBytes, err := bs.Get(ctx, head)
	if err != nil {
		return nil, fmt.Errorf("repo: export: load commit: %w", err)
	}
	commit, err := DecodeSignedCommit(commitBytes)
	if err != nil {
		return nil, fmt.Errorf("repo: export: decode commit: %w", err)
	}

	blocks := []blockstore.Block{{CID: head, Bytes: commitBytes}}

	seen := map[cid.CID]bool{head: true}
	nodeBlocks, recordCids, err := walkMST(ctx, mstStore, commit.Data, seen)
	if err != nil {
		return nil, fmt.Errorf("repo: export: walk mst: %w", err)
	}
	blocks = append(blocks, nodeBlocks...)

	for _, rc := range recordCids {
		if seen[rc] {
			continue
		}
		seen[rc] = true
		b, err := bs.Get(ctx, rc)
		if err != nil {
			return nil, fmt.Errorf("repo: export: load record %s: %w", rc, err)
		}
		blocks = append(blocks, blockstore.Block{CID: rc, Bytes: b})
	}

	return blocks, nil
}

// walkMST recursively visits every node reachable from root, returning
// the serialized node blocks (in pre-order) plus every record CID the
// tree's entries point at. seen deduplicates nodes visited through more
// than one path (never happens in a well-formed MST, but traversal must
// not loop if it did).
func walkMST(ctx context.Context, mstStore *mst.Store, root cid.CID, seen map[cid.CID]bool) ([]blockstore.Block, []cid.CID, error) {
	if seen[root] {
		return nil, nil, nil
	}
	seen[root] = true

	node, err := mstStore.Load(ctx, root)
	if err != nil {
		return nil, nil, err
	}
	nodeBytes, err := mst.Serialize(node)
	if err != nil {
		return nil, nil, err
	}
	blocks := []blockstore.Block{{CID: root, Bytes: nodeBytes}}
	var records []cid.CID

	if node.Left != nil {
		subBlocks, subRecords, err := walkMST(ctx, mstStore, *node.Left, seen)
		if err != nil {
			return nil, nil, err
		}
		blocks = append(blocks, subBlocks...)
		records = append(records, subRecords...)
	}
	for _, e := range node.Entries {
		records = append(records, e.Value)
		if e.Tree != nil {
			subBlocks, subRecords, err := walkMST(ctx, mstStore, *e.Tree, seen)
			if err != nil {
				return nil, nil, err
			}
			blocks = append(blocks, subBlocks...)
			records = append(records, subRecords...)
		}
	}

	return blocks, records, nil
}

// ExportRepo builds a CARv1 archive containing every block reachable
// from head: the com.atproto.sync.getRepo operation.
func ExportRepo(ctx context.Context, bs blockstore.Store, mstStore *mst.Store, head cid.CID) ([]byte, error) {
	blocks, err := collectReachable(ctx, bs, mstStore, head)
	if err != nil {
		return nil, err
	}
	return car.Write([]cid.CID{head}, blocks)
}

// ExportBlocks builds a CARv1 archive containing exactly the requested
// blocks (no reachability traversal): the com.atproto.sync.getBlocks
// operation. Missing CIDs are skipped rather than erroring, matching the
// spec's NotFound-is-absence propagation policy.
func ExportBlocks(ctx context.Context, bs blockstore.Store, cids []cid.CID) ([]byte, error) {
	blocks := make([]blockstore.Block, 0, len(cids))
	for _, c := range cids {
		b, err := bs.Get(ctx, c)
		if err == blockstore.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("repo: export blocks: %w", err)
		}
		blocks = append(blocks, blockstore.Block{CID: c, Bytes: b})
	}
	return car.Write(nil, blocks)
}

// exportTouched builds a CARv1 archive of exactly the blocks one write
// operation newly required to validate: the new commit, every MST node
// mst.Store recorded as touched, and the write's record block(s).
func exportTouched(commitCid cid.CID, commitBytes []byte, touchedNodes []blockstore.Block, recordBlocks []blockstore.Block) ([]byte, error) {
	blocks := make([]blockstore.Block, 0, 1+len(touchedNodes)+len(recordBlocks))
	blocks = append(blocks, blockstore.Block{CID: commitCid, Bytes: commitBytes})
	blocks = append(blocks, touchedNodes...)
	blocks = append(blocks, recordBlocks...)
	return car.Write([]cid.CID{commitCid}, blocks)
}
