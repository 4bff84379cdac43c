// Package repo implements the repository engine: TID revision ids,
// commit signing, and the record write/read pipeline that ties the MST,
// block store, key store, per-DID lock, and firehose together exactly as
// spec.md §4.6 describes.
package repo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/subcults/pds/internal/blockstore"
	"github.com/subcults/pds/internal/cid"
	"github.com/subcults/pds/internal/cryptoutil"
	"github.com/subcults/pds/internal/dagcbor"
	"github.com/subcults/pds/internal/firehose"
	"github.com/subcults/pds/internal/identity"
	"github.com/subcults/pds/internal/keystore"
	"github.com/subcults/pds/internal/mst"
	"github.com/subcults/pds/internal/repolock"
)

// ErrRecordNotFound is returned by GetRecord for a (collection, rkey)
// absent from the repository's current MST.
var ErrRecordNotFound = errors.New("repo: record not found")

// CommitInfo is the (rev, cid) pair every successful write returns
// alongside its record URI/CID, per spec.md §6.
type CommitInfo struct {
	Rev string
	CID cid.CID
}

// WriteResult is the outcome of CreateRecord/PutRecord/DeleteRecord.
type WriteResult struct {
	URI    string
	CID    cid.CID
	Commit CommitInfo
}

// Engine drives one PDS's repositories: it is the sole caller of the MST
// and commit-signing primitives, serialized per DID by lock and made
// durable via store/states/keys, emitting a firehose event for every
// successful write.
type Engine struct {
	blocks   blockstore.Store
	mstStore *mst.Store
	states   StateStore
	keys     keystore.KeyStore
	lock     repolock.Lock
	hub      *firehose.Hub
	curve    cryptoutil.Curve
	logger   *slog.Logger
	nowFunc  func() time.Time
}

// NewEngine wires an Engine from its dependencies. curve selects the
// signing curve for newly provisioned DIDs; it has no effect on a DID
// whose key already exists.
func NewEngine(blocks blockstore.Store, states StateStore, keys keystore.KeyStore, lock repolock.Lock, hub *firehose.Hub, curve cryptoutil.Curve, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		blocks:   blocks,
		mstStore: mst.NewStore(blocks),
		states:   states,
		keys:     keys,
		lock:     lock,
		hub:      hub,
		curve:    curve,
		logger:   logger,
		nowFunc:  time.Now,
	}
}

// loadState returns the current state for did, or a zero-value state
// (nil head, nil root, empty rev) for a DID with no commits yet.
func (e *Engine) loadState(ctx context.Context, did string) (State, error) {
	st, ok, err := e.states.Get(ctx, did)
	if err != nil {
		return State{}, fmt.Errorf("repo: load state: %w", err)
	}
	if !ok {
		st = State{DID: did, CollectionsMetadata: map[string]int64{}}
	}
	if st.CollectionsMetadata == nil {
		st.CollectionsMetadata = map[string]int64{}
	}
	return st, nil
}

func (e *Engine) signingKey(ctx context.Context, did string) (*cryptoutil.KeyPair, error) {
	kp, ok, err := e.keys.Get(ctx, did)
	if err != nil {
		return nil, fmt.Errorf("repo: load signing key: %w", err)
	}
	if ok {
		return kp, nil
	}
	kp, err = e.keys.GenerateAndStore(ctx, did, e.curve)
	if err != nil {
		return nil, fmt.Errorf("repo: provision signing key: %w", err)
	}
	return kp, nil
}

// CreateRecord implements com.atproto.repo.createRecord. If rkey is
// empty, a new TID is generated for it.
func (e *Engine) CreateRecord(ctx context.Context, did, collection string, record map[string]interface{}, rkey string) (WriteResult, error) {
	if rkey == "" {
		tid, err := NewTID()
		if err != nil {
			return WriteResult{}, fmt.Errorf("repo: generate rkey: %w", err)
		}
		rkey = tid
	}
	return e.write(ctx, did, collection, rkey, record, writeUpsert)
}

// PutRecord implements com.atproto.repo.putRecord: create or overwrite a
// record at an explicit rkey.
func (e *Engine) PutRecord(ctx context.Context, did, collection, rkey string, record map[string]interface{}) (WriteResult, error) {
	return e.write(ctx, did, collection, rkey, record, writeUpsert)
}

// DeleteRecord removes a record, following the same commit/firehose
// shape as a write (spec.md §4.6: "deletion ... follows the same shape,
// substituting MST.delete").
func (e *Engine) DeleteRecord(ctx context.Context, did, collection, rkey string) (CommitInfo, error) {
	result, err := e.write(ctx, did, collection, rkey, nil, writeDelete)
	if err != nil {
		return CommitInfo{}, err
	}
	return result.Commit, nil
}

type writeKind int

const (
	writeUpsert writeKind = iota
	writeDelete
)

func (e *Engine) write(ctx context.Context, did, collection, rkey string, record map[string]interface{}, kind writeKind) (WriteResult, error) {
	if err := identity.DID(did); err != nil {
		return WriteResult{}, err
	}
	if err := identity.Collection(collection); err != nil {
		return WriteResult{}, err
	}
	if err := identity.Rkey(rkey); err != nil {
		return WriteResult{}, err
	}

	release, err := e.lock.Acquire(ctx, did)
	if err != nil {
		return WriteResult{}, fmt.Errorf("repo: acquire write lock: %w", err)
	}
	defer release()

	state, err := e.loadState(ctx, did)
	if err != nil {
		return WriteResult{}, err
	}

	var recordBlocks []blockstore.Block
	var recordCid cid.CID
	var newRootCid cid.CID

	mstKey := identity.MSTKey(collection, rkey)
	var currentRoot *cid.CID
	if !state.Root.IsZero() {
		r := state.Root
		currentRoot = &r
	}

	e.mstStore.ResetTouched()

	switch kind {
	case writeUpsert:
		recordBytes, err := dagcbor.Marshal(toInterfaceMap(record))
		if err != nil {
			return WriteResult{}, fmt.Errorf("repo: encode record: %w", err)
		}
		recordCid, err = e.blocks.Put(ctx, recordBytes)
		if err != nil {
			return WriteResult{}, fmt.Errorf("repo: put record: %w", err)
		}
		recordBlocks = []blockstore.Block{{CID: recordCid, Bytes: recordBytes}}

		existing, err := mst.Get(ctx, e.mstStore, currentRoot, mstKey)
		if err != nil {
			return WriteResult{}, fmt.Errorf("repo: mst get: %w", err)
		}
		newRootCid, err = mst.Put(ctx, e.mstStore, currentRoot, mstKey, recordCid)
		if err != nil {
			return WriteResult{}, fmt.Errorf("repo: mst put: %w", err)
		}
		if existing == nil {
			state.CollectionsMetadata[collection]++
		}

	case writeDelete:
		existing, err := mst.Get(ctx, e.mstStore, currentRoot, mstKey)
		if err != nil {
			return WriteResult{}, fmt.Errorf("repo: mst get: %w", err)
		}
		if existing == nil {
			return WriteResult{}, ErrRecordNotFound
		}
		newRoot, err := mst.Delete(ctx, e.mstStore, currentRoot, mstKey)
		if err != nil {
			return WriteResult{}, fmt.Errorf("repo: mst delete: %w", err)
		}
		if newRoot == nil {
			newRootCid = cid.CID{}
		} else {
			newRootCid = *newRoot
		}
		if state.CollectionsMetadata[collection] > 0 {
			state.CollectionsMetadata[collection]--
		}
	}

	kp, err := e.signingKey(ctx, did)
	if err != nil {
		return WriteResult{}, err
	}

	newRev, err := NewTID()
	if err != nil {
		return WriteResult{}, fmt.Errorf("repo: generate rev: %w", err)
	}

	unsigned := UnsignedCommit{
		DID:     did,
		Version: CommitVersion,
		Data:    newRootCid,
		Rev:     newRev,
		Prev:    state.Head,
	}
	signed, commitCid, err := Sign(kp, unsigned)
	if err != nil {
		return WriteResult{}, err
	}
	commitBytes, err := signed.encode()
	if err != nil {
		return WriteResult{}, fmt.Errorf("repo: encode signed commit: %w", err)
	}
	if _, err := e.blocks.Put(ctx, commitBytes); err != nil {
		return WriteResult{}, fmt.Errorf("repo: put commit: %w", err)
	}

	newHead := commitCid
	state.Rev = newRev
	state.Root = newRootCid
	state.Head = &newHead
	if err := e.states.Save(ctx, state); err != nil {
		return WriteResult{}, fmt.Errorf("repo: save state: %w", err)
	}

	touchedNodes, err := e.fetchTouchedBlocks(ctx)
	if err != nil {
		return WriteResult{}, err
	}
	carBytes, err := exportTouched(commitCid, commitBytes, touchedNodes, recordBlocks)
	if err != nil {
		return WriteResult{}, fmt.Errorf("repo: export touched blocks: %w", err)
	}

	if e.hub != nil {
		if _, err := e.hub.Publish(ctx, did, newRev, commitCid, carBytes, e.nowFunc()); err != nil {
			e.logger.Warn("repo: failed to publish firehose event", slog.String("error", err.Error()), slog.String("did", did))
		}
	}

	uri, err := identity.URI(did, collection, rkey)
	if err != nil {
		return WriteResult{}, err
	}
	return WriteResult{
		URI: uri,
		CID: recordCid,
		Commit: CommitInfo{
			Rev: newRev,
			CID: commitCid,
		},
	}, nil
}

func (e *Engine) fetchTouchedBlocks(ctx context.Context) ([]blockstore.Block, error) {
	touched := e.mstStore.Touched()
	blocks := make([]blockstore.Block, 0, len(touched))
	for _, c := range touched {
		b, err := e.blocks.Get(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("repo: load touched block %s: %w", c, err)
		}
		blocks = append(blocks, blockstore.Block{CID: c, Bytes: b})
	}
	return blocks, nil
}

// GetRecord implements com.atproto.repo.getRecord.
func (e *Engine) GetRecord(ctx context.Context, did, collection, rkey string) (uri string, recordCid cid.CID, value map[string]interface{}, err error) {
	if err := identity.DID(did); err != nil {
		return "", cid.CID{}, nil, err
	}
	if err := identity.Collection(collection); err != nil {
		return "", cid.CID{}, nil, err
	}
	if err := identity.Rkey(rkey); err != nil {
		return "", cid.CID{}, nil, err
	}

	state, ok, err := e.states.Get(ctx, did)
	if err != nil {
		return "", cid.CID{}, nil, fmt.Errorf("repo: get state: %w", err)
	}
	if !ok || state.Root.IsZero() {
		return "", cid.CID{}, nil, ErrRecordNotFound
	}

	root := state.Root
	valueCid, err := mst.Get(ctx, e.mstStore, &root, identity.MSTKey(collection, rkey))
	if err != nil {
		return "", cid.CID{}, nil, fmt.Errorf("repo: mst get: %w", err)
	}
	if valueCid == nil {
		return "", cid.CID{}, nil, ErrRecordNotFound
	}

	recordBytes, err := e.blocks.Get(ctx, *valueCid)
	if err != nil {
		return "", cid.CID{}, nil, fmt.Errorf("repo: load record: %w", err)
	}
	var decoded map[string]interface{}
	if err := dagcbor.UnmarshalGeneric(recordBytes, &decoded); err != nil {
		return "", cid.CID{}, nil, fmt.Errorf("repo: decode record: %w", err)
	}

	uri, err = identity.URI(did, collection, rkey)
	if err != nil {
		return "", cid.CID{}, nil, err
	}
	return uri, *valueCid, decoded, nil
}

// SyncGetRepo implements com.atproto.sync.getRepo: a CARv1 archive of
// every block reachable from the repository's current head.
func (e *Engine) SyncGetRepo(ctx context.Context, did string) ([]byte, error) {
	state, ok, err := e.states.Get(ctx, did)
	if err != nil {
		return nil, fmt.Errorf("repo: get state: %w", err)
	}
	if !ok || state.Head == nil {
		return nil, ErrRecordNotFound
	}
	return ExportRepo(ctx, e.blocks, e.mstStore, *state.Head)
}

// SyncGetBlocks implements com.atproto.sync.getBlocks: a CARv1 archive
// of exactly the requested CIDs.
func (e *Engine) SyncGetBlocks(ctx context.Context, cids []cid.CID) ([]byte, error) {
	return ExportBlocks(ctx, e.blocks, cids)
}

func toInterfaceMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}
