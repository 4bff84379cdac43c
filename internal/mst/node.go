// Package mst implements the Merkle Search Tree: a deterministic,
// content-addressed, prefix-compressed ordered map whose shape depends
// only on its key/value set, never on insertion order.
package mst

import (
	"context"
	"crypto/sha256"
	"fmt"
	"math/bits"

	"github.com/fxamacker/cbor/v2"

	"github.com/subcults/pds/internal/blockstore"
	"github.com/subcults/pds/internal/cid"
	"github.com/subcults/pds/internal/dagcbor"
)

// Entry is one key/value pointer inside a node, plus the subtree (if any)
// covering keys strictly between this entry's key and the next.
type Entry struct {
	PrefixLen int
	KeySuffix string
	Value     cid.CID
	Tree      *cid.CID
}

// Node is an MST node: an optional left subtree (covering keys less than
// the first entry) and a strictly key-ordered list of entries. Empty nodes
// (Left == nil && len(Entries) == 0) are never persisted.
type Node struct {
	Left    *cid.CID
	Entries []Entry
}

// Layer computes a key's MST layer: floor(leadingZeroBits(sha256(k)) / 2).
func Layer(key string) int {
	sum := sha256.Sum256([]byte(key))
	return leadingZeroBits(sum[:]) / 2
}

func leadingZeroBits(b []byte) int {
	count := 0
	for _, by := range b {
		if by == 0 {
			count += 8
			continue
		}
		count += bits.LeadingZeros8(by)
		break
	}
	return count
}

// compareKeys orders two keys using the length-then-bytes rule shared with
// DAG-CBOR map keys: -1 if a<b, 0 if equal, 1 if a>b.
func compareKeys(a, b string) int {
	if a == b {
		return 0
	}
	if dagcbor.LessKey(a, b) {
		return -1
	}
	return 1
}

// sharedPrefixLen returns the length in bytes of the longest common prefix
// of a and b.
func sharedPrefixLen(a, b string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// fullKeys reconstructs every entry's full key in node, threading prevKey
// as the key to the left of the node's key range.
func fullKeys(node *Node, prevKey string) []string {
	keys := make([]string, len(node.Entries))
	cur := prevKey
	for i, e := range node.Entries {
		full := cur[:e.PrefixLen] + e.KeySuffix
		keys[i] = full
		cur = full
	}
	return keys
}

func nodeLayerFromKeys(keys []string) int {
	if len(keys) == 0 {
		return -1
	}
	return Layer(keys[0])
}

func shallowCopyEntries(entries []Entry) []Entry {
	cp := make([]Entry, len(entries))
	copy(cp, entries)
	return cp
}

func shallowCopyNode(n *Node) *Node {
	return &Node{Left: n.Left, Entries: shallowCopyEntries(n.Entries)}
}

// Store wraps a block store with MST node (de)serialization and records
// every node CID it writes during an operation, so callers (the repo
// write pipeline) can export only the blocks an operation actually
// touched rather than the whole reachable set.
type Store struct {
	bs      blockstore.Store
	touched []cid.CID
}

// NewStore wraps bs for MST node access.
func NewStore(bs blockstore.Store) *Store {
	return &Store{bs: bs}
}

// Touched returns the CIDs of every node this Store has written since the
// last ResetTouched call.
func (s *Store) Touched() []cid.CID {
	return s.touched
}

// ResetTouched clears the touched-node list, typically at the start of a
// write operation whose delta is about to be tracked.
func (s *Store) ResetTouched() {
	s.touched = nil
}

// Load fetches and deserializes the node at c.
func (s *Store) Load(ctx context.Context, c cid.CID) (*Node, error) {
	b, err := s.bs.Get(ctx, c)
	if err != nil {
		return nil, err
	}
	return Deserialize(b)
}

// Save serializes n, writes it to the block store, and records its CID as
// touched.
func (s *Store) Save(ctx context.Context, n *Node) (cid.CID, error) {
	b, err := Serialize(n)
	if err != nil {
		return cid.CID{}, err
	}
	c, err := s.bs.Put(ctx, b)
	if err != nil {
		return cid.CID{}, err
	}
	s.touched = append(s.touched, c)
	return c, nil
}

// persistOrNil saves n unless it is empty, in which case it returns a nil
// CID pointer: empty nodes are never persisted.
func persistOrNil(ctx context.Context, s *Store, n *Node) (*cid.CID, error) {
	if n == nil || (n.Left == nil && len(n.Entries) == 0) {
		return nil, nil
	}
	c, err := s.Save(ctx, n)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Serialize encodes n as the canonical 2-element DAG-CBOR array
// [left, entries] described in the node format.
func Serialize(n *Node) ([]byte, error) {
	entries := make([]interface{}, len(n.Entries))
	for i, e := range n.Entries {
		var treeVal interface{}
		if e.Tree != nil {
			treeVal = *e.Tree
		}
		entries[i] = []interface{}{
			int64(e.PrefixLen),
			e.KeySuffix,
			e.Value,
			treeVal,
		}
	}
	var leftVal interface{}
	if n.Left != nil {
		leftVal = *n.Left
	}
	return dagcbor.Marshal([]interface{}{leftVal, entries})
}

// cborLink decodes either a tag-42 CID link or a CBOR null into a
// presence flag plus value, for use as a struct field during node
// deserialization.
type cborLink struct {
	isNull bool
	cid    cid.CID
}

func (l *cborLink) UnmarshalCBOR(data []byte) error {
	c, ok, err := dagcbor.UnmarshalLink(data)
	if err != nil {
		return err
	}
	if !ok {
		l.isNull = true
		return nil
	}
	l.cid = c
	return nil
}

type cborEntry struct {
	_         struct{} `cbor:",toarray"`
	PrefixLen uint64
	KeySuffix string
	Value     cborLink
	Tree      cborLink
}

type cborNode struct {
	_       struct{} `cbor:",toarray"`
	Left    cborLink
	Entries []cborEntry
}

var _ cbor.Unmarshaler = (*cborLink)(nil)

// Deserialize decodes a node previously produced by Serialize.
func Deserialize(b []byte) (*Node, error) {
	var raw cborNode
	if err := dagcbor.UnmarshalGeneric(b, &raw); err != nil {
		return nil, fmt.Errorf("mst: deserialize: %w", err)
	}
	n := &Node{}
	if !raw.Left.isNull {
		c := raw.Left.cid
		n.Left = &c
	}
	n.Entries = make([]Entry, len(raw.Entries))
	for i, e := range raw.Entries {
		entry := Entry{
			PrefixLen: int(e.PrefixLen),
			KeySuffix: e.KeySuffix,
			Value:     e.Value.cid,
		}
		if !e.Tree.isNull {
			c := e.Tree.cid
			entry.Tree = &c
		}
		n.Entries[i] = entry
	}
	return n, nil
}
