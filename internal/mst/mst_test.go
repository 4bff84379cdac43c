package mst

import (
	"context"
	"math/rand"
	"testing"

	"github.com/subcults/pds/internal/blockstore"
	"github.com/subcults/pds/internal/cid"
)

func valueCID(s string) cid.CID {
	return blockstore.CIDFor([]byte(s))
}

func newStore() *Store {
	return NewStore(blockstore.NewMemoryStore())
}

// TestSerialize_RoundTrip covers property P4.
func TestSerialize_RoundTrip(t *testing.T) {
	tree := valueCID("subtree")
	n := &Node{
		Left: &tree,
		Entries: []Entry{
			{PrefixLen: 0, KeySuffix: "apple", Value: valueCID("v1"), Tree: nil},
			{PrefixLen: 2, KeySuffix: "ricot", Value: valueCID("v2"), Tree: &tree},
		},
	}
	b, err := Serialize(n)
	if err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}
	got, err := Deserialize(b)
	if err != nil {
		t.Fatalf("Deserialize() error = %v", err)
	}
	if got.Left == nil || *got.Left != *n.Left {
		t.Errorf("Left = %v, want %v", got.Left, n.Left)
	}
	if len(got.Entries) != len(n.Entries) {
		t.Fatalf("len(Entries) = %d, want %d", len(got.Entries), len(n.Entries))
	}
	for i := range n.Entries {
		if got.Entries[i].PrefixLen != n.Entries[i].PrefixLen {
			t.Errorf("Entries[%d].PrefixLen = %d, want %d", i, got.Entries[i].PrefixLen, n.Entries[i].PrefixLen)
		}
		if got.Entries[i].KeySuffix != n.Entries[i].KeySuffix {
			t.Errorf("Entries[%d].KeySuffix = %q, want %q", i, got.Entries[i].KeySuffix, n.Entries[i].KeySuffix)
		}
		if got.Entries[i].Value != n.Entries[i].Value {
			t.Errorf("Entries[%d].Value = %v, want %v", i, got.Entries[i].Value, n.Entries[i].Value)
		}
	}
	if got.Entries[0].Tree != nil {
		t.Errorf("Entries[0].Tree = %v, want nil", got.Entries[0].Tree)
	}
	if got.Entries[1].Tree == nil || *got.Entries[1].Tree != tree {
		t.Errorf("Entries[1].Tree = %v, want %v", got.Entries[1].Tree, tree)
	}
}

// TestPutGet_ScenarioA covers scenario A: a single insert into an empty
// tree.
func TestPutGet_ScenarioA(t *testing.T) {
	store := newStore()
	ctx := context.Background()
	v1 := valueCID("V1")

	root, err := Put(ctx, store, nil, "apple", v1)
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	node, err := store.Load(ctx, root)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if node.Left != nil {
		t.Errorf("root.Left = %v, want nil", node.Left)
	}
	if len(node.Entries) != 1 {
		t.Fatalf("len(root.Entries) = %d, want 1", len(node.Entries))
	}
	e := node.Entries[0]
	if e.PrefixLen != 0 || e.KeySuffix != "apple" || e.Value != v1 || e.Tree != nil {
		t.Errorf("entry = %+v, want prefixLen=0 keySuffix=apple value=%v tree=nil", e, v1)
	}

	got, err := Get(ctx, store, &root, "apple")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got == nil || *got != v1 {
		t.Errorf("Get(apple) = %v, want %v", got, v1)
	}

	got, err = Get(ctx, store, &root, "banana")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != nil {
		t.Errorf("Get(banana) = %v, want nil", got)
	}
}

// TestPutGet_ScenarioB covers scenario B: prefix compression between two
// keys sharing a prefix, independent of insertion order.
func TestPutGet_ScenarioB(t *testing.T) {
	ctx := context.Background()
	v1 := valueCID("V1")
	v2 := valueCID("V2")

	buildInOrder := func(order []string) cid.CID {
		store := newStore()
		var root *cid.CID
		for _, k := range order {
			v := v1
			if k == "apricot" {
				v = v2
			}
			newRoot, err := Put(ctx, store, root, k, v)
			if err != nil {
				t.Fatalf("Put() error = %v", err)
			}
			root = &newRoot
		}
		return *root
	}

	rootAB := buildInOrder([]string{"apple", "apricot"})
	rootBA := buildInOrder([]string{"apricot", "apple"})

	if rootAB != rootBA {
		t.Fatalf("root CID depends on insertion order: %v != %v", rootAB, rootBA)
	}

	store := newStore()
	var root *cid.CID
	for _, k := range []string{"apple", "apricot"} {
		v := v1
		if k == "apricot" {
			v = v2
		}
		newRoot, err := Put(ctx, store, root, k, v)
		if err != nil {
			t.Fatalf("Put() error = %v", err)
		}
		root = &newRoot
	}
	node, err := store.Load(ctx, *root)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(node.Entries) != 2 {
		t.Fatalf("len(root.Entries) = %d, want 2", len(node.Entries))
	}
	if node.Entries[0].KeySuffix != "apple" || node.Entries[0].PrefixLen != 0 {
		t.Errorf("entries[0] = %+v, want prefixLen=0 keySuffix=apple", node.Entries[0])
	}
	if node.Entries[1].KeySuffix != "ricot" || node.Entries[1].PrefixLen != 2 {
		t.Errorf("entries[1] = %+v, want prefixLen=2 keySuffix=ricot", node.Entries[1])
	}
}

// TestDeterminism covers property P5: root CID is independent of the
// order keys were inserted in.
func TestDeterminism(t *testing.T) {
	ctx := context.Background()
	keys := []string{
		"app.bsky.feed.post/a", "app.bsky.feed.post/b", "app.bsky.feed.post/c",
		"app.bsky.feed.like/x", "app.bsky.feed.like/y", "app.bsky.graph.follow/z",
		"app.bsky.actor.profile/self",
	}

	build := func(order []int) cid.CID {
		store := newStore()
		var root *cid.CID
		for _, i := range order {
			k := keys[i]
			v := valueCID(k)
			newRoot, err := Put(ctx, store, root, k, v)
			if err != nil {
				t.Fatalf("Put() error = %v", err)
			}
			root = &newRoot
		}
		return *root
	}

	base := []int{0, 1, 2, 3, 4, 5, 6}
	rootBase := build(base)

	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 5; trial++ {
		perm := rng.Perm(len(keys))
		root := build(perm)
		if root != rootBase {
			t.Fatalf("trial %d: root CID differs by insertion order: %v != %v", trial, root, rootBase)
		}
	}
}

// TestPutGet covers property P6: after put(k, v), get(k) = v, and other
// keys are unaffected.
func TestPutGet(t *testing.T) {
	ctx := context.Background()
	store := newStore()
	var root *cid.CID

	entries := map[string]cid.CID{
		"a/1": valueCID("a1"),
		"a/2": valueCID("a2"),
		"b/1": valueCID("b1"),
	}
	for k, v := range entries {
		newRoot, err := Put(ctx, store, root, k, v)
		if err != nil {
			t.Fatalf("Put(%q) error = %v", k, err)
		}
		root = &newRoot
	}

	for k, want := range entries {
		got, err := Get(ctx, store, root, k)
		if err != nil {
			t.Fatalf("Get(%q) error = %v", k, err)
		}
		if got == nil || *got != want {
			t.Errorf("Get(%q) = %v, want %v", k, got, want)
		}
	}

	overwritten, err := Put(ctx, store, root, "a/1", valueCID("a1-v2"))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	got, err := Get(ctx, store, &overwritten, "a/1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got == nil || *got != valueCID("a1-v2") {
		t.Errorf("Get(a/1) after overwrite = %v, want %v", got, valueCID("a1-v2"))
	}
	got, err = Get(ctx, store, &overwritten, "a/2")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got == nil || *got != entries["a/2"] {
		t.Errorf("Get(a/2) after unrelated overwrite = %v, want %v", got, entries["a/2"])
	}
}

// TestDeleteGet covers property P7: after delete(k), get(k) = nil and
// every other previously-inserted key is unchanged.
func TestDeleteGet(t *testing.T) {
	ctx := context.Background()
	store := newStore()
	var root *cid.CID

	keys := []string{"x/1", "x/2", "x/3", "y/1", "z/1"}
	values := map[string]cid.CID{}
	for _, k := range keys {
		v := valueCID(k)
		values[k] = v
		newRoot, err := Put(ctx, store, root, k, v)
		if err != nil {
			t.Fatalf("Put(%q) error = %v", k, err)
		}
		root = &newRoot
	}

	newRoot, err := Delete(ctx, store, root, "x/2")
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	root = newRoot

	got, err := Get(ctx, store, root, "x/2")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != nil {
		t.Errorf("Get(x/2) after delete = %v, want nil", got)
	}

	for _, k := range []string{"x/1", "x/3", "y/1", "z/1"} {
		got, err := Get(ctx, store, root, k)
		if err != nil {
			t.Fatalf("Get(%q) error = %v", k, err)
		}
		if got == nil || *got != values[k] {
			t.Errorf("Get(%q) after unrelated delete = %v, want %v", k, got, values[k])
		}
	}
}

// TestCreateDeleteRecreate covers scenario F: create, delete, then
// re-create the same (k, v) restores the original root CID.
func TestCreateDeleteRecreate(t *testing.T) {
	ctx := context.Background()
	store := newStore()

	keys := []string{"a/1", "a/2", "b/1"}
	var root *cid.CID
	for _, k := range keys {
		newRoot, err := Put(ctx, store, root, k, valueCID(k))
		if err != nil {
			t.Fatalf("Put(%q) error = %v", k, err)
		}
		root = &newRoot
	}
	originalRoot := *root

	afterDelete, err := Delete(ctx, store, root, "a/2")
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	afterRecreate, err := Put(ctx, store, afterDelete, "a/2", valueCID("a/2"))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	if afterRecreate != originalRoot {
		t.Fatalf("root after create-delete-recreate = %v, want %v", afterRecreate, originalRoot)
	}
}

// TestDeleteAll_EmptiesTree covers the invariant that deleting every key
// leaves the tree with a nil root.
func TestDeleteAll_EmptiesTree(t *testing.T) {
	ctx := context.Background()
	store := newStore()

	keys := []string{"a/1", "a/2", "a/3"}
	var root *cid.CID
	for _, k := range keys {
		newRoot, err := Put(ctx, store, root, k, valueCID(k))
		if err != nil {
			t.Fatalf("Put(%q) error = %v", k, err)
		}
		root = &newRoot
	}

	for _, k := range keys {
		newRoot, err := Delete(ctx, store, root, k)
		if err != nil {
			t.Fatalf("Delete(%q) error = %v", k, err)
		}
		root = newRoot
	}

	if root != nil {
		t.Errorf("root after deleting every key = %v, want nil", root)
	}
}

func TestLayer_Deterministic(t *testing.T) {
	a := Layer("app.bsky.feed.post/abc")
	b := Layer("app.bsky.feed.post/abc")
	if a != b {
		t.Errorf("Layer() not deterministic: %d != %d", a, b)
	}
	if a < 0 {
		t.Errorf("Layer() = %d, want >= 0", a)
	}
}
