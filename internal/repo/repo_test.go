package repo

import (
	"context"
	"testing"

	"github.com/subcults/pds/internal/blockstore"
	"github.com/subcults/pds/internal/cid"
	"github.com/subcults/pds/internal/cryptoutil"
	"github.com/subcults/pds/internal/firehose"
	"github.com/subcults/pds/internal/identity"
	"github.com/subcults/pds/internal/keystore"
	"github.com/subcults/pds/internal/repolock"
)

func mkCID(s string) cid.CID {
	return blockstore.CIDFor([]byte(s))
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	blocks := blockstore.NewMemoryStore()
	states := NewMemoryStateStore()
	keys := keystore.NewMemoryStore()
	lock := repolock.NewMemoryLock()
	hub := firehose.NewHub(nil)
	return NewEngine(blocks, states, keys, lock, hub, cryptoutil.P256, nil)
}

// TestSign_ScenarioC signs a commit with a P-256 key, verifies it, then
// mutates the did field and confirms verification now fails.
func TestSign_ScenarioC(t *testing.T) {
	kp, err := cryptoutil.GenerateKey(cryptoutil.P256)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	unsigned := UnsignedCommit{
		DID:     "did:plc:abc123",
		Version: CommitVersion,
		Data:    mkCID("data-root"),
		Rev:     "3jzfcijpj2z2a",
	}
	signed, _, err := Sign(kp, unsigned)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	ok, err := Verify(cryptoutil.P256, kp.PublicKey, signed)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatal("expected signature to verify")
	}

	signed.DID = "did:plc:mutated"
	ok, err = Verify(cryptoutil.P256, kp.PublicKey, signed)
	if err != nil {
		t.Fatalf("verify after mutation: %v", err)
	}
	if ok {
		t.Fatal("expected signature to fail verification after did was mutated")
	}
}

func TestEngine_CreateGetDeleteRoundTrip(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	did := "did:plc:writer1"
	collection := "app.bsky.feed.post"
	record := map[string]interface{}{"text": "hello world"}

	created, err := e.CreateRecord(ctx, did, collection, record, "")
	if err != nil {
		t.Fatalf("create record: %v", err)
	}
	if created.URI == "" {
		t.Fatal("expected non-empty uri")
	}

	_, _, rkey, err := identity.ParseURI(created.URI)
	if err != nil {
		t.Fatalf("split uri: %v", err)
	}

	uri, valueCid, value, err := e.GetRecord(ctx, did, collection, rkey)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if uri != created.URI {
		t.Fatalf("uri mismatch: got %s want %s", uri, created.URI)
	}
	if valueCid != created.CID {
		t.Fatalf("cid mismatch: got %s want %s", valueCid, created.CID)
	}
	if value["text"] != "hello world" {
		t.Fatalf("unexpected record value: %#v", value)
	}

	if _, err := e.DeleteRecord(ctx, did, collection, rkey); err != nil {
		t.Fatalf("delete record: %v", err)
	}

	if _, _, _, err := e.GetRecord(ctx, did, collection, rkey); err != ErrRecordNotFound {
		t.Fatalf("expected ErrRecordNotFound after delete, got %v", err)
	}
}

func TestEngine_DeleteMissingRecord(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	if _, err := e.DeleteRecord(ctx, "did:plc:writer2", "app.bsky.feed.post", "3jzfcijpj2z2a"); err != ErrRecordNotFound {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestEngine_PutRecordExplicitRkey(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	did := "did:plc:writer3"
	collection := "app.bsky.actor.profile"

	first, err := e.PutRecord(ctx, did, collection, "self", map[string]interface{}{"displayName": "Ada"})
	if err != nil {
		t.Fatalf("put record: %v", err)
	}

	second, err := e.PutRecord(ctx, did, collection, "self", map[string]interface{}{"displayName": "Grace"})
	if err != nil {
		t.Fatalf("put record (overwrite): %v", err)
	}
	if second.Commit.Rev == first.Commit.Rev {
		t.Fatal("expected a new rev on overwrite")
	}

	_, _, value, err := e.GetRecord(ctx, did, collection, "self")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if value["displayName"] != "Grace" {
		t.Fatalf("expected overwritten value, got %#v", value)
	}
}

func TestEngine_SyncGetRepoAndBlocks(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	did := "did:plc:writer4"

	if _, err := e.CreateRecord(ctx, did, "app.bsky.feed.post", map[string]interface{}{"text": "a"}, ""); err != nil {
		t.Fatalf("create record: %v", err)
	}
	if _, err := e.CreateRecord(ctx, did, "app.bsky.feed.post", map[string]interface{}{"text": "b"}, ""); err != nil {
		t.Fatalf("create record: %v", err)
	}

	archive, err := e.SyncGetRepo(ctx, did)
	if err != nil {
		t.Fatalf("sync get repo: %v", err)
	}
	if len(archive) == 0 {
		t.Fatal("expected non-empty car archive")
	}
}

func TestEngine_SyncGetRepoUnknownDID(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	if _, err := e.SyncGetRepo(ctx, "did:plc:neverwritten"); err != ErrRecordNotFound {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
}
