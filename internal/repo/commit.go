package repo

import (
	"fmt"

	"github.com/subcults/pds/internal/cid"
	"github.com/subcults/pds/internal/cryptoutil"
	"github.com/subcults/pds/internal/dagcbor"
)

// CommitVersion is the only commit schema version this engine writes.
const CommitVersion = 3

// UnsignedCommit is the map DAG-CBOR-encoded and hashed to produce a
// signature, and whose hash (once signed) becomes the commit's own CID.
type UnsignedCommit struct {
	DID     string
	Version int64
	Data    cid.CID // MST root
	Rev     string
	Prev    *cid.CID // nil for a repository's first commit
}

// encode serializes the unsigned commit as a DAG-CBOR map with exactly
// the fields did, version, data, rev, and prev iff present — an absent
// prev is omitted from the map entirely, never encoded as CBOR null.
func (c UnsignedCommit) encode() ([]byte, error) {
	m := map[string]interface{}{
		"did":     c.DID,
		"version": c.Version,
		"data":    c.Data,
		"rev":     c.Rev,
	}
	if c.Prev != nil {
		m["prev"] = *c.Prev
	}
	return dagcbor.Marshal(m)
}

// SignedCommit is an UnsignedCommit plus its signature. Its CID is
// CID.fromDigest(sha256(DAG-CBOR(signed commit))).
type SignedCommit struct {
	UnsignedCommit
	Sig []byte
}

// encode serializes the signed commit: the unsigned commit's fields plus
// sig as a byte string.
func (c SignedCommit) encode() ([]byte, error) {
	m := map[string]interface{}{
		"did":     c.DID,
		"version": c.Version,
		"data":    c.Data,
		"rev":     c.Rev,
		"sig":     c.Sig,
	}
	if c.Prev != nil {
		m["prev"] = *c.Prev
	}
	return dagcbor.Marshal(m)
}

// Sign encodes unsigned as DAG-CBOR, hashes it, and signs that digest
// with kp, returning the signed commit and its CID.
func Sign(kp *cryptoutil.KeyPair, unsigned UnsignedCommit) (SignedCommit, cid.CID, error) {
	unsignedBytes, err := unsigned.encode()
	if err != nil {
		return SignedCommit{}, cid.CID{}, fmt.Errorf("repo: encode unsigned commit: %w", err)
	}
	digest := cryptoutil.Sha256(unsignedBytes)
	sig, err := cryptoutil.Sign(kp, digest)
	if err != nil {
		return SignedCommit{}, cid.CID{}, fmt.Errorf("repo: sign commit: %w", err)
	}

	signed := SignedCommit{UnsignedCommit: unsigned, Sig: sig}
	signedBytes, err := signed.encode()
	if err != nil {
		return SignedCommit{}, cid.CID{}, fmt.Errorf("repo: encode signed commit: %w", err)
	}
	commitDigest := cryptoutil.Sha256(signedBytes)
	return signed, cid.FromDigest(commitDigest), nil
}

// cborCommit mirrors a signed commit's map shape for decoding via
// fxamacker/cbor/v2: map-keyed struct fields, not ",toarray" (commits are
// DAG-CBOR maps, unlike MST nodes).
type cborCommit struct {
	DID     string        `cbor:"did"`
	Version int64         `cbor:"version"`
	Data    dagcbor.Link  `cbor:"data"`
	Rev     string        `cbor:"rev"`
	Prev    *dagcbor.Link `cbor:"prev"`
	Sig     []byte        `cbor:"sig"`
}

// DecodeSignedCommit decodes a commit block previously produced by Sign.
func DecodeSignedCommit(b []byte) (SignedCommit, error) {
	var raw cborCommit
	if err := dagcbor.UnmarshalGeneric(b, &raw); err != nil {
		return SignedCommit{}, fmt.Errorf("repo: decode commit: %w", err)
	}
	unsigned := UnsignedCommit{
		DID:     raw.DID,
		Version: raw.Version,
		Data:    raw.Data.CID,
		Rev:     raw.Rev,
	}
	if raw.Prev != nil {
		prev := raw.Prev.CID
		unsigned.Prev = &prev
	}
	return SignedCommit{UnsignedCommit: unsigned, Sig: raw.Sig}, nil
}

// Verify checks a signed commit's signature against its own unsigned
// fields, using publicKey on curve. It reports false (not an error) for
// a structurally valid commit whose signature simply doesn't verify;
// errors are reserved for malformed input.
func Verify(curve cryptoutil.Curve, publicKey []byte, signed SignedCommit) (bool, error) {
	unsignedBytes, err := signed.UnsignedCommit.encode()
	if err != nil {
		return false, fmt.Errorf("repo: encode unsigned commit: %w", err)
	}
	digest := cryptoutil.Sha256(unsignedBytes)
	return cryptoutil.Verify(curve, publicKey, digest, signed.Sig)
}
