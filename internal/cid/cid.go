// Package cid implements the fixed content-identifier format used by the
// repository engine: a 36-byte value built from a CIDv1 prefix for the
// dag-cbor codec and sha2-256 multihash, wrapping a plain 32-byte digest.
//
// This is deliberately narrower than a general multiformats CID: the codec
// and hash function are not negotiable, so there is no varint codec/hash
// table to parse. That lets every core package treat a CID as an opaque,
// fixed-size, comparable value.
package cid

import (
	"encoding/base32"
	"errors"
)

// Size is the fixed length in bytes of a CID: 4-byte prefix + 32-byte digest.
const Size = 36

// DigestSize is the length of the sha2-256 digest a CID wraps.
const DigestSize = 32

// prefix is CIDv1 (0x01), codec dag-cbor (0x71), multihash sha2-256 (0x12),
// digest length 32 (0x20).
var prefix = [4]byte{0x01, 0x71, 0x12, 0x20}

// ErrInvalidLength is returned when a parsed value does not decode to
// exactly Size bytes.
var ErrInvalidLength = errors.New("cid: decoded value is not 36 bytes")

// ErrInvalidPrefix is returned when a parsed value's leading 4 bytes are not
// the expected CIDv1/dag-cbor/sha2-256/32 prefix.
var ErrInvalidPrefix = errors.New("cid: unexpected prefix, expected CIDv1 dag-cbor sha2-256 len 32")

// ErrInvalidString is returned when a string does not start with the 'b'
// base32 multibase marker, or fails to decode as base32.
var ErrInvalidString = errors.New("cid: not a valid base32 multibase string")

// base32Encoding is RFC4648 base32 with a lowercase alphabet and no padding,
// matching the multibase "b" (base32-lower, no pad) convention.
var base32Encoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// CID is a 36-byte content identifier. The zero value is not a valid CID.
type CID [Size]byte

// FromDigest builds a CID from a 32-byte sha2-256 digest.
func FromDigest(digest [DigestSize]byte) CID {
	var c CID
	copy(c[0:4], prefix[:])
	copy(c[4:], digest[:])
	return c
}

// Bytes returns the raw 36-byte representation.
func (c CID) Bytes() []byte {
	out := make([]byte, Size)
	copy(out, c[:])
	return out
}

// Digest returns the wrapped 32-byte sha2-256 digest.
func (c CID) Digest() [DigestSize]byte {
	var d [DigestSize]byte
	copy(d[:], c[4:])
	return d
}

// String renders the canonical form: 'b' followed by unpadded lowercase
// base32 of the 36 raw bytes.
func (c CID) String() string {
	return "b" + base32Encoding.EncodeToString(c[:])
}

// IsZero reports whether c is the zero value (never a valid CID).
func (c CID) IsZero() bool {
	return c == CID{}
}

// FromBytes wraps a raw 36-byte slice as a CID, validating its prefix.
func FromBytes(b []byte) (CID, error) {
	var c CID
	if len(b) != Size {
		return c, ErrInvalidLength
	}
	if b[0] != prefix[0] || b[1] != prefix[1] || b[2] != prefix[2] || b[3] != prefix[3] {
		return c, ErrInvalidPrefix
	}
	copy(c[:], b)
	return c, nil
}

// TryParse decodes a canonical string form. It returns (CID{}, false) for
// any input that isn't a well-formed 36-byte CID, rather than an error —
// parsing failures here are a lookup miss, not a structural fault.
func TryParse(s string) (CID, bool) {
	if len(s) == 0 || s[0] != 'b' {
		return CID{}, false
	}
	decoded, err := base32Encoding.DecodeString(s[1:])
	if err != nil {
		return CID{}, false
	}
	c, err := FromBytes(decoded)
	if err != nil {
		return CID{}, false
	}
	return c, true
}

// MustParse is TryParse but panics on failure; for tests and constants.
func MustParse(s string) CID {
	c, ok := TryParse(s)
	if !ok {
		panic("cid: MustParse: invalid CID string " + s)
	}
	return c
}
