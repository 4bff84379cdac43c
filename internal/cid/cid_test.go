package cid

import (
	"crypto/sha256"
	"testing"
)

func TestFromDigest_Prefix(t *testing.T) {
	digest := sha256.Sum256([]byte("hello"))
	c := FromDigest(digest)

	b := c.Bytes()
	if len(b) != Size {
		t.Fatalf("Bytes() length = %d, want %d", len(b), Size)
	}
	wantPrefix := []byte{0x01, 0x71, 0x12, 0x20}
	for i, want := range wantPrefix {
		if b[i] != want {
			t.Errorf("Bytes()[%d] = %#x, want %#x", i, b[i], want)
		}
	}
	if got := c.Digest(); got != digest {
		t.Errorf("Digest() = %x, want %x", got, digest)
	}
}

func TestFromDigest_Deterministic(t *testing.T) {
	digest := sha256.Sum256([]byte("repeatable"))
	c1 := FromDigest(digest)
	c2 := FromDigest(digest)
	if c1 != c2 {
		t.Errorf("FromDigest() not deterministic: %v != %v", c1, c2)
	}
}

func TestString_RoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "empty", input: ""},
		{name: "short", input: "a"},
		{name: "long", input: "the quick brown fox jumps over the lazy dog"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			digest := sha256.Sum256([]byte(tt.input))
			c := FromDigest(digest)

			s := c.String()
			if len(s) == 0 || s[0] != 'b' {
				t.Fatalf("String() = %q, want leading 'b'", s)
			}

			parsed, ok := TryParse(s)
			if !ok {
				t.Fatalf("TryParse(%q) failed", s)
			}
			if parsed != c {
				t.Errorf("TryParse(String()) = %v, want %v", parsed, c)
			}
		})
	}
}

func TestTryParse_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "empty string", input: ""},
		{name: "missing b prefix", input: "aaaa"},
		{name: "invalid base32 char", input: "b0000"},
		{name: "too short", input: "b" + base32Encoding.EncodeToString([]byte{1, 2, 3})},
		{name: "wrong codec prefix", input: (CID{0x01, 0x55, 0x12, 0x20}).String()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, ok := TryParse(tt.input); ok {
				t.Errorf("TryParse(%q) succeeded, want failure", tt.input)
			}
		})
	}
}

func TestFromBytes_WrongLength(t *testing.T) {
	_, err := FromBytes([]byte{1, 2, 3})
	if err != ErrInvalidLength {
		t.Errorf("FromBytes() error = %v, want %v", err, ErrInvalidLength)
	}
}

func TestEquality(t *testing.T) {
	d1 := sha256.Sum256([]byte("a"))
	d2 := sha256.Sum256([]byte("b"))
	c1 := FromDigest(d1)
	c2 := FromDigest(d1)
	c3 := FromDigest(d2)

	if c1 != c2 {
		t.Error("identical digests produced unequal CIDs")
	}
	if c1 == c3 {
		t.Error("different digests produced equal CIDs")
	}
}
