// Package dagcbor implements the deterministic subset of CBOR the
// repository engine signs and hashes over: DAG-CBOR with atproto's
// length-then-bytes map key order and tag-42 CID links.
//
// Encoding is hand-written rather than delegated to a general CBOR library:
// no off-the-shelf encoder enforces length-then-bytes key ordering (general
// CBOR and every library this codebase could reach for sorts map keys
// byte-wise, per RFC 8949 §4.2.1), and getting that order wrong produces a
// different CID for logically identical data — the one property this
// format exists to guarantee. Decoding does not need the same guarantee
// (key order doesn't matter once you're reading, not hashing) so it reuses
// github.com/fxamacker/cbor/v2 — see decode.go.
package dagcbor

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/subcults/pds/internal/cid"
)

// ErrUnsupportedType is returned when Marshal is given a Go value with no
// defined DAG-CBOR encoding.
var ErrUnsupportedType = errors.New("dagcbor: unsupported value type")

// Link wraps a CID so it round-trips through Marshal as a tag-42 link
// rather than as an opaque byte string. A nil *Link or untyped nil
// interface both encode as CBOR null.
type Link struct {
	CID cid.CID
}

// NewLink returns a Link wrapping c for embedding in a value passed to
// Marshal.
func NewLink(c cid.CID) *Link {
	return &Link{CID: c}
}

// Marshal encodes v as canonical DAG-CBOR. Supported Go types: nil, bool,
// all signed/unsigned integer kinds, float64, string (text string), []byte
// (byte string), *Link/cid.CID (tag-42 link), []interface{} (array), and
// map[string]interface{} (map, re-sorted to length-then-bytes key order
// regardless of Go map iteration order).
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeValue(buf *bytes.Buffer, v interface{}) error {
	switch x := v.(type) {
	case nil:
		buf.WriteByte(0xf6)
		return nil
	case bool:
		if x {
			buf.WriteByte(0xf5)
		} else {
			buf.WriteByte(0xf4)
		}
		return nil
	case int:
		return encodeInt(buf, int64(x))
	case int8:
		return encodeInt(buf, int64(x))
	case int16:
		return encodeInt(buf, int64(x))
	case int32:
		return encodeInt(buf, int64(x))
	case int64:
		return encodeInt(buf, x)
	case uint:
		return encodeUint(buf, 0, uint64(x))
	case uint8:
		return encodeUint(buf, 0, uint64(x))
	case uint16:
		return encodeUint(buf, 0, uint64(x))
	case uint32:
		return encodeUint(buf, 0, uint64(x))
	case uint64:
		return encodeUint(buf, 0, x)
	case float64:
		return encodeFloat(buf, x)
	case float32:
		return encodeFloat(buf, float64(x))
	case string:
		return encodeTstr(buf, x)
	case []byte:
		return encodeBstr(buf, x)
	case cid.CID:
		return encodeLink(buf, x)
	case *Link:
		if x == nil {
			buf.WriteByte(0xf6)
			return nil
		}
		return encodeLink(buf, x.CID)
	case []interface{}:
		return encodeArray(buf, x)
	case map[string]interface{}:
		return encodeMap(buf, x)
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedType, v)
	}
}

// encodeUint writes a major-type/argument pair using the smallest width
// that represents arg, per CBOR's canonical encoding rule.
func encodeUint(buf *bytes.Buffer, major byte, arg uint64) error {
	base := major << 5
	switch {
	case arg < 24:
		buf.WriteByte(base | byte(arg))
	case arg <= math.MaxUint8:
		buf.WriteByte(base | 24)
		buf.WriteByte(byte(arg))
	case arg <= math.MaxUint16:
		buf.WriteByte(base | 25)
		buf.WriteByte(byte(arg >> 8))
		buf.WriteByte(byte(arg))
	case arg <= math.MaxUint32:
		buf.WriteByte(base | 26)
		for i := 3; i >= 0; i-- {
			buf.WriteByte(byte(arg >> (8 * uint(i))))
		}
	default:
		buf.WriteByte(base | 27)
		for i := 7; i >= 0; i-- {
			buf.WriteByte(byte(arg >> (8 * uint(i))))
		}
	}
	return nil
}

func encodeInt(buf *bytes.Buffer, n int64) error {
	if n >= 0 {
		return encodeUint(buf, 0, uint64(n))
	}
	return encodeUint(buf, 1, uint64(-(n + 1)))
}

func encodeTstr(buf *bytes.Buffer, s string) error {
	if err := encodeUint(buf, 3, uint64(len(s))); err != nil {
		return err
	}
	buf.WriteString(s)
	return nil
}

func encodeBstr(buf *bytes.Buffer, b []byte) error {
	if err := encodeUint(buf, 2, uint64(len(b))); err != nil {
		return err
	}
	buf.Write(b)
	return nil
}

func encodeFloat(buf *bytes.Buffer, f float64) error {
	buf.WriteByte(0xfb) // major 7, additional info 27: IEEE 754 double
	bits := math.Float64bits(f)
	for i := 7; i >= 0; i-- {
		buf.WriteByte(byte(bits >> (8 * uint(i))))
	}
	return nil
}

// encodeLink writes a CID as CBOR tag 42 wrapping a byte string whose first
// byte is 0x00 followed by the 36 raw CID bytes, per the atproto CID-link
// convention.
func encodeLink(buf *bytes.Buffer, c cid.CID) error {
	if err := encodeUint(buf, 6, 42); err != nil { // tag major type is 6
		return err
	}
	payload := make([]byte, 1+cid.Size)
	payload[0] = 0x00
	copy(payload[1:], c.Bytes())
	return encodeBstr(buf, payload)
}

func encodeArray(buf *bytes.Buffer, arr []interface{}) error {
	if err := encodeUint(buf, 4, uint64(len(arr))); err != nil {
		return err
	}
	for _, item := range arr {
		if err := encodeValue(buf, item); err != nil {
			return err
		}
	}
	return nil
}

func encodeMap(buf *bytes.Buffer, m map[string]interface{}) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return lessLengthThenBytes(keys[i], keys[j])
	})

	if err := encodeUint(buf, 5, uint64(len(keys))); err != nil {
		return err
	}
	for _, k := range keys {
		if err := encodeTstr(buf, k); err != nil {
			return err
		}
		if err := encodeValue(buf, m[k]); err != nil {
			return err
		}
	}
	return nil
}

// lessLengthThenBytes implements the length-then-bytes order mandated for
// both DAG-CBOR map keys and MST key comparison: shorter UTF-8 byte length
// sorts first, ties broken by lexicographic byte order.
func lessLengthThenBytes(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

// LessKey exports lessLengthThenBytes for packages (mst) that need the same
// key ordering outside of map encoding.
func LessKey(a, b string) bool {
	return lessLengthThenBytes(a, b)
}
