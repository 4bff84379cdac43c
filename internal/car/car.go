// Package car implements CARv1 archive framing: a varint-length header
// followed by varint-length (CID, block) sections, used to package the
// blocks behind a repository commit for export or firehose delivery.
package car

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/subcults/pds/internal/blockstore"
	"github.com/subcults/pds/internal/cid"
	"github.com/subcults/pds/internal/dagcbor"
)

// ErrMalformed is returned when a byte stream does not decode as a
// well-formed CARv1 archive.
var ErrMalformed = errors.New("car: malformed archive")

// Write encodes roots and blocks as a CARv1 archive: a DAG-CBOR header
// naming roots, then one length-prefixed section per block in the order
// supplied. Duplicate blocks are permitted but wasteful; callers
// exporting a repository delta should pass only the blocks an operation
// actually touched.
func Write(roots []cid.CID, blocks []blockstore.Block) ([]byte, error) {
	rootVals := make([]interface{}, len(roots))
	for i, r := range roots {
		rootVals[i] = r
	}
	headerBytes, err := dagcbor.Marshal(map[string]interface{}{
		"roots":   rootVals,
		"version": int64(1),
	})
	if err != nil {
		return nil, fmt.Errorf("car: encode header: %w", err)
	}

	var buf bytes.Buffer
	writeVarint(&buf, uint64(len(headerBytes)))
	buf.Write(headerBytes)

	for _, b := range blocks {
		section := cid.Size + len(b.Bytes)
		writeVarint(&buf, uint64(section))
		buf.Write(b.CID[:])
		buf.Write(b.Bytes)
	}

	return buf.Bytes(), nil
}

// Read parses a CARv1 archive back into its declared roots and blocks, in
// archive order.
func Read(data []byte) (roots []cid.CID, blocks []blockstore.Block, err error) {
	r := bytes.NewReader(data)

	headerLen, err := readVarint(r)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: header length: %v", ErrMalformed, err)
	}
	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, nil, fmt.Errorf("%w: header body: %v", ErrMalformed, err)
	}

	var raw struct {
		Roots   []*dagcbor.Link `cbor:"roots"`
		Version int64           `cbor:"version"`
	}
	if err := dagcbor.UnmarshalGeneric(headerBytes, &raw); err != nil {
		return nil, nil, fmt.Errorf("%w: header decode: %v", ErrMalformed, err)
	}
	if raw.Version != 1 {
		return nil, nil, fmt.Errorf("%w: unsupported version %d", ErrMalformed, raw.Version)
	}
	roots = make([]cid.CID, len(raw.Roots))
	for i, l := range raw.Roots {
		roots[i] = l.CID
	}

	for {
		sectionLen, err := readVarint(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("%w: section length: %v", ErrMalformed, err)
		}
		if sectionLen < cid.Size {
			return nil, nil, fmt.Errorf("%w: section shorter than a CID", ErrMalformed)
		}
		sectionBytes := make([]byte, sectionLen)
		if _, err := io.ReadFull(r, sectionBytes); err != nil {
			return nil, nil, fmt.Errorf("%w: section body: %v", ErrMalformed, err)
		}
		c, err := cid.FromBytes(sectionBytes[:cid.Size])
		if err != nil {
			return nil, nil, fmt.Errorf("%w: section cid: %v", ErrMalformed, err)
		}
		blocks = append(blocks, blockstore.Block{CID: c, Bytes: sectionBytes[cid.Size:]})
	}

	return roots, blocks, nil
}

// writeVarint appends an unsigned LEB128 varint (7 data bits per byte,
// MSB set on continuation).
func writeVarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := 0
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		tmp[n] = b
		n++
		if v == 0 {
			break
		}
	}
	buf.Write(tmp[:n])
}

// readVarint decodes an unsigned LEB128 varint from r.
func readVarint(r io.ByteReader) (uint64, error) {
	var v uint64
	var shift uint
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		v |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return v, nil
		}
		shift += 7
		if shift >= 64 {
			return 0, ErrMalformed
		}
	}
}
