package car

import (
	"bytes"
	"testing"

	"github.com/subcults/pds/internal/blockstore"
	"github.com/subcults/pds/internal/cid"
	"github.com/subcults/pds/internal/dagcbor"
)

func mkCID(s string) cid.CID {
	return blockstore.CIDFor([]byte(s))
}

// TestWrite_ScenarioE covers property P9 and scenario E: one root, two
// blocks, byte-exact varint framing.
func TestWrite_ScenarioE(t *testing.T) {
	root := mkCID("R")
	c1 := mkCID("C1")
	c2 := mkCID("C2")

	out, err := Write([]cid.CID{root}, []blockstore.Block{
		{CID: c1, Bytes: []byte("abc")},
		{CID: c2, Bytes: []byte("defg")},
	})
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	pos := 0
	headerLen, n := decodeVarintAt(t, out, pos)
	pos += n
	if pos+int(headerLen) > len(out) {
		t.Fatalf("header length %d overruns archive of %d bytes", headerLen, len(out))
	}
	headerBytes := out[pos : pos+int(headerLen)]
	pos += int(headerLen)

	wantHeader, err := dagcbor.Marshal(map[string]interface{}{
		"roots":   []interface{}{root},
		"version": int64(1),
	})
	if err != nil {
		t.Fatalf("dagcbor.Marshal(header) error = %v", err)
	}
	if !bytes.Equal(headerBytes, wantHeader) {
		t.Fatalf("header bytes = %x, want %x", headerBytes, wantHeader)
	}

	sec1Len, n := decodeVarintAt(t, out, pos)
	pos += n
	if sec1Len != uint64(cid.Size+3) {
		t.Fatalf("section 1 length = %d, want %d", sec1Len, cid.Size+3)
	}
	if !bytes.Equal(out[pos:pos+cid.Size], c1[:]) {
		t.Fatalf("section 1 CID mismatch")
	}
	pos += cid.Size
	if string(out[pos:pos+3]) != "abc" {
		t.Fatalf("section 1 bytes = %q, want %q", out[pos:pos+3], "abc")
	}
	pos += 3

	sec2Len, n := decodeVarintAt(t, out, pos)
	pos += n
	if sec2Len != uint64(cid.Size+4) {
		t.Fatalf("section 2 length = %d, want %d", sec2Len, cid.Size+4)
	}
	if !bytes.Equal(out[pos:pos+cid.Size], c2[:]) {
		t.Fatalf("section 2 CID mismatch")
	}
	pos += cid.Size
	if string(out[pos:pos+4]) != "defg" {
		t.Fatalf("section 2 bytes = %q, want %q", out[pos:pos+4], "defg")
	}
	pos += 4

	if pos != len(out) {
		t.Fatalf("trailing bytes after last section: %d remain", len(out)-pos)
	}
}

func TestWriteRead_RoundTrip(t *testing.T) {
	root := mkCID("root")
	blocks := []blockstore.Block{
		{CID: mkCID("a"), Bytes: []byte("aaa")},
		{CID: mkCID("b"), Bytes: []byte("bbbbb")},
	}
	data, err := Write([]cid.CID{root}, blocks)
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	gotRoots, gotBlocks, err := Read(data)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if len(gotRoots) != 1 || gotRoots[0] != root {
		t.Fatalf("Read() roots = %v, want [%v]", gotRoots, root)
	}
	if len(gotBlocks) != len(blocks) {
		t.Fatalf("Read() blocks = %d, want %d", len(gotBlocks), len(blocks))
	}
	for i, b := range blocks {
		if gotBlocks[i].CID != b.CID || !bytes.Equal(gotBlocks[i].Bytes, b.Bytes) {
			t.Errorf("block %d = %+v, want %+v", i, gotBlocks[i], b)
		}
	}
}

func TestRead_Malformed(t *testing.T) {
	if _, _, err := Read([]byte{0xff}); err == nil {
		t.Fatal("Read() on garbage bytes: want error, got nil")
	}
}

func TestWrite_EmptyArchive(t *testing.T) {
	data, err := Write(nil, nil)
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	roots, blocks, err := Read(data)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if len(roots) != 0 || len(blocks) != 0 {
		t.Fatalf("Read() = (%v, %v), want both empty", roots, blocks)
	}
}

func decodeVarintAt(t *testing.T, b []byte, pos int) (uint64, int) {
	t.Helper()
	v, n, err := decodeVarintBytes(b[pos:])
	if err != nil {
		t.Fatalf("decodeVarintAt(%d): %v", pos, err)
	}
	return v, n
}

func decodeVarintBytes(b []byte) (uint64, int, error) {
	var v uint64
	var shift uint
	for i, by := range b {
		v |= uint64(by&0x7f) << shift
		if by&0x80 == 0 {
			return v, i + 1, nil
		}
		shift += 7
	}
	return 0, 0, errEOF
}

var errEOF = bytesErr("unexpected end of varint")

type bytesErr string

func (e bytesErr) Error() string { return string(e) }
