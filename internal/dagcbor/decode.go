package dagcbor

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/subcults/pds/internal/cid"
)

// ErrInvalidLink is returned when a value expected to be a tag-42 CID link
// does not have that shape.
var ErrInvalidLink = errors.New("dagcbor: not a valid CID link")

// decMode is shared across every Unmarshal call in this package so reads
// follow a single, documented set of CBOR decoding rules rather than the
// library defaults (which e.g. permit indefinite-length items we never
// write and don't want silently accepted on read).
var decMode = func() cbor.DecMode {
	opts := cbor.DecOptions{
		IndefLength: cbor.IndefLengthForbidden,
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
	}
	mode, err := opts.DecMode()
	if err != nil {
		panic(err)
	}
	return mode
}()

// UnmarshalLink decodes a single tag-42 CID link from raw CBOR bytes, as
// produced by Marshal(cid.CID). It returns ok=false (not an error) for a
// CBOR null, since a null link is a valid absence (e.g. a commit with no
// prev).
func UnmarshalLink(data []byte) (c cid.CID, ok bool, err error) {
	var tag cbor.RawTag
	if err := decMode.Unmarshal(data, &tag); err != nil {
		// Not a tag at all; check for null before giving up.
		var isNull interface{}
		if nerr := decMode.Unmarshal(data, &isNull); nerr == nil && isNull == nil {
			return cid.CID{}, false, nil
		}
		return cid.CID{}, false, fmt.Errorf("%w: %v", ErrInvalidLink, err)
	}
	if tag.Number != 42 {
		return cid.CID{}, false, fmt.Errorf("%w: unexpected tag %d", ErrInvalidLink, tag.Number)
	}
	var payload []byte
	if err := decMode.Unmarshal(tag.Content, &payload); err != nil {
		return cid.CID{}, false, fmt.Errorf("%w: %v", ErrInvalidLink, err)
	}
	if len(payload) != 1+cid.Size || payload[0] != 0x00 {
		return cid.CID{}, false, fmt.Errorf("%w: malformed link payload", ErrInvalidLink)
	}
	parsed, err := cid.FromBytes(payload[1:])
	if err != nil {
		return cid.CID{}, false, fmt.Errorf("%w: %v", ErrInvalidLink, err)
	}
	return parsed, true, nil
}

// UnmarshalCBOR implements cbor.Unmarshaler so a *Link field inside a
// struct decoded via UnmarshalGeneric (e.g. a CARv1 header's root list)
// resolves tag-42 links without the caller hand-rolling a second type.
// A CBOR null is rejected: an absent link belongs in a nullable field
// typed appropriately by its owning package (see mst.cborLink), not here.
func (l *Link) UnmarshalCBOR(data []byte) error {
	c, ok, err := UnmarshalLink(data)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidLink
	}
	l.CID = c
	return nil
}

var _ cbor.Unmarshaler = (*Link)(nil)

// UnmarshalGeneric decodes arbitrary non-link DAG-CBOR into Go's generic
// representation (map[string]interface{}, []interface{}, int64, etc.),
// using fxamacker/cbor/v2 directly. The generic representation has no
// notion of tag 42: callers that need CID links decode into a struct with
// *Link fields (see Link.UnmarshalCBOR) or call UnmarshalLink on the raw
// sub-field.
func UnmarshalGeneric(data []byte, out interface{}) error {
	return decMode.Unmarshal(data, out)
}
