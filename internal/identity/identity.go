// Package identity validates the DID, collection, and record-key syntax
// used to address repositories and records, and builds/parses the
// at://did/collection/rkey record URI form.
package identity

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Validation errors.
var (
	ErrEmpty             = errors.New("identity: value is empty")
	ErrInvalidDID        = errors.New("identity: invalid did syntax")
	ErrInvalidCollection = errors.New("identity: invalid collection syntax")
	ErrInvalidRkey       = errors.New("identity: invalid rkey syntax")
	ErrInvalidURI        = errors.New("identity: malformed at:// uri")
)

var (
	didPattern        = regexp.MustCompile(`^did:[a-z]+:[a-zA-Z0-9._:%-]+$`)
	collectionPattern = regexp.MustCompile(`^[a-z][a-z0-9]*(\.[a-z][a-z0-9]*)+$`)
	rkeyPattern       = regexp.MustCompile(`^[a-zA-Z0-9._~-]+$`)
)

// DID validates a DID string against ^did:[a-z]+:[a-zA-Z0-9._:%-]+$.
func DID(s string) error {
	if s == "" {
		return ErrEmpty
	}
	if !didPattern.MatchString(s) {
		return ErrInvalidDID
	}
	return nil
}

// Collection validates a collection NSID against
// ^[a-z][a-z0-9]*(\.[a-z][a-z0-9]*)+$.
func Collection(s string) error {
	if s == "" {
		return ErrEmpty
	}
	if !collectionPattern.MatchString(s) {
		return ErrInvalidCollection
	}
	return nil
}

// Rkey validates a record key against ^[a-zA-Z0-9._~-]+$.
func Rkey(s string) error {
	if s == "" {
		return ErrEmpty
	}
	if !rkeyPattern.MatchString(s) {
		return ErrInvalidRkey
	}
	return nil
}

// URI builds the at://{did}/{collection}/{rkey} record URI, validating
// each component first.
func URI(did, collection, rkey string) (string, error) {
	if err := DID(did); err != nil {
		return "", err
	}
	if err := Collection(collection); err != nil {
		return "", err
	}
	if err := Rkey(rkey); err != nil {
		return "", err
	}
	return fmt.Sprintf("at://%s/%s/%s", did, collection, rkey), nil
}

// ParseURI splits an at:// record URI into its did, collection, and rkey
// components, validating each.
func ParseURI(uri string) (did, collection, rkey string, err error) {
	const prefix = "at://"
	if !strings.HasPrefix(uri, prefix) {
		return "", "", "", ErrInvalidURI
	}
	parts := strings.SplitN(strings.TrimPrefix(uri, prefix), "/", 3)
	if len(parts) != 3 {
		return "", "", "", ErrInvalidURI
	}
	did, collection, rkey = parts[0], parts[1], parts[2]
	if err := DID(did); err != nil {
		return "", "", "", err
	}
	if err := Collection(collection); err != nil {
		return "", "", "", err
	}
	if err := Rkey(rkey); err != nil {
		return "", "", "", err
	}
	return did, collection, rkey, nil
}

// MSTKey builds the MST key "{collection}/{rkey}" for a record.
func MSTKey(collection, rkey string) string {
	return collection + "/" + rkey
}
