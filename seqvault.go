package seqvault

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

type (
	// Blob is a sequence of bytes stored under its Ref.
	Blob []byte

	// Ref is the ref of a blob: its sha256 hash.
	Ref [sha256.Size]byte

	// TaxonID is an integer taxonomy identifier
	// as assigned by an external taxonomy resolver.
	TaxonID uint32
)

// Unclassified is the sentinel taxon for sequences with no taxonomy assignment.
const Unclassified TaxonID = 0

// Ref computes the Ref of a blob.
func (b Blob) Ref() Ref {
	return sha256.Sum256(b)
}

// Zero is the zero value of a Ref.
// It is also the Merkle root of an empty set.
var Zero Ref

// Hash computes the Ref of the concatenation of its arguments.
func Hash(parts ...[]byte) Ref {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	var out Ref
	h.Sum(out[:0])
	return out
}

func (r Ref) String() string {
	return hex.EncodeToString(r[:])
}

// Short is an abbreviated hex form for logs.
func (r Ref) Short() string {
	return hex.EncodeToString(r[:6])
}

func (r Ref) Less(other Ref) bool {
	return bytes.Compare(r[:], other[:]) < 0
}

func (r Ref) IsZero() bool {
	return r == Zero
}

// FromHex parses s into r.
func (r *Ref) FromHex(s string) error {
	if len(s) != 2*sha256.Size {
		return fmt.Errorf("wrong length %d for hex ref", len(s))
	}
	_, err := hex.Decode(r[:], []byte(s))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (r Ref) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Ref) UnmarshalText(text []byte) error {
	return r.FromHex(string(text))
}

func RefFromBytes(b []byte) Ref {
	var out Ref
	copy(out[:], b)
	return out
}

func RefFromHex(s string) (Ref, error) {
	var out Ref
	err := out.FromHex(s)
	return out, err
}

// ErrRefLength is returned when decoding a Ref from a byte slice of the wrong size.
var ErrRefLength = errors.New("wrong ref length")

// RefFromSlice is like RefFromBytes but rejects slices of the wrong length.
func RefFromSlice(b []byte) (Ref, error) {
	if len(b) != sha256.Size {
		return Zero, ErrRefLength
	}
	return RefFromBytes(b), nil
}
