package seqvault

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is the error returned
	// when a Getter tries to access a non-existent ref or anchor.
	ErrNotFound = errors.New("not found")

	// ErrNotModified is returned by a conditional fetch
	// when the remote object still has the given etag.
	ErrNotModified = errors.New("not modified")

	// ErrContentHashMismatch is the kind of a HashMismatchError.
	ErrContentHashMismatch = errors.New("content hash mismatch")

	// ErrMerkleVerification is the kind of a MerkleError.
	ErrMerkleVerification = errors.New("merkle verification failure")

	// ErrDeltaReconstruction is the kind of a DeltaError.
	ErrDeltaReconstruction = errors.New("delta reconstruction mismatch")

	// ErrStorage is the kind of a StorageError.
	ErrStorage = errors.New("storage error")
)

// HashMismatchError reports bytes that do not hash to the ref they were claimed under.
type HashMismatchError struct {
	Want, Got Ref
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("content hash mismatch: want %s, got %s", e.Want, e.Got)
}

func (e *HashMismatchError) Is(target error) bool {
	return target == ErrContentHashMismatch
}

// CheckHash returns a *HashMismatchError if b does not hash to want.
func CheckHash(want Ref, b []byte) error {
	if got := Blob(b).Ref(); got != want {
		return &HashMismatchError{Want: want, Got: got}
	}
	return nil
}

// MerkleError reports an item whose inclusion proof
// does not reconstruct the claimed root.
type MerkleError struct {
	Item, Root Ref
	Index      int
}

func (e *MerkleError) Error() string {
	return fmt.Sprintf("merkle verification failure: item %s at index %d does not prove root %s", e.Item, e.Index, e.Root)
}

func (e *MerkleError) Is(target error) bool {
	return target == ErrMerkleVerification
}

// DeltaError reports a delta whose replay does not yield its target.
type DeltaError struct {
	Reference, Target, Got Ref
}

func (e *DeltaError) Error() string {
	return fmt.Sprintf("delta reconstruction mismatch: %s against %s yielded %s", e.Target, e.Reference, e.Got)
}

func (e *DeltaError) Is(target error) bool {
	return target == ErrDeltaReconstruction
}

// StorageError wraps an I/O failure from a backend or a transport.
type StorageError struct {
	Op  string
	Ref Ref
	Err error
}

func (e *StorageError) Error() string {
	if e.Ref.IsZero() {
		return fmt.Sprintf("storage error in %s: %s", e.Op, e.Err)
	}
	return fmt.Sprintf("storage error in %s %s: %s", e.Op, e.Ref, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

// StorageErr wraps err in a *StorageError unless it is nil, ErrNotFound,
// or already a StorageError.
func StorageErr(op string, ref Ref, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrStorage) {
		return err
	}
	return &StorageError{Op: op, Ref: ref, Err: err}
}
