package seqvault

import (
	"context"
	"time"
)

// Getter is a read-only Store (qv).
type Getter interface {
	// Get gets a blob by its ref.
	Get(context.Context, Ref) (Blob, error)

	// Has tells whether a blob is present without fetching it.
	Has(context.Context, Ref) (bool, error)

	// ListRefs calls a function for each blob ref in the store in lexicographic order,
	// beginning with the first ref _after_ the specified one.
	//
	// The calls reflect at least the set of refs
	// known at the moment ListRefs was called.
	// It is unspecified whether later changes,
	// that happen concurrently with ListRefs,
	// are reflected.
	//
	// If the callback function returns an error,
	// ListRefs exits with that error.
	ListRefs(context.Context, Ref, func(r Ref) error) error
}

// Store is a blob store.
// It stores byte sequences - "blobs" - of arbitrary length.
// Each blob can be retrieved using its "ref" as a lookup key.
// A ref is simply the SHA2-256 hash of the blob's content.
type Store interface {
	Getter

	// Put adds b to the store if it was not already present.
	// It returns b's ref and a boolean that is true iff the blob had to be added.
	//
	// Put must be atomic per ref:
	// concurrent Puts of the same content leave exactly one copy,
	// and exactly one of them reports added.
	Put(ctx context.Context, b Blob) (ref Ref, added bool, err error)
}

// AnchorGetter is a read-only AnchorStore.
type AnchorGetter interface {
	// GetAnchor returns the latest ref associated with the named anchor
	// at or before the given time.
	// It returns ErrNotFound if there is none.
	GetAnchor(ctx context.Context, name string, at time.Time) (Ref, error)

	// ListAnchors calls f for each ref recorded for the named anchor,
	// in time order.
	ListAnchors(ctx context.Context, name string, f func(TimeRef) error) error
}

// AnchorStore is a Store that also records anchors:
// names mapped to time-ordered refs.
// Anchors are append-only.
type AnchorStore interface {
	Store
	AnchorGetter

	// PutAnchor records ref for the named anchor as of time at.
	PutAnchor(ctx context.Context, name string, ref Ref, at time.Time) error
}

// Deleter is a store that can delete blobs.
// It is used only by garbage collection.
type Deleter interface {
	Delete(context.Context, Ref) error
}
