// Package lru implements a blob store that acts as a least-recently-used cache for a nested blob store.
package lru

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	"github.com/bobg/seqvault"
	"github.com/bobg/seqvault/store"
)

var _ seqvault.AnchorStore = &Store{}

// Store implements a memory-based least-recently-used cache for a blob store.
// It caches only blobs, not anchors.
// Writes pass through to the underlying blob store.
type Store struct {
	c *lru.Cache // Ref->Blob
	s seqvault.AnchorStore
}

// New produces a new Store backed by `s` and caching up to `size` blobs.
func New(s seqvault.AnchorStore, size int) (*Store, error) {
	c, err := lru.New(size)
	return &Store{s: s, c: c}, err
}

// Get gets the blob with hash `ref`.
func (s *Store) Get(ctx context.Context, ref seqvault.Ref) (seqvault.Blob, error) {
	if got, ok := s.c.Get(ref); ok {
		return got.(seqvault.Blob), nil
	}
	blob, err := s.s.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	s.c.Add(ref, blob)
	return blob, nil
}

// Has tells whether the blob with hash `ref` is present.
func (s *Store) Has(ctx context.Context, ref seqvault.Ref) (bool, error) {
	if s.c.Contains(ref) {
		return true, nil
	}
	return s.s.Has(ctx, ref)
}

// Put adds a blob to the store if it wasn't already present.
func (s *Store) Put(ctx context.Context, b seqvault.Blob) (seqvault.Ref, bool, error) {
	ref, added, err := s.s.Put(ctx, b)
	if err != nil {
		return ref, added, err
	}
	s.c.Add(ref, b)
	return ref, added, nil
}

// Delete removes a blob from the cache and from the nested store,
// which must implement seqvault.Deleter.
func (s *Store) Delete(ctx context.Context, ref seqvault.Ref) error {
	s.c.Remove(ref)
	d, ok := s.s.(seqvault.Deleter)
	if !ok {
		return errors.Errorf("nested store is a %T and cannot delete", s.s)
	}
	return d.Delete(ctx, ref)
}

// ListRefs produces all blob refs in the store, in lexicographic order.
func (s *Store) ListRefs(ctx context.Context, start seqvault.Ref, f func(seqvault.Ref) error) error {
	return s.s.ListRefs(ctx, start, f)
}

// GetAnchor gets the latest blob ref for a given anchor as of a given time.
func (s *Store) GetAnchor(ctx context.Context, name string, at time.Time) (seqvault.Ref, error) {
	return s.s.GetAnchor(ctx, name, at)
}

// ListAnchors lists the refs of one anchor in time order.
func (s *Store) ListAnchors(ctx context.Context, name string, f func(seqvault.TimeRef) error) error {
	return s.s.ListAnchors(ctx, name, f)
}

// PutAnchor adds a new ref for a given anchor as of a given time.
func (s *Store) PutAnchor(ctx context.Context, name string, ref seqvault.Ref, at time.Time) error {
	return s.s.PutAnchor(ctx, name, ref, at)
}

// Close closes the nested store if it needs closing.
func (s *Store) Close() error {
	return store.Close(s.s)
}

func init() {
	store.Register("lru", func(ctx context.Context, conf map[string]interface{}) (seqvault.AnchorStore, error) {
		size, ok := store.IntParam(conf, "size")
		if !ok {
			return nil, errors.New(`missing "size" parameter`)
		}
		nested, err := store.Nested(ctx, conf)
		if err != nil {
			return nil, err
		}
		return New(nested, size)
	})
}
