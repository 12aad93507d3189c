// Package mem implements an in-memory blob store.
package mem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/bobg/seqvault"
	"github.com/bobg/seqvault/store"
)

var _ seqvault.AnchorStore = &Store{}

// Store is a memory-based implementation of a blob store.
// Blob insertion is lock-free and atomic per ref.
type Store struct {
	blobs *xsync.MapOf[seqvault.Ref, seqvault.Blob]

	mu      sync.Mutex // protects anchors
	anchors map[string][]seqvault.TimeRef
}

// New produces a new Store.
func New() *Store {
	return &Store{
		blobs:   xsync.NewMapOf[seqvault.Ref, seqvault.Blob](),
		anchors: make(map[string][]seqvault.TimeRef),
	}
}

// Get gets the blob with hash `ref`.
func (s *Store) Get(_ context.Context, ref seqvault.Ref) (seqvault.Blob, error) {
	if b, ok := s.blobs.Load(ref); ok {
		return b, nil
	}
	return nil, seqvault.ErrNotFound
}

// Has tells whether the blob with hash `ref` is present.
func (s *Store) Has(_ context.Context, ref seqvault.Ref) (bool, error) {
	_, ok := s.blobs.Load(ref)
	return ok, nil
}

// Put adds a blob to the store if it wasn't already present.
func (s *Store) Put(_ context.Context, b seqvault.Blob) (seqvault.Ref, bool, error) {
	ref := b.Ref()
	cp := make(seqvault.Blob, len(b))
	copy(cp, b)
	_, loaded := s.blobs.LoadOrStore(ref, cp)
	return ref, !loaded, nil
}

// Delete removes a blob.
func (s *Store) Delete(_ context.Context, ref seqvault.Ref) error {
	s.blobs.Delete(ref)
	return nil
}

// Len is the number of blobs in the store.
func (s *Store) Len() int {
	return s.blobs.Size()
}

// ListRefs produces all blob refs in the store, in lexicographic order.
func (s *Store) ListRefs(ctx context.Context, start seqvault.Ref, f func(seqvault.Ref) error) error {
	refs := make([]seqvault.Ref, 0, s.blobs.Size())
	s.blobs.Range(func(ref seqvault.Ref, _ seqvault.Blob) bool {
		refs = append(refs, ref)
		return true
	})

	sort.Slice(refs, func(i, j int) bool { return refs[i].Less(refs[j]) })
	index := sort.Search(len(refs), func(n int) bool {
		return start.Less(refs[n])
	})

	for i := index; i < len(refs); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := f(refs[i])
		if err != nil {
			return err
		}
	}
	return nil
}

// GetAnchor gets the latest blob ref for a given anchor as of a given time.
func (s *Store) GetAnchor(_ context.Context, name string, at time.Time) (seqvault.Ref, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return seqvault.FindAnchor(s.anchors[name], at)
}

// PutAnchor adds a new ref for a given anchor as of a given time.
func (s *Store) PutAnchor(_ context.Context, name string, ref seqvault.Ref, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.anchors[name] = append(s.anchors[name], seqvault.TimeRef{T: at, R: ref})
	seqvault.SortTimeRefs(s.anchors[name])

	return nil
}

// ListAnchors lists the refs of one anchor in time order.
func (s *Store) ListAnchors(_ context.Context, name string, f func(seqvault.TimeRef) error) error {
	s.mu.Lock()
	trs := make([]seqvault.TimeRef, len(s.anchors[name]))
	copy(trs, s.anchors[name])
	s.mu.Unlock()

	for _, tr := range trs {
		err := f(tr)
		if err != nil {
			return err
		}
	}
	return nil
}

func init() {
	store.Register("mem", func(context.Context, map[string]interface{}) (seqvault.AnchorStore, error) {
		return New(), nil
	})
}
