// Package pebble implements a blob store on a Pebble key-value database.
package pebble

import (
	"bytes"
	"context"
	"encoding/binary"
	stderrs "errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"

	"github.com/bobg/seqvault"
	"github.com/bobg/seqvault/store"
)

var _ seqvault.AnchorStore = &Store{}

// Key prefixes.
const (
	blobPrefix   = 'B'
	anchorPrefix = 'A'
)

// Store is a Pebble-based blob store.
//
// Pebble has no conditional write,
// so insert-if-absent is serialized per shard of the ref space,
// keyed by the first byte of the ref.
type Store struct {
	db     *pebble.DB
	shards [256]sync.Mutex
	seq    atomic.Uint64 // orders anchors with equal times
}

// Open opens (creating if necessary) a Pebble database at dir.
func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrapf(err, "opening pebble db at %s", dir)
	}
	return New(db), nil
}

// New produces a Store using db for storage.
func New(db *pebble.DB) *Store {
	s := &Store{db: db}
	s.seq.Store(uint64(time.Now().UnixNano()))
	return s
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func blobKey(ref seqvault.Ref) []byte {
	return append([]byte{blobPrefix}, ref[:]...)
}

func anchorPrefixKey(name string) []byte {
	k := append([]byte{anchorPrefix}, name...)
	return append(k, 0)
}

// Get gets the blob with hash `ref`.
func (s *Store) Get(_ context.Context, ref seqvault.Ref) (seqvault.Blob, error) {
	val, closer, err := s.db.Get(blobKey(ref))
	if stderrs.Is(err, pebble.ErrNotFound) {
		return nil, seqvault.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "getting blob %s", ref)
	}
	defer closer.Close()

	out := make(seqvault.Blob, len(val))
	copy(out, val)
	return out, nil
}

// Has tells whether the blob with hash `ref` is present.
func (s *Store) Has(_ context.Context, ref seqvault.Ref) (bool, error) {
	_, closer, err := s.db.Get(blobKey(ref))
	if stderrs.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "checking blob %s", ref)
	}
	closer.Close()
	return true, nil
}

// Put adds a blob to the store if it wasn't already present.
func (s *Store) Put(ctx context.Context, b seqvault.Blob) (seqvault.Ref, bool, error) {
	ref := b.Ref()

	mu := &s.shards[ref[0]]
	mu.Lock()
	defer mu.Unlock()

	has, err := s.Has(ctx, ref)
	if err != nil {
		return ref, false, err
	}
	if has {
		return ref, false, nil
	}
	err = s.db.Set(blobKey(ref), b, pebble.Sync)
	if err != nil {
		return ref, false, errors.Wrapf(err, "storing blob %s", ref)
	}
	return ref, true, nil
}

// Delete removes a blob.
func (s *Store) Delete(_ context.Context, ref seqvault.Ref) error {
	mu := &s.shards[ref[0]]
	mu.Lock()
	defer mu.Unlock()

	return errors.Wrapf(s.db.Delete(blobKey(ref), pebble.Sync), "deleting blob %s", ref)
}

// ListRefs produces all blob refs in the store, in lexicographic order.
func (s *Store) ListRefs(ctx context.Context, start seqvault.Ref, f func(seqvault.Ref) error) error {
	startKey := blobKey(start)
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: startKey,
		UpperBound: []byte{blobPrefix + 1},
	})
	if err != nil {
		return errors.Wrap(err, "creating iterator")
	}

	var refs []seqvault.Ref
	for it.SeekGE(startKey); it.Valid(); it.Next() {
		k := it.Key()
		if bytes.Equal(k, startKey) {
			continue
		}
		refs = append(refs, seqvault.RefFromBytes(k[1:]))
	}
	if err := it.Close(); err != nil {
		return errors.Wrap(err, "iterating refs")
	}

	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := f(ref); err != nil {
			return err
		}
	}
	return nil
}

// PutAnchor adds a new ref for a given anchor as of a given time.
func (s *Store) PutAnchor(_ context.Context, name string, ref seqvault.Ref, at time.Time) error {
	k := anchorPrefixKey(name)
	k = append(k, seqvault.TimeKey(at)...)
	k = binary.BigEndian.AppendUint64(k, s.seq.Add(1))
	return errors.Wrapf(s.db.Set(k, ref[:], pebble.Sync), "storing anchor %s", name)
}

func (s *Store) anchorRefs(name string, upto []byte) ([]seqvault.TimeRef, error) {
	prefix := anchorPrefixKey(name)
	upper := append([]byte{}, prefix...)
	upper[len(upper)-1] = 1
	if upto != nil {
		upper = upto
	}

	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upper,
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating iterator")
	}
	defer it.Close()

	var result []seqvault.TimeRef
	for it.First(); it.Valid(); it.Next() {
		k := it.Key()[len(prefix):]
		result = append(result, seqvault.TimeRef{
			T: seqvault.TimeFromKey(k),
			R: seqvault.RefFromBytes(it.Value()),
		})
	}
	return result, nil
}

// GetAnchor gets the latest blob ref for a given anchor as of a given time.
func (s *Store) GetAnchor(_ context.Context, name string, at time.Time) (seqvault.Ref, error) {
	upto := anchorPrefixKey(name)
	upto = append(upto, seqvault.TimeKey(at.Add(time.Nanosecond))...)

	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: anchorPrefixKey(name),
		UpperBound: upto,
	})
	if err != nil {
		return seqvault.Zero, errors.Wrap(err, "creating iterator")
	}
	defer it.Close()

	if !it.Last() {
		return seqvault.Zero, seqvault.ErrNotFound
	}
	return seqvault.RefFromBytes(it.Value()), nil
}

// ListAnchors lists the refs of one anchor in time order.
func (s *Store) ListAnchors(_ context.Context, name string, f func(seqvault.TimeRef) error) error {
	trs, err := s.anchorRefs(name, nil)
	if err != nil {
		return errors.Wrapf(err, "listing anchor %s", name)
	}
	for _, tr := range trs {
		if err := f(tr); err != nil {
			return err
		}
	}
	return nil
}

func init() {
	store.Register("pebble", func(_ context.Context, conf map[string]interface{}) (seqvault.AnchorStore, error) {
		dir, ok := conf["dir"].(string)
		if !ok {
			return nil, errors.New(`missing "dir" parameter`)
		}
		return Open(dir)
	})
}
