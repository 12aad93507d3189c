// Package badger implements a blob store on a Badger key-value database.
package badger

import (
	"bytes"
	"context"
	"encoding/binary"
	stderrs "errors"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	badger "github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"

	"github.com/bobg/seqvault"
	"github.com/bobg/seqvault/store"
)

var _ seqvault.AnchorStore = &Store{}

const (
	blobPrefix   = 'B'
	anchorPrefix = 'A'
)

// Store is a Badger-based blob store.
// Insert-if-absent runs in a read-write transaction;
// a conflicting concurrent insert of the same ref
// causes a retry that then observes the blob.
type Store struct {
	db  *badger.DB
	seq atomic.Uint64
}

// Open opens a Badger database in dir.
// An empty dir opens an in-memory database.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "opening badger db")
	}
	return New(db), nil
}

// New produces a Store using db for storage.
func New(db *badger.DB) *Store {
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
	var out seqvault.Blob
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(blobKey(ref))
		if stderrs.Is(err, badger.ErrKeyNotFound) {
			return seqvault.ErrNotFound
		}
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if stderrs.Is(err, seqvault.ErrNotFound) {
		return nil, err
	}
	return out, errors.Wrapf(err, "getting blob %s", ref)
}

// Has tells whether the blob with hash `ref` is present.
func (s *Store) Has(_ context.Context, ref seqvault.Ref) (bool, error) {
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(blobKey(ref))
		if stderrs.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		found = err == nil
		return err
	})
	return found, errors.Wrapf(err, "checking blob %s", ref)
}

// Put adds a blob to the store if it wasn't already present.
func (s *Store) Put(ctx context.Context, b seqvault.Blob) (seqvault.Ref, bool, error) {
	ref := b.Ref()
	key := blobKey(ref)

	var added bool
	op := func() error {
		added = false
		err := s.db.Update(func(txn *badger.Txn) error {
			_, err := txn.Get(key)
			if err == nil {
				return nil
			}
			if !stderrs.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			added = true
			return txn.Set(key, b)
		})
		if err != nil && !stderrs.Is(err, badger.ErrConflict) {
			return backoff.Permanent(err)
		}
		return err
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(backoff.WithInitialInterval(time.Millisecond)), 10), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return ref, false, errors.Wrapf(err, "storing blob %s", ref)
	}
	return ref, added, nil
}

// Delete removes a blob.
func (s *Store) Delete(_ context.Context, ref seqvault.Ref) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(blobKey(ref))
	})
	return errors.Wrapf(err, "deleting blob %s", ref)
}

// ListRefs produces all blob refs in the store, in lexicographic order.
func (s *Store) ListRefs(ctx context.Context, start seqvault.Ref, f func(seqvault.Ref) error) error {
	startKey := blobKey(start)

	var refs []seqvault.Ref
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte{blobPrefix}
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(startKey); it.ValidForPrefix(opts.Prefix); it.Next() {
			k := it.Item().Key()
			if bytes.Equal(k, startKey) {
				continue
			}
			refs = append(refs, seqvault.RefFromBytes(k[1:]))
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "listing refs")
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
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(k, ref[:])
	})
	return errors.Wrapf(err, "storing anchor %s", name)
}

func (s *Store) anchorRefs(name string) ([]seqvault.TimeRef, error) {
	prefix := anchorPrefixKey(name)

	var result []seqvault.TimeRef
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			result = append(result, seqvault.TimeRef{
				T: seqvault.TimeFromKey(item.Key()[len(prefix):]),
				R: seqvault.RefFromBytes(val),
			})
		}
		return nil
	})
	return result, err
}

// GetAnchor gets the latest blob ref for a given anchor as of a given time.
func (s *Store) GetAnchor(_ context.Context, name string, at time.Time) (seqvault.Ref, error) {
	trs, err := s.anchorRefs(name)
	if err != nil {
		return seqvault.Zero, errors.Wrapf(err, "getting anchor %s", name)
	}
	return seqvault.FindAnchor(trs, at)
}

// ListAnchors lists the refs of one anchor in time order.
func (s *Store) ListAnchors(_ context.Context, name string, f func(seqvault.TimeRef) error) error {
	trs, err := s.anchorRefs(name)
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
	store.Register("badger", func(_ context.Context, conf map[string]interface{}) (seqvault.AnchorStore, error) {
		dir, _ := conf["dir"].(string)
		return Open(dir)
	})
}
