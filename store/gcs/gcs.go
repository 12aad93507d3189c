// Package gcs implements a blob store on Google Cloud Storage.
package gcs

import (
	"context"
	"encoding/hex"
	stderrs "errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"cloud.google.com/go/storage"
	"github.com/pkg/errors"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/bobg/seqvault"
	"github.com/bobg/seqvault/store"
)

var _ seqvault.AnchorStore = &Store{}

// Store is a Google Cloud Storage-based implementation of a blob store.
// Insert-if-absent relies on the DoesNotExist write precondition.
type Store struct {
	bucket *storage.BucketHandle
	seq    atomic.Uint64
}

// New produces a new Store.
func New(bucket *storage.BucketHandle) *Store {
	s := &Store{bucket: bucket}
	s.seq.Store(uint64(time.Now().UnixNano()))
	return s
}

// Get gets the blob with hash `ref`.
func (s *Store) Get(ctx context.Context, ref seqvault.Ref) (seqvault.Blob, error) {
	name := blobObjName(ref)
	r, err := s.bucket.Object(name).NewReader(ctx)
	if stderrs.Is(err, storage.ErrObjectNotExist) {
		return nil, seqvault.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading info of object %s", name)
	}
	defer r.Close()

	b := make([]byte, r.Attrs.Size)
	_, err = io.ReadFull(r, b)
	return b, errors.Wrapf(err, "reading contents of object %s", name)
}

// Has tells whether the blob with hash `ref` is present.
func (s *Store) Has(ctx context.Context, ref seqvault.Ref) (bool, error) {
	name := blobObjName(ref)
	_, err := s.bucket.Object(name).Attrs(ctx)
	if stderrs.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "getting object attrs for %s", name)
	}
	return true, nil
}

// Put adds a blob to the store if it wasn't already present.
func (s *Store) Put(ctx context.Context, b seqvault.Blob) (seqvault.Ref, bool, error) {
	var (
		ref  = b.Ref()
		name = blobObjName(ref)
		obj  = s.bucket.Object(name).If(storage.Conditions{DoesNotExist: true})
		w    = obj.NewWriter(ctx)
	)
	if _, err := w.Write(b); err != nil {
		w.Close()
		return ref, false, errors.Wrapf(err, "writing object %s", name)
	}
	err := w.Close()
	var e *googleapi.Error
	if stderrs.As(err, &e) && e.Code == http.StatusPreconditionFailed {
		return ref, false, nil
	}
	if err != nil {
		return ref, false, errors.Wrapf(err, "writing object %s", name)
	}
	return ref, true, nil
}

// Delete removes a blob.
func (s *Store) Delete(ctx context.Context, ref seqvault.Ref) error {
	name := blobObjName(ref)
	err := s.bucket.Object(name).Delete(ctx)
	if stderrs.Is(err, storage.ErrObjectNotExist) {
		return nil
	}
	return errors.Wrapf(err, "deleting object %s", name)
}

// ListRefs produces all blob refs in the store, in lexicographic order.
func (s *Store) ListRefs(ctx context.Context, start seqvault.Ref, f func(seqvault.Ref) error) error {
	// Google Cloud Storage iterators have no API for starting in the middle of a bucket.
	// But they can filter by object-name prefix.
	// So we take (the hex encoding of) `start` and repeatedly compute prefixes for the objects we want.
	// If `start` is e67a, for example, the sequence of generated prefixes is:
	//   e67b e67c e67d e67e e67f
	//   e68 e69 e6a e6b e6c e6d e6e e6f
	//   e7 e8 e9 ea eb ec ed ee ef
	//   f
	return eachHexPrefix(start.String(), false, func(prefix string) error {
		return s.listRefs(ctx, prefix, f)
	})
}

func (s *Store) listRefs(ctx context.Context, prefix string, f func(seqvault.Ref) error) error {
	iter := s.bucket.Objects(ctx, &storage.Query{Prefix: "b:" + prefix})
	for {
		obj, err := iter.Next()
		if stderrs.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return err
		}
		ref, err := refFromBlobObjName(obj.Name)
		if err != nil {
			return err
		}
		if err = f(ref); err != nil {
			return err
		}
	}
}

// PutAnchor adds a new ref for a given anchor as of a given time.
func (s *Store) PutAnchor(ctx context.Context, a string, ref seqvault.Ref, at time.Time) error {
	name := anchorObjName(a, at, s.seq.Add(1))
	w := s.bucket.Object(name).NewWriter(ctx)
	if _, err := w.Write(ref[:]); err != nil {
		w.Close()
		return errors.Wrapf(err, "writing object %s", name)
	}
	return errors.Wrapf(w.Close(), "writing object %s", name)
}

// eachAnchor calls f on the objects of anchor `a`
// in reverse chronological order
// (since we usually want the latest one).
func (s *Store) eachAnchor(ctx context.Context, a string, f func(objName string, at time.Time) (bool, error)) error {
	iter := s.bucket.Objects(ctx, &storage.Query{Prefix: anchorPrefix(a)})
	for {
		attrs, err := iter.Next()
		if stderrs.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "iterating over anchor objects")
		}
		at, err := anchorTimeFromObjName(attrs.Name)
		if err != nil {
			return errors.Wrapf(err, "decoding object name %s", attrs.Name)
		}
		more, err := f(attrs.Name, at)
		if err != nil || !more {
			return err
		}
	}
}

// GetAnchor gets the latest blob ref for a given anchor as of a given time.
func (s *Store) GetAnchor(ctx context.Context, a string, at time.Time) (seqvault.Ref, error) {
	var (
		ref   seqvault.Ref
		found bool
	)
	err := s.eachAnchor(ctx, a, func(objName string, t time.Time) (bool, error) {
		if t.After(at) {
			return true, nil
		}
		var err error
		ref, err = s.getAnchorRef(ctx, objName)
		found = err == nil
		return false, err
	})
	if err != nil {
		return seqvault.Zero, err
	}
	if !found {
		return seqvault.Zero, seqvault.ErrNotFound
	}
	return ref, nil
}

// ListAnchors lists the refs of one anchor in time order.
func (s *Store) ListAnchors(ctx context.Context, a string, f func(seqvault.TimeRef) error) error {
	var trs []seqvault.TimeRef
	err := s.eachAnchor(ctx, a, func(objName string, t time.Time) (bool, error) {
		ref, err := s.getAnchorRef(ctx, objName)
		if err != nil {
			return false, err
		}
		trs = append(trs, seqvault.TimeRef{T: t, R: ref})
		return true, nil
	})
	if err != nil {
		return err
	}
	for i := len(trs) - 1; i >= 0; i-- {
		if err := f(trs[i]); err != nil {
			return err
		}
	}
	return nil
}

func eachHexPrefix(prefix string, incl bool, f func(string) error) error {
	prefix = strings.ToLower(prefix)
	for len(prefix) > 0 {
		end := hexval(prefix[len(prefix)-1:][0])
		if !incl {
			end++
		}
		prefix = prefix[:len(prefix)-1]
		for c := end; c < 16; c++ {
			err := f(prefix + string(hexdigit(c)))
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func hexval(b byte) int {
	switch {
	case '0' <= b && b <= '9':
		return int(b - '0')
	case 'a' <= b && b <= 'f':
		return int(10 + b - 'a')
	case 'A' <= b && b <= 'F':
		return int(10 + b - 'A')
	}
	return 0
}

func hexdigit(n int) byte {
	if n < 10 {
		return byte(n + '0')
	}
	return byte(n - 10 + 'a')
}

func blobObjName(ref seqvault.Ref) string {
	return "b:" + ref.String()
}

func refFromBlobObjName(name string) (seqvault.Ref, error) {
	return seqvault.RefFromHex(strings.TrimPrefix(name, "b:"))
}

func (s *Store) getAnchorRef(ctx context.Context, objName string) (seqvault.Ref, error) {
	r, err := s.bucket.Object(objName).NewReader(ctx)
	if err != nil {
		return seqvault.Zero, errors.Wrapf(err, "reading info of object %s", objName)
	}
	defer r.Close()

	var ref seqvault.Ref
	if r.Attrs.Size != int64(len(ref)) {
		return seqvault.Zero, fmt.Errorf("object %s has wrong size %d (want %d)", objName, r.Attrs.Size, len(ref))
	}

	_, err = io.ReadFull(r, ref[:])
	return ref, errors.Wrapf(err, "reading contents of object %s", objName)
}

func anchorPrefix(a string) string {
	return "a:" + hex.EncodeToString([]byte(a)) + ":"
}

// Within one timestamp, later writes sort first.
func anchorObjName(a string, at time.Time, seq uint64) string {
	return fmt.Sprintf("%s%s:%016x", anchorPrefix(a), invTimeStr(at), math.MaxUint64-seq)
}

var anchorNameRegex = regexp.MustCompile(`^a:[0-9a-f]*:(\d{30}):[0-9a-f]{16}$`)

func anchorTimeFromObjName(name string) (time.Time, error) {
	m := anchorNameRegex.FindStringSubmatch(name)
	if len(m) < 2 {
		return time.Time{}, errors.New("malformed name")
	}
	return parseInvTimeStr(m[1])
}

func init() {
	store.Register("gcs", func(ctx context.Context, conf map[string]interface{}) (seqvault.AnchorStore, error) {
		var options []option.ClientOption
		creds, ok := conf["creds"].(string)
		if !ok {
			return nil, errors.New(`missing "creds" parameter`)
		}
		bucketName, ok := conf["bucket"].(string)
		if !ok {
			return nil, errors.New(`missing "bucket" parameter`)
		}
		options = append(options, option.WithCredentialsFile(creds))
		c, err := storage.NewClient(ctx, options...)
		if err != nil {
			return nil, errors.Wrap(err, "creating cloud storage client")
		}
		return New(c.Bucket(bucketName)), nil
	})
}
