// Package file implements a blob store as a file hierarchy.
package file

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bobg/flock"
	"github.com/pkg/errors"

	"github.com/bobg/seqvault"
	"github.com/bobg/seqvault/store"
)

var _ seqvault.AnchorStore = &Store{}

// Store is a file-based implementation of a blob store.
// Blobs live in a tree sharded by hash prefix.
// Each anchor is an append-only log file guarded by a file lock.
type Store struct {
	root    string
	flocker flock.Locker
}

// New produces a new Store storing data beneath `root`.
func New(root string) *Store {
	return &Store{root: root}
}

func (s *Store) blobroot() string {
	return filepath.Join(s.root, "blobs")
}

func (s *Store) blobpath(ref seqvault.Ref) string {
	h := ref.String()
	return filepath.Join(s.blobroot(), h[:2], h[:4], h)
}

func (s *Store) anchorpath(name string) string {
	return filepath.Join(s.root, "anchors", url.PathEscape(name)+".log")
}

// Get gets the blob with hash `ref`.
func (s *Store) Get(_ context.Context, ref seqvault.Ref) (seqvault.Blob, error) {
	path := s.blobpath(ref)
	blob, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, seqvault.ErrNotFound
	}
	return blob, errors.Wrapf(err, "reading %s", path)
}

// Has tells whether the blob with hash `ref` is present.
func (s *Store) Has(_ context.Context, ref seqvault.Ref) (bool, error) {
	_, err := os.Stat(s.blobpath(ref))
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, errors.Wrapf(err, "statting blob %s", ref)
}

// Put adds a blob to the store if it wasn't already present.
// The blob is written to a temporary file first
// and then linked into place,
// so readers never observe a partial blob
// and exactly one of several racing writers wins.
func (s *Store) Put(_ context.Context, b seqvault.Blob) (seqvault.Ref, bool, error) {
	var (
		ref  = b.Ref()
		path = s.blobpath(ref)
		dir  = filepath.Dir(path)
	)

	if _, err := os.Stat(path); err == nil {
		return ref, false, nil
	}

	err := os.MkdirAll(dir, 0755)
	if err != nil {
		return ref, false, errors.Wrapf(err, "ensuring path %s exists", dir)
	}

	tmp, err := os.CreateTemp(dir, "tmp-*")
	if err != nil {
		return ref, false, errors.Wrapf(err, "creating temp file in %s", dir)
	}
	tmpname := tmp.Name()
	defer os.Remove(tmpname)

	_, err = tmp.Write(b)
	if err != nil {
		tmp.Close()
		return ref, false, errors.Wrapf(err, "writing data to %s", tmpname)
	}
	err = tmp.Close()
	if err != nil {
		return ref, false, errors.Wrapf(err, "closing %s", tmpname)
	}

	err = os.Link(tmpname, path)
	if os.IsExist(err) {
		return ref, false, nil
	}
	if err != nil {
		return ref, false, errors.Wrapf(err, "linking %s", path)
	}

	return ref, true, nil
}

// Delete removes a blob.
func (s *Store) Delete(_ context.Context, ref seqvault.Ref) error {
	err := os.Remove(s.blobpath(ref))
	if os.IsNotExist(err) {
		return nil
	}
	return errors.Wrapf(err, "removing blob %s", ref)
}

// ListRefs produces all blob refs in the store, in lexicographic order.
func (s *Store) ListRefs(ctx context.Context, start seqvault.Ref, f func(seqvault.Ref) error) error {
	err := os.MkdirAll(s.blobroot(), 0755)
	if err != nil {
		return errors.Wrapf(err, "ensuring %s exists", s.blobroot())
	}

	topLevel, err := os.ReadDir(s.blobroot())
	if err != nil {
		return errors.Wrapf(err, "reading dir %s", s.blobroot())
	}

	startHex := start.String()
	topIndex := sort.Search(len(topLevel), func(n int) bool {
		return topLevel[n].Name() >= startHex[:2]
	})
	for i := topIndex; i < len(topLevel); i++ {
		topInfo := topLevel[i]
		if !topInfo.IsDir() {
			continue
		}
		topName := topInfo.Name()
		if len(topName) != 2 {
			continue
		}
		if _, err = strconv.ParseInt(topName, 16, 64); err != nil {
			continue
		}

		midLevel, err := os.ReadDir(filepath.Join(s.blobroot(), topName))
		if err != nil {
			return errors.Wrapf(err, "reading dir %s/%s", s.blobroot(), topName)
		}
		midIndex := sort.Search(len(midLevel), func(n int) bool {
			return midLevel[n].Name() >= startHex[:4]
		})
		for j := midIndex; j < len(midLevel); j++ {
			midInfo := midLevel[j]
			if !midInfo.IsDir() {
				continue
			}
			midName := midInfo.Name()
			if len(midName) != 4 {
				continue
			}
			if _, err = strconv.ParseInt(midName, 16, 64); err != nil {
				continue
			}

			blobInfos, err := os.ReadDir(filepath.Join(s.blobroot(), topName, midName))
			if err != nil {
				return errors.Wrapf(err, "reading dir %s/%s/%s", s.blobroot(), topName, midName)
			}

			index := sort.Search(len(blobInfos), func(n int) bool {
				return blobInfos[n].Name() > startHex
			})
			for k := index; k < len(blobInfos); k++ {
				blobInfo := blobInfos[k]
				if blobInfo.IsDir() {
					continue
				}

				ref, err := seqvault.RefFromHex(blobInfo.Name())
				if err != nil {
					continue
				}

				if err = ctx.Err(); err != nil {
					return err
				}
				err = f(ref)
				if err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// PutAnchor appends a ref to the named anchor's log.
func (s *Store) PutAnchor(_ context.Context, name string, ref seqvault.Ref, at time.Time) error {
	path := s.anchorpath(name)
	err := os.MkdirAll(filepath.Dir(path), 0755)
	if err != nil {
		return errors.Wrapf(err, "ensuring dir for %s exists", path)
	}

	err = s.flocker.Lock(path)
	if err != nil {
		return errors.Wrapf(err, "locking %s", path)
	}
	defer s.flocker.Unlock(path)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return errors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()

	_, err = fmt.Fprintf(f, "%s %s\n", seqvault.TimeString(at), ref)
	return errors.Wrapf(err, "appending to %s", path)
}

func (s *Store) readAnchor(name string) ([]seqvault.TimeRef, error) {
	path := s.anchorpath(name)

	err := s.flocker.Lock(path)
	if err != nil {
		return nil, errors.Wrapf(err, "locking %s", path)
	}
	defer s.flocker.Unlock(path)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}

	var result []seqvault.TimeRef
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) != 2 {
			continue
		}
		at, err := seqvault.ParseTimeString(fields[0])
		if err != nil {
			return nil, errors.Wrapf(err, "parsing time in %s", path)
		}
		ref, err := seqvault.RefFromHex(fields[1])
		if err != nil {
			return nil, errors.Wrapf(err, "parsing ref in %s", path)
		}
		result = append(result, seqvault.TimeRef{T: at, R: ref})
	}
	seqvault.SortTimeRefs(result)
	return result, errors.Wrapf(sc.Err(), "scanning %s", path)
}

// GetAnchor implements seqvault.AnchorGetter.
func (s *Store) GetAnchor(_ context.Context, name string, at time.Time) (seqvault.Ref, error) {
	trs, err := s.readAnchor(name)
	if err != nil {
		return seqvault.Zero, err
	}
	return seqvault.FindAnchor(trs, at)
}

// ListAnchors implements seqvault.AnchorGetter.
func (s *Store) ListAnchors(_ context.Context, name string, f func(seqvault.TimeRef) error) error {
	trs, err := s.readAnchor(name)
	if err != nil {
		return err
	}
	for _, tr := range trs {
		if err := f(tr); err != nil {
			return err
		}
	}
	return nil
}

func init() {
	store.Register("file", func(_ context.Context, conf map[string]interface{}) (seqvault.AnchorStore, error) {
		root, ok := conf["root"].(string)
		if !ok {
			return nil, errors.New(`missing "root" parameter`)
		}
		return New(root), nil
	})
}
