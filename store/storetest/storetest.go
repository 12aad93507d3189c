// Package storetest holds conformance tests shared by the store backends.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/bobg/seqvault"
)

// ReadWrite permits testing a Store implementation
// by writing some blobs to it,
// then reading them back out to make sure they're the same.
func ReadWrite(ctx context.Context, t *testing.T, s seqvault.Store) {
	blobs := []seqvault.Blob{
		seqvault.Blob("MKTAYIAKQRQISFVKSHFSRQ"),
		seqvault.Blob("ACGTACGTTTGACCA"),
		seqvault.Blob(""),
		seqvault.Blob("MVLSPADKTNVKAAWGKVGAHAGEYGAEALERMFLSFPTTKTYFPHF"),
	}

	var refs []seqvault.Ref
	for i, b := range blobs {
		ref, added, err := s.Put(ctx, b)
		if err != nil {
			t.Fatal(err)
		}
		if !added {
			t.Errorf("blob %d: not added on first put", i)
		}
		if ref != b.Ref() {
			t.Errorf("blob %d: got ref %s, want %s", i, ref, b.Ref())
		}
		refs = append(refs, ref)

		_, added, err = s.Put(ctx, b)
		if err != nil {
			t.Fatal(err)
		}
		if added {
			t.Errorf("blob %d: added on second put", i)
		}
	}

	for i, ref := range refs {
		got, err := s.Get(ctx, ref)
		if err != nil {
			t.Fatalf("getting blob %d: %s", i, err)
		}
		if string(got) != string(blobs[i]) {
			t.Errorf("blob %d: got %q, want %q", i, got, blobs[i])
		}
		has, err := s.Has(ctx, ref)
		if err != nil {
			t.Fatal(err)
		}
		if !has {
			t.Errorf("blob %d: Has is false", i)
		}
	}

	missing := seqvault.Blob("not stored").Ref()
	if _, err := s.Get(ctx, missing); !errors.Is(err, seqvault.ErrNotFound) {
		t.Errorf("got error %v for missing blob, want ErrNotFound", err)
	}
	has, err := s.Has(ctx, missing)
	if err != nil {
		t.Fatal(err)
	}
	if has {
		t.Error("Has is true for missing blob")
	}

	var listed []seqvault.Ref
	err = s.ListRefs(ctx, seqvault.Zero, func(ref seqvault.Ref) error {
		listed = append(listed, ref)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i < len(listed); i++ {
		if !listed[i-1].Less(listed[i]) {
			t.Errorf("ListRefs out of order at %d", i)
		}
	}
	for _, ref := range refs {
		var found bool
		for _, l := range listed {
			if l == ref {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("ref %s not listed", ref)
		}
	}

	if len(listed) > 1 {
		var rest []seqvault.Ref
		err = s.ListRefs(ctx, listed[0], func(ref seqvault.Ref) error {
			rest = append(rest, ref)
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(listed[1:], rest); diff != "" {
			t.Errorf("ListRefs after first ref mismatch (-want +got):\n%s", diff)
		}
	}
}

// ConcurrentPut checks that racing Puts of the same content
// converge to one stored copy with exactly one writer reporting added.
func ConcurrentPut(ctx context.Context, t *testing.T, s seqvault.Store) {
	const (
		writers = 16
		blobs   = 8
	)

	var (
		wg    sync.WaitGroup
		added [blobs]int32
		errs  = make(chan error, writers)
	)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < blobs; i++ {
				_, a, err := s.Put(ctx, seqvault.Blob(fmt.Sprintf("GATTACA-%d", i)))
				if err != nil {
					errs <- err
					return
				}
				if a {
					atomic.AddInt32(&added[i], 1)
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
	for i, n := range added {
		if n != 1 {
			t.Errorf("blob %d: %d writers reported added, want 1", i, n)
		}
	}
}

// Anchors tests the anchor half of an AnchorStore.
func Anchors(ctx context.Context, t *testing.T, s seqvault.AnchorStore) {
	var (
		a1 = "anchor1"
		a2 = "anchor2"
		a3 = "anchor3"

		r1a = seqvault.Ref{0x1a}
		r1b = seqvault.Ref{0x1b}
		r2  = seqvault.Ref{0x2}

		t1 = time.Date(1977, 8, 5, 12, 0, 0, 0, time.FixedZone("UTC-4", -4*60*60))
		t2 = t1.Add(time.Hour)
	)

	// Inserted out of order on purpose.
	err := s.PutAnchor(ctx, a1, r1b, t2)
	if err != nil {
		t.Fatal(err)
	}
	err = s.PutAnchor(ctx, a1, r1a, t1)
	if err != nil {
		t.Fatal(err)
	}
	err = s.PutAnchor(ctx, a2, r2, t1)
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		a       string
		tm      time.Time
		want    seqvault.Ref
		wantErr error
	}{
		{a: a1, tm: t1, want: r1a},
		{a: a1, tm: t1.Add(time.Minute), want: r1a},
		{a: a1, tm: t2, want: r1b},
		{a: a1, tm: t2.Add(time.Minute), want: r1b},
		{a: a1, tm: t1.Add(-time.Minute), wantErr: seqvault.ErrNotFound},
		{a: a1, tm: t2.Add(-time.Minute), want: r1a},
		{a: a1, tm: seqvault.EndOfTime, want: r1b},

		{a: a2, tm: t1, want: r2},
		{a: a2, tm: t1.Add(time.Minute), want: r2},
		{a: a2, tm: t1.Add(-time.Minute), wantErr: seqvault.ErrNotFound},

		{a: a3, tm: t2, wantErr: seqvault.ErrNotFound},
	}

	for i, c := range cases {
		t.Run(fmt.Sprintf("case_%02d", i+1), func(t *testing.T) {
			got, err := s.GetAnchor(ctx, c.a, c.tm)
			if c.wantErr != nil {
				if !errors.Is(err, c.wantErr) {
					t.Fatalf("got error %v, want %v", err, c.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != c.want {
				t.Fatalf("got %s, want %s", got, c.want)
			}
		})
	}

	var listed []seqvault.Ref
	err = s.ListAnchors(ctx, a1, func(tr seqvault.TimeRef) error {
		listed = append(listed, tr.R)
		if !tr.T.Equal(t1) && !tr.T.Equal(t2) {
			t.Errorf("unexpected anchor time %s", tr.T)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]seqvault.Ref{r1a, r1b}, listed); diff != "" {
		t.Errorf("ListAnchors mismatch (-want +got):\n%s", diff)
	}
}

// Delete tests a store that can delete blobs.
func Delete(ctx context.Context, t *testing.T, s interface {
	seqvault.Store
	seqvault.Deleter
}) {
	ref, _, err := s.Put(ctx, seqvault.Blob("doomed"))
	if err != nil {
		t.Fatal(err)
	}
	err = s.Delete(ctx, ref)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, ref); !errors.Is(err, seqvault.ErrNotFound) {
		t.Errorf("got error %v after delete, want ErrNotFound", err)
	}
	_, added, err := s.Put(ctx, seqvault.Blob("doomed"))
	if err != nil {
		t.Fatal(err)
	}
	if !added {
		t.Error("re-put after delete not reported as added")
	}
}

// All runs every conformance test against a store.
func All(ctx context.Context, t *testing.T, s interface {
	seqvault.AnchorStore
	seqvault.Deleter
}) {
	t.Run("readwrite", func(t *testing.T) { ReadWrite(ctx, t, s) })
	t.Run("concurrent", func(t *testing.T) { ConcurrentPut(ctx, t, s) })
	t.Run("anchors", func(t *testing.T) { Anchors(ctx, t, s) })
	t.Run("delete", func(t *testing.T) { Delete(ctx, t, s) })
}

// Closer wraps a store and counts calls to Close.
type Closer struct {
	seqvault.AnchorStore
	Closed int
}

func (c *Closer) Close() error {
	c.Closed++
	return nil
}
