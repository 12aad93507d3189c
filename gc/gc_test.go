package gc_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/bobg/seqvault"
	. "github.com/bobg/seqvault/gc"
	"github.com/bobg/seqvault/store/mem"
)

// Blobs in this test are either leaves or lists of 32-byte refs prefixed with "L".
func listEdges(_ context.Context, _ seqvault.Ref, b seqvault.Blob) ([]seqvault.Ref, error) {
	if len(b) == 0 || b[0] != 'L' {
		return nil, nil
	}
	var out []seqvault.Ref
	for b = b[1:]; len(b) >= 32; b = b[32:] {
		out = append(out, seqvault.RefFromBytes(b[:32]))
	}
	return out, nil
}

func list(refs ...seqvault.Ref) seqvault.Blob {
	b := seqvault.Blob("L")
	for _, r := range refs {
		b = append(b, r[:]...)
	}
	return b
}

func put(t *testing.T, s *mem.Store, b seqvault.Blob) seqvault.Ref {
	ref, _, err := s.Put(context.Background(), b)
	if err != nil {
		t.Fatal(err)
	}
	return ref
}

func TestGC(t *testing.T) {
	var (
		ctx = context.Background()
		s   = mem.New()
		a   = put(t, s, seqvault.Blob("MKTAYIAKQR"))
		b   = put(t, s, seqvault.Blob("MVLSPADKTN"))
		c   = put(t, s, seqvault.Blob("MSKGEELFTG"))
		l1  = put(t, s, list(a, b))
		l2  = put(t, s, list(l1))
		_   = put(t, s, list(c))
	)

	if err := s.PutAnchor(ctx, "root", l2, time.Now()); err != nil {
		t.Fatal(err)
	}

	k := NewMemKeep()
	if err := AddAnchor(ctx, k, s, "root", listEdges); err != nil {
		t.Fatal(err)
	}
	if k.Len() != 4 {
		t.Errorf("keep has %d refs, want 4", k.Len())
	}

	deleted, err := Run(ctx, s, k)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 2 {
		t.Errorf("deleted %d blobs, want 2", deleted)
	}

	var got []seqvault.Ref
	err = s.ListRefs(ctx, seqvault.Zero, func(ref seqvault.Ref) error {
		got = append(got, ref)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []seqvault.Ref{a, b, l1, l2}
	less := func(x, y seqvault.Ref) bool { return x.Less(y) }
	if diff := cmp.Diff(want, got, cmpopts.SortSlices(less)); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestAddMissing(t *testing.T) {
	ctx := context.Background()
	k := NewMemKeep()
	missing := seqvault.Blob("absent").Ref()
	if err := Add(ctx, k, mem.New(), missing, listEdges); err != nil {
		t.Fatal(err)
	}
	found, err := k.Contains(ctx, missing)
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Error("missing blob's ref should still be kept")
	}
}

func TestLimited(t *testing.T) {
	var (
		ctx = context.Background()
		s   = mem.New()
		a   = put(t, s, seqvault.Blob("MKTAYIAKQR"))
		b   = put(t, s, seqvault.Blob("MVLSPADKTN"))
		c   = put(t, s, seqvault.Blob("MSKGEELFTG"))
	)

	candidates := NewMemKeep()
	for _, ref := range []seqvault.Ref{a, b} {
		if _, err := candidates.Add(ctx, ref); err != nil {
			t.Fatal(err)
		}
	}
	k := Limited{Candidates: candidates, Keep: NewMemKeep()}
	if _, err := k.Add(ctx, b); err != nil {
		t.Fatal(err)
	}

	deleted, err := Run(ctx, s, k)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 1 {
		t.Errorf("deleted %d blobs, want 1", deleted)
	}

	for ref, want := range map[seqvault.Ref]bool{a: false, b: true, c: true} {
		has, err := s.Has(ctx, ref)
		if err != nil {
			t.Fatal(err)
		}
		if has != want {
			t.Errorf("Has(%s) = %v, want %v", ref, has, want)
		}
	}
}
