package lru

import (
	"context"
	"testing"

	"github.com/bobg/seqvault"
	"github.com/bobg/seqvault/store"
	"github.com/bobg/seqvault/store/mem"
	"github.com/bobg/seqvault/store/storetest"
)

func TestStore(t *testing.T) {
	s, err := New(mem.New(), 1000)
	if err != nil {
		t.Fatal(err)
	}
	storetest.All(context.Background(), t, s)
}

func TestCacheHit(t *testing.T) {
	ctx := context.Background()
	nested := mem.New()
	s, err := New(nested, 2)
	if err != nil {
		t.Fatal(err)
	}

	ref, _, err := s.Put(ctx, seqvault.Blob("MKV"))
	if err != nil {
		t.Fatal(err)
	}

	// Remove from the nested store only; the cached copy still answers.
	if err := nested.Delete(ctx, ref); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(ctx, ref)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "MKV" {
		t.Errorf("got %q, want MKV", got)
	}
}

func TestRegistry(t *testing.T) {
	conf := map[string]interface{}{
		"type":   "lru",
		"size":   float64(10),
		"nested": map[string]interface{}{"type": "mem"},
	}
	s, err := store.FromConfig(context.Background(), conf)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*Store); !ok {
		t.Errorf("got %T, want *Store", s)
	}
}

func TestClose(t *testing.T) {
	nested := &storetest.Closer{AnchorStore: mem.New()}
	s, err := New(nested, 2)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if nested.Closed != 1 {
		t.Errorf("nested store closed %d times, want 1", nested.Closed)
	}

	// A nested store without Close is fine.
	s, err = New(mem.New(), 2)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
}
