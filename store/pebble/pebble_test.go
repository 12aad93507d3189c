package pebble

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bobg/seqvault/store/storetest"
)

func TestStore(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	storetest.All(context.Background(), t, s)
}

func TestCollector(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if _, _, err := s.Put(context.Background(), []byte("ACGT")); err != nil {
		t.Fatal(err)
	}

	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(s.Collector()); err != nil {
		t.Fatal(err)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	if len(families) != 7 {
		t.Errorf("got %d metric families, want 7", len(families))
	}
}
