package logging

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/bobg/seqvault"
	"github.com/bobg/seqvault/store/mem"
	"github.com/bobg/seqvault/store/storetest"
)

func TestStore(t *testing.T) {
	storetest.All(context.Background(), t, New(mem.New(), nil))
}

func TestLogs(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	s := New(mem.New(), zap.New(core))

	ctx := context.Background()
	ref, _, err := s.Put(ctx, seqvault.Blob("ACGT"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, seqvault.Blob("missing").Ref()); err == nil {
		t.Fatal("expected not-found error")
	}

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("got %d log entries, want 2", len(entries))
	}
	if entries[0].Message != "put" || entries[0].ContextMap()["ref"] != ref.String() {
		t.Errorf("unexpected first entry %+v", entries[0])
	}
	if entries[1].Level != zapcore.DebugLevel || entries[1].ContextMap()["not_found"] != true {
		t.Errorf("not-found get should log at debug, got %+v", entries[1])
	}
}

func TestClose(t *testing.T) {
	nested := &storetest.Closer{AnchorStore: mem.New()}
	if err := New(nested, nil).Close(); err != nil {
		t.Fatal(err)
	}
	if nested.Closed != 1 {
		t.Errorf("nested store closed %d times, want 1", nested.Closed)
	}
}
