package manifest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/bobg/seqvault"
	"github.com/bobg/seqvault/merkle"
	"github.com/bobg/seqvault/store/mem"
)

func fixedClock() func() time.Time {
	var (
		mu sync.Mutex
		t  = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func entry(s string, taxa ...seqvault.TaxonID) Entry {
	return Entry{
		Ref:   seqvault.Blob(s).Ref(),
		Taxa:  taxa,
		Count: len(s),
		Size:  int64(10 * len(s)),
	}
}

var (
	t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	t1 = t0.Add(24 * time.Hour)
)

func TestCreate(t *testing.T) {
	a, b := entry("A", 562), entry("B", 9606)
	m1 := Create(Params{
		Database:     "uniprot",
		Chunks:       []Entry{a, b},
		SequenceTime: t0,
		TaxonomyTime: t0,
	})

	assert.EqualValues(t, 1, m1.Version)
	assert.EqualValues(t, 0, m1.Previous)
	assert.Equal(t, merkle.Root([]seqvault.Ref{a.Ref, b.Ref}), m1.SequenceRoot)
	assert.Len(t, m1.ETag, 64)
	require.NoError(t, m1.Check())

	m2 := Create(Params{
		Database:     "uniprot",
		Chunks:       []Entry{a},
		SequenceTime: t1,
		TaxonomyTime: t0,
		Previous:     m1,
	})
	assert.EqualValues(t, 2, m2.Version)
	assert.EqualValues(t, 1, m2.Previous)
	assert.Equal(t, m1.ETag, m2.PreviousETag)
	assert.NotEqual(t, m1.ETag, m2.ETag)
	assert.NotEqual(t, m1.SequenceRoot, m2.SequenceRoot)
	assert.Equal(t, 1, m2.Count())

	// Same inputs, same etag.
	again := Create(Params{
		Database:     "uniprot",
		Chunks:       []Entry{a, b},
		SequenceTime: t0,
		TaxonomyTime: t0,
	})
	assert.Equal(t, m1.ETag, again.ETag)

	// Taxonomy root depends on taxa.
	c := b
	c.Taxa = []seqvault.TaxonID{9605}
	other := Create(Params{
		Database:     "uniprot",
		Chunks:       []Entry{a, c},
		SequenceTime: t0,
		TaxonomyTime: t0,
	})
	assert.Equal(t, m1.SequenceRoot, other.SequenceRoot)
	assert.NotEqual(t, m1.TaxonomyRoot, other.TaxonomyRoot)
}

func TestCreateEmpty(t *testing.T) {
	m := Create(Params{Database: "empty", SequenceTime: t0, TaxonomyTime: t0})
	assert.Equal(t, seqvault.Zero, m.SequenceRoot)
	assert.Equal(t, seqvault.Zero, m.TaxonomyRoot)
	require.NoError(t, m.Check())
}

func TestParse(t *testing.T) {
	m := Create(Params{
		Database:        "uniprot",
		Chunks:          []Entry{entry("A", 562), entry("B", 562, 9606)},
		SequenceTime:    t0.Add(123 * time.Nanosecond),
		TaxonomyTime:    t1,
		TaxonomyVersion: "ncbi-2024-03",
	})
	j, err := m.Marshal()
	require.NoError(t, err)

	got, err := Parse(j)
	require.NoError(t, err)
	if diff := cmp.Diff(m, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	// The wire format carries the required field names.
	var raw map[string]any
	require.NoError(t, json.Unmarshal(j, &raw))
	for _, k := range []string{"version", "sequence_time", "taxonomy_time", "sequence_root", "taxonomy_root", "chunk_index", "etag", "previous_version"} {
		assert.Contains(t, raw, k)
	}
	idx := raw["chunk_index"].([]any)[0].(map[string]any)
	for _, k := range []string{"hash", "taxon_ids", "sequence_count", "size"} {
		assert.Contains(t, idx, k)
	}
}

func TestParseTampered(t *testing.T) {
	m := Create(Params{
		Database:     "uniprot",
		Chunks:       []Entry{entry("A", 562), entry("B", 9606)},
		SequenceTime: t0,
		TaxonomyTime: t0,
	})

	t.Run("chunk_index", func(t *testing.T) {
		bad := *m
		bad.Chunks = []Entry{m.Chunks[1], m.Chunks[0]}
		j, err := bad.Marshal()
		require.NoError(t, err)
		_, err = Parse(j)
		assert.ErrorIs(t, err, seqvault.ErrMerkleVerification)
	})

	t.Run("taxa", func(t *testing.T) {
		bad := *m
		bad.Chunks = []Entry{m.Chunks[0], entry("B", 9605)}
		j, err := bad.Marshal()
		require.NoError(t, err)
		_, err = Parse(j)
		assert.ErrorIs(t, err, seqvault.ErrMerkleVerification)
	})

	t.Run("times", func(t *testing.T) {
		bad := *m
		bad.SequenceTime = t1
		j, err := bad.Marshal()
		require.NoError(t, err)
		_, err = Parse(j)
		assert.ErrorIs(t, err, seqvault.ErrContentHashMismatch)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := Parse([]byte("{"))
		assert.Error(t, err)
	})
}

func TestDiff(t *testing.T) {
	a, b, c := entry("A", 1), entry("B", 2), entry("C", 3)
	v1 := Create(Params{Database: "db", Chunks: []Entry{a, b}, SequenceTime: t0, TaxonomyTime: t0})
	v2 := Create(Params{Database: "db", Chunks: []Entry{a, c}, SequenceTime: t1, TaxonomyTime: t0, Previous: v1})

	d := Diff(v1, v2)
	assert.Equal(t, []Entry{c}, d.Added)
	assert.Equal(t, []Entry{b}, d.Removed)
	assert.False(t, d.TaxonomyChanged)

	d = Diff(nil, v1)
	assert.Equal(t, []Entry{a, b}, d.Added)
	assert.Empty(t, d.Removed)
	assert.False(t, d.TaxonomyChanged)

	v3 := Create(Params{Database: "db", Chunks: []Entry{a, c}, SequenceTime: t1, TaxonomyTime: t1, TaxonomyVersion: "new", Previous: v2})
	d = Diff(v2, v3)
	assert.Empty(t, d.Added)
	assert.Empty(t, d.Removed)
	assert.True(t, d.TaxonomyChanged)

	// New taxa under the same taxonomy version are not a taxonomy change.
	d4 := entry("D", 4, 5)
	v4 := Create(Params{Database: "db", Chunks: []Entry{a, c, d4}, SequenceTime: t1, TaxonomyTime: t1, TaxonomyVersion: "new", Previous: v3})
	require.NotEqual(t, v3.TaxonomyRoot, v4.TaxonomyRoot)
	d = Diff(v3, v4)
	assert.Equal(t, []Entry{d4}, d.Added)
	assert.False(t, d.TaxonomyChanged)

	d = Diff(nil, v4)
	assert.True(t, d.TaxonomyChanged)
}

func TestDiffSelf(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		names := rapid.SliceOf(rapid.StringMatching(`[A-Z]{1,4}`)).Draw(t, "names")
		var entries []Entry
		for _, n := range names {
			entries = append(entries, entry(n, seqvault.TaxonID(len(n))))
		}
		m := Create(Params{Database: "db", Chunks: entries, SequenceTime: t0, TaxonomyTime: t0})
		if d := Diff(m, m); !d.Empty() {
			t.Fatalf("Diff(m, m) = %+v", d)
		}
	})
}

func TestDiffReproducesRemote(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		gen := rapid.SliceOf(rapid.StringMatching(`[A-F]{1,2}`))
		var local, remote []Entry
		for _, n := range gen.Draw(t, "local") {
			local = append(local, entry(n, 1))
		}
		for _, n := range gen.Draw(t, "remote") {
			remote = append(remote, entry(n, 1))
		}
		lm := Create(Params{Database: "db", Chunks: local})
		rm := Create(Params{Database: "db", Chunks: remote})
		d := Diff(lm, rm)

		set := make(map[seqvault.Ref]bool)
		for _, e := range local {
			set[e.Ref] = true
		}
		for _, e := range d.Removed {
			delete(set, e.Ref)
		}
		for _, e := range d.Added {
			set[e.Ref] = true
		}
		want := make(map[seqvault.Ref]bool)
		for _, e := range remote {
			want[e.Ref] = true
		}
		if diff := cmp.Diff(want, set); diff != "" {
			t.Fatalf("mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestLog(t *testing.T) {
	ctx := context.Background()
	l := NewLog(mem.New(), fixedClock())

	_, err := l.Head(ctx, "db")
	require.ErrorIs(t, err, seqvault.ErrNotFound)

	v1 := Create(Params{Database: "db", Chunks: []Entry{entry("A", 1)}, SequenceTime: t0, TaxonomyTime: t0})
	require.NoError(t, l.Commit(ctx, "db", v1))
	v2 := Create(Params{Database: "db", Chunks: []Entry{entry("A", 1), entry("B", 2)}, SequenceTime: t1, TaxonomyTime: t0, Previous: v1})
	require.NoError(t, l.Commit(ctx, "db", v2))

	head, err := l.Head(ctx, "db")
	require.NoError(t, err)
	assert.Equal(t, v2.ETag, head.ETag)

	got, err := l.Get(ctx, "db", 1)
	require.NoError(t, err)
	assert.Equal(t, v1.ETag, got.ETag)

	_, err = l.Get(ctx, "db", 3)
	assert.ErrorIs(t, err, seqvault.ErrNotFound)

	var versions []uint64
	require.NoError(t, l.List(ctx, "db", func(m *Manifest) error {
		versions = append(versions, m.Version)
		return nil
	}))
	assert.Equal(t, []uint64{1, 2}, versions)

	// Recommitting is a no-op.
	require.NoError(t, l.Commit(ctx, "db", v2))

	// A conflicting version 2.
	alt := Create(Params{Database: "db", Chunks: []Entry{entry("C", 3)}, SequenceTime: t1, TaxonomyTime: t0, Previous: v1})
	assert.ErrorIs(t, l.Commit(ctx, "db", alt), ErrOutOfOrder)

	// Sequence time going backwards.
	v3 := Create(Params{Database: "db", Chunks: []Entry{entry("C", 3)}, SequenceTime: t0, TaxonomyTime: t0, Previous: v2})
	assert.ErrorIs(t, l.Commit(ctx, "db", v3), ErrOutOfOrder)

	head, err = l.Head(ctx, "db")
	require.NoError(t, err)
	assert.EqualValues(t, 2, head.Version)

	other := Create(Params{Database: "other", SequenceTime: t0, TaxonomyTime: t0})
	require.NoError(t, l.Commit(ctx, "other", other))

	dbs, err := l.Databases(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"db", "other"}, dbs)
}
