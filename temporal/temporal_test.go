package temporal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/bobg/seqvault"
	"github.com/bobg/seqvault/manifest"
	"github.com/bobg/seqvault/store/mem"
)

var (
	jan = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	feb = time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	mar = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
)

func entry(s string, taxa ...seqvault.TaxonID) manifest.Entry {
	return manifest.Entry{Ref: seqvault.Blob(s).Ref(), Taxa: taxa, Count: 1, Size: int64(len(s))}
}

// history builds:
//
//	v1 seq=jan tax=jan [A]
//	v2 seq=feb tax=jan [A B]
//	v3 seq=feb tax=feb [A B'] (B reclassified)
//	v4 seq=mar tax=feb [A B' C]
func history() []*manifest.Manifest {
	var (
		a  = entry("A", 562)
		b  = entry("B", 9606)
		b2 = entry("B2", 9605)
		c  = entry("C", 562, 10090)
	)
	v1 := manifest.Create(manifest.Params{Database: "db", Chunks: []manifest.Entry{a}, SequenceTime: jan, TaxonomyTime: jan})
	v2 := manifest.Create(manifest.Params{Database: "db", Chunks: []manifest.Entry{a, b}, SequenceTime: feb, TaxonomyTime: jan, Previous: v1})
	v3 := manifest.Create(manifest.Params{Database: "db", Chunks: []manifest.Entry{a, b2}, SequenceTime: feb, TaxonomyTime: feb, Previous: v2})
	v4 := manifest.Create(manifest.Params{Database: "db", Chunks: []manifest.Entry{a, b2, c}, SequenceTime: mar, TaxonomyTime: feb, Previous: v3})
	return []*manifest.Manifest{v1, v2, v3, v4}
}

func newIndex(t *testing.T) *Index {
	t.Helper()
	x, err := New(0)
	require.NoError(t, err)
	for _, m := range history() {
		require.NoError(t, x.Add(m))
	}
	return x
}

func TestQueryAt(t *testing.T) {
	x := newIndex(t)
	day := 24 * time.Hour

	cases := []struct {
		name     string
		seq, tax time.Time
		want     uint64
	}{
		{"exact first", jan, jan, 1},
		{"between", jan.Add(day), jan.Add(day), 1},
		{"feb old taxonomy", feb, jan, 2},
		{"feb new taxonomy", feb, feb, 3},
		{"feb later taxonomy", feb.Add(day), mar, 3},
		{"feb taxonomy before both", feb, jan.Add(-day), 2},
		{"latest", mar, mar, 4},
		{"future", mar.Add(365 * day), mar, 4},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			snap, err := x.QueryAt(tc.seq, tc.tax)
			require.NoError(t, err)
			assert.Equal(t, tc.want, snap.Manifest.Version)
		})
	}

	_, err := x.QueryAt(jan.Add(-day), mar)
	assert.ErrorIs(t, err, seqvault.ErrNotFound)
}

func TestCache(t *testing.T) {
	x := newIndex(t)

	s1, err := x.QueryAt(feb, feb)
	require.NoError(t, err)
	assert.Equal(t, 1, x.CacheLen())

	s2, err := x.QueryAt(feb, feb)
	require.NoError(t, err)
	assert.Same(t, s1, s2)

	// Not cached: a later manifest could still change the answer.
	_, err = x.QueryAt(mar, mar)
	require.NoError(t, err)
	assert.Equal(t, 1, x.CacheLen())

	v5 := manifest.Create(manifest.Params{Database: "db", Chunks: []manifest.Entry{entry("D", 1)}, SequenceTime: mar, TaxonomyTime: mar, Previous: x.Latest()})
	require.NoError(t, x.Add(v5))

	snap, err := x.QueryAt(mar, mar)
	require.NoError(t, err)
	assert.EqualValues(t, 5, snap.Manifest.Version)

	// Cached answers are unaffected by appends.
	s3, err := x.QueryAt(feb, feb)
	require.NoError(t, err)
	assert.Same(t, s1, s3)

	x.ClearCache()
	assert.Zero(t, x.CacheLen())
}

func TestAdd(t *testing.T) {
	x := newIndex(t)
	h := history()

	require.NoError(t, x.Add(h[1]))
	assert.Equal(t, 4, x.Len())

	alt := manifest.Create(manifest.Params{Database: "db", Chunks: []manifest.Entry{entry("X", 1)}, SequenceTime: feb, TaxonomyTime: feb, Previous: h[0]})
	assert.ErrorIs(t, x.Add(alt), ErrConflict)

	back := manifest.Create(manifest.Params{Database: "db", SequenceTime: jan, TaxonomyTime: jan, Previous: h[3]})
	assert.ErrorIs(t, x.Add(back), ErrOutOfOrder)
}

func TestSnapshot(t *testing.T) {
	x := newIndex(t)

	snap, err := x.QueryAt(mar, mar)
	require.NoError(t, err)
	assert.Equal(t, []seqvault.TaxonID{562, 9605, 10090}, snap.Taxa())

	chunks := snap.ChunksForTaxon(562)
	require.Len(t, chunks, 2)
	assert.Equal(t, seqvault.Blob("A").Ref(), chunks[0].Ref)
	assert.Equal(t, seqvault.Blob("C").Ref(), chunks[1].Ref)

	// Taxa are frozen at chunk build time.
	old, err := x.QueryAt(feb, jan)
	require.NoError(t, err)
	assert.Equal(t, []seqvault.TaxonID{562, 9606}, old.Taxa())
	assert.Empty(t, old.ChunksForTaxon(9605))
}

func TestDiffBetween(t *testing.T) {
	x := newIndex(t)

	d, err := x.DiffBetween(feb, jan, feb, feb)
	require.NoError(t, err)
	require.Len(t, d.Added, 1)
	require.Len(t, d.Removed, 1)
	assert.Equal(t, seqvault.Blob("B2").Ref(), d.Added[0].Ref)
	assert.Equal(t, seqvault.Blob("B").Ref(), d.Removed[0].Ref)

	d, err = x.DiffBetween(jan.Add(-time.Hour), jan, jan, jan)
	require.NoError(t, err)
	assert.Len(t, d.Added, 1)

	d, err = x.DiffBetween(mar, mar, mar, mar)
	require.NoError(t, err)
	assert.True(t, d.Empty())
}

func TestLoad(t *testing.T) {
	ctx := context.Background()
	log := manifest.NewLog(mem.New(), nil)
	for _, m := range history() {
		require.NoError(t, log.Commit(ctx, "db", m))
	}

	x, err := Load(ctx, log, "db", 8)
	require.NoError(t, err)
	assert.Equal(t, 4, x.Len())

	var versions []uint64
	for _, m := range x.Versions() {
		versions = append(versions, m.Version)
	}
	assert.Equal(t, []uint64{1, 2, 3, 4}, versions)

	snap, err := x.QueryAt(feb, feb)
	require.NoError(t, err)
	assert.EqualValues(t, 3, snap.Manifest.Version)
}

func TestQueryMonotone(t *testing.T) {
	x := newIndex(t)
	rapid.Check(t, func(t *rapid.T) {
		d1 := time.Duration(rapid.Int64Range(0, int64(90*24*time.Hour)).Draw(t, "d1"))
		d2 := time.Duration(rapid.Int64Range(0, int64(90*24*time.Hour)).Draw(t, "d2"))
		tax := jan.Add(time.Duration(rapid.Int64Range(0, int64(90*24*time.Hour)).Draw(t, "tax")))
		if d2 < d1 {
			d1, d2 = d2, d1
		}
		s1, err1 := x.QueryAt(jan.Add(d1), tax)
		s2, err2 := x.QueryAt(jan.Add(d2), tax)
		if err1 != nil || err2 != nil {
			t.Fatalf("errors %v, %v", err1, err2)
		}
		if s1.Manifest.SequenceTime.After(s2.Manifest.SequenceTime) {
			t.Fatalf("later query time yielded earlier sequence time")
		}
		if s1.Manifest.SequenceTime.After(jan.Add(d1)) {
			t.Fatalf("snapshot sequence time %s after query time %s", s1.Manifest.SequenceTime, jan.Add(d1))
		}
	})
}
