// Package temporal answers point-in-time queries over a database's manifests
// along two axes: sequence time and taxonomy time.
package temporal

import (
	"context"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	"github.com/bobg/seqvault"
	"github.com/bobg/seqvault/manifest"
)

var (
	// ErrOutOfOrder is returned by Add for a manifest
	// whose sequence time precedes the latest one's.
	ErrOutOfOrder = errors.New("manifest out of temporal order")

	// ErrConflict is returned by Add for a version already present with a different etag.
	ErrConflict = errors.New("conflicting manifest version")
)

// DefaultCacheSize is the snapshot cache size used when none is given.
const DefaultCacheSize = 256

// Index is an append-only, time-ordered set of manifests of one database.
// It is safe for concurrent use.
type Index struct {
	mu       sync.RWMutex
	versions []*manifest.Manifest // by version, and so by sequence time

	cache *lru.Cache // key -> *Snapshot
}

type key struct {
	seq, tax time.Time
}

// New produces an empty Index caching up to cacheSize snapshots.
func New(cacheSize int) (*Index, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	c, err := lru.New(cacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "creating snapshot cache")
	}
	return &Index{cache: c}, nil
}

// Load produces an Index holding every committed manifest of db in log.
func Load(ctx context.Context, log *manifest.Log, db string, cacheSize int) (*Index, error) {
	idx, err := New(cacheSize)
	if err != nil {
		return nil, err
	}
	err = log.List(ctx, db, func(m *manifest.Manifest) error {
		return idx.Add(m)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "loading manifests of %s", db)
	}
	return idx, nil
}

// Add appends a manifest.
// Its version must exceed every other's
// and its sequence time must not precede theirs.
// Adding a version already present, with the same etag, is a no-op.
func (x *Index) Add(m *manifest.Manifest) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if n := len(x.versions); n > 0 {
		last := x.versions[n-1]
		if m.Version <= last.Version {
			i := sort.Search(n, func(i int) bool { return x.versions[i].Version >= m.Version })
			if i < n && x.versions[i].Version == m.Version && x.versions[i].ETag == m.ETag {
				return nil
			}
			return errors.Wrapf(ErrConflict, "version %d (latest is %d)", m.Version, last.Version)
		}
		if m.SequenceTime.Before(last.SequenceTime) {
			return errors.Wrapf(ErrOutOfOrder, "version %d sequence time %s precedes %s", m.Version, m.SequenceTime, last.SequenceTime)
		}
	}
	x.versions = append(x.versions, m)
	return nil
}

// Len is the number of manifests.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.versions)
}

// Versions lists the manifests in version order.
func (x *Index) Versions() []*manifest.Manifest {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return append([]*manifest.Manifest{}, x.versions...)
}

// Latest is the newest manifest, or nil if there are none.
func (x *Index) Latest() *manifest.Manifest {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if len(x.versions) == 0 {
		return nil
	}
	return x.versions[len(x.versions)-1]
}

// QueryAt selects the manifest describing the database
// as of sequence time seqTime and taxonomy time taxTime.
//
// That is the latest manifest whose sequence time is not after seqTime.
// If several share that sequence time,
// the one with the latest taxonomy time not after taxTime is chosen,
// or if none qualifies the one with the earliest taxonomy time.
// Chunk taxa are as they were when each chunk was built.
//
// It returns seqvault.ErrNotFound if every manifest is later than seqTime.
func (x *Index) QueryAt(seqTime, taxTime time.Time) (*Snapshot, error) {
	k := key{seq: seqTime.UTC().Round(0), tax: taxTime.UTC().Round(0)}
	if got, ok := x.cache.Get(k); ok {
		cacheHits.Inc()
		return got.(*Snapshot), nil
	}
	cacheMisses.Inc()

	x.mu.RLock()
	defer x.mu.RUnlock()

	n := sort.Search(len(x.versions), func(i int) bool {
		return x.versions[i].SequenceTime.After(seqTime)
	})
	if n == 0 {
		return nil, errors.Wrapf(seqvault.ErrNotFound, "no manifest at sequence time %s", seqTime)
	}

	st := x.versions[n-1].SequenceTime
	var best, earliest *manifest.Manifest
	for i := n - 1; i >= 0 && x.versions[i].SequenceTime.Equal(st); i-- {
		m := x.versions[i]
		if !m.TaxonomyTime.After(taxTime) && (best == nil || m.TaxonomyTime.After(best.TaxonomyTime)) {
			best = m
		}
		if earliest == nil || !m.TaxonomyTime.After(earliest.TaxonomyTime) {
			earliest = m
		}
	}
	if best == nil {
		best = earliest
	}

	snap := &Snapshot{Manifest: best, SequenceTime: k.seq, TaxonomyTime: k.tax}

	// A later Add cannot change the answer
	// once seqTime precedes the latest sequence time.
	if seqTime.Before(x.versions[len(x.versions)-1].SequenceTime) {
		x.cache.Add(k, snap)
	}
	return snap, nil
}

// DiffBetween compares the snapshots at two time coordinates.
func (x *Index) DiffBetween(seqFrom, taxFrom, seqTo, taxTo time.Time) (manifest.Changes, error) {
	from, err := x.QueryAt(seqFrom, taxFrom)
	if err != nil && !errors.Is(err, seqvault.ErrNotFound) {
		return manifest.Changes{}, err
	}
	to, err := x.QueryAt(seqTo, taxTo)
	if err != nil && !errors.Is(err, seqvault.ErrNotFound) {
		return manifest.Changes{}, err
	}
	return manifest.Diff(from.orNil(), to.orNil()), nil
}

// ClearCache empties the snapshot cache.
func (x *Index) ClearCache() {
	x.cache.Purge()
}

// CacheLen is the number of cached snapshots.
func (x *Index) CacheLen() int {
	return x.cache.Len()
}

// Snapshot is the answer to a point-in-time query.
type Snapshot struct {
	Manifest *manifest.Manifest

	// The requested coordinates.
	SequenceTime time.Time
	TaxonomyTime time.Time
}

func (s *Snapshot) orNil() *manifest.Manifest {
	if s == nil {
		return nil
	}
	return s.Manifest
}

// ChunksForTaxon lists the chunk index entries containing taxon.
func (s *Snapshot) ChunksForTaxon(taxon seqvault.TaxonID) []manifest.Entry {
	var out []manifest.Entry
	for _, e := range s.Manifest.Chunks {
		if e.HasTaxon(taxon) {
			out = append(out, e)
		}
	}
	return out
}

// Taxa lists the distinct taxa of the snapshot in increasing order.
func (s *Snapshot) Taxa() []seqvault.TaxonID {
	seen := make(map[seqvault.TaxonID]bool)
	var out []seqvault.TaxonID
	for _, e := range s.Manifest.Chunks {
		for _, t := range e.Taxa {
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
