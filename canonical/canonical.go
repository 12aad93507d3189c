// Package canonical is the deduplicating store of sequence content.
//
// Each unique sequence is stored once, under the SHA-256 hash of its bytes.
// Every ingestion event, including one that finds the content already present,
// appends a Representation recording the header and source it came from.
package canonical

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/bobg/seqvault"
)

// Store is the canonical sequence store.
// It is safe for concurrent use.
type Store struct {
	seqs seqvault.Store       // full sequence bytes
	meta seqvault.AnchorStore // representations, deltas, and their anchors

	known  *xsync.MapOf[seqvault.Ref, struct{}]
	shards [256]sync.Mutex

	logger *zap.Logger
	now    func() time.Time

	newSeqs, dupSeqs, deltaSeqs, reps atomic.Int64
	bytesStored, bytesDeduped         atomic.Int64
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock sets the source of ingestion timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New produces a Store keeping sequence bytes in seqs
// and everything else in meta.
// The two may be the same store.
func New(seqs seqvault.Store, meta seqvault.AnchorStore, opts ...Option) *Store {
	s := &Store{
		seqs:   seqs,
		meta:   meta,
		known:  xsync.NewMapOf[seqvault.Ref, struct{}](),
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("canonical")
	return s
}

// Meta is the store holding representations and deltas.
func (s *Store) Meta() seqvault.AnchorStore {
	return s.meta
}

// Seqs is the store holding full sequence bytes.
func (s *Store) Seqs() seqvault.Store {
	return s.seqs
}

// Store adds seq to the store if it is not already present,
// and records a representation of it in any case.
// The boolean result tells whether the content was new.
func (s *Store) Store(ctx context.Context, seq []byte, header, source string) (seqvault.Ref, bool, error) {
	ref := seqvault.Blob(seq).Ref()
	isNew, err := s.putIfAbsent(ctx, ref, func() error {
		_, _, err := s.seqs.Put(ctx, seq)
		return err
	})
	if err != nil {
		return ref, false, err
	}
	s.count(isNew, false, len(seq))

	if err := s.addRepresentation(ctx, ref, header, source); err != nil {
		return ref, isNew, err
	}
	return ref, isNew, nil
}

// PutVerified stores seq under ref without recording a representation.
// It is for content copied from another store.
// Bytes that do not hash to ref are rejected with a *seqvault.HashMismatchError.
func (s *Store) PutVerified(ctx context.Context, ref seqvault.Ref, seq []byte) (bool, error) {
	if err := seqvault.CheckHash(ref, seq); err != nil {
		return false, err
	}
	isNew, err := s.putIfAbsent(ctx, ref, func() error {
		_, _, err := s.seqs.Put(ctx, seq)
		return err
	})
	if err != nil {
		return false, err
	}
	s.count(isNew, false, len(seq))
	return isNew, nil
}

func (s *Store) count(isNew, isDelta bool, size int) {
	switch {
	case isNew && isDelta:
		s.newSeqs.Add(1)
		s.deltaSeqs.Add(1)
		seqsStored.WithLabelValues("delta").Inc()
	case isNew:
		s.newSeqs.Add(1)
		s.bytesStored.Add(int64(size))
		seqsStored.WithLabelValues("full").Inc()
		bytesStored.Add(float64(size))
	default:
		s.dupSeqs.Add(1)
		s.bytesDeduped.Add(int64(size))
		duplicates.Inc()
	}
}

// putIfAbsent runs put unless ref is already present.
// The check and the put are atomic with respect to other callers
// for the same ref, but only serialize callers within one shard of the ref space.
func (s *Store) putIfAbsent(ctx context.Context, ref seqvault.Ref, put func() error) (bool, error) {
	if _, ok := s.known.Load(ref); ok {
		return false, nil
	}

	mu := &s.shards[ref[0]]
	mu.Lock()
	defer mu.Unlock()

	has, err := s.has(ctx, ref)
	if err != nil {
		return false, err
	}
	if has {
		s.known.Store(ref, struct{}{})
		return false, nil
	}
	if err := put(); err != nil {
		return false, seqvault.StorageErr("put", ref, err)
	}
	s.known.Store(ref, struct{}{})
	return true, nil
}

// Has tells whether the content with hash ref is stored,
// in full or as a delta.
func (s *Store) Has(ctx context.Context, ref seqvault.Ref) (bool, error) {
	if _, ok := s.known.Load(ref); ok {
		return true, nil
	}
	has, err := s.has(ctx, ref)
	if err != nil {
		return false, err
	}
	if has {
		s.known.Store(ref, struct{}{})
	}
	return has, nil
}

func (s *Store) has(ctx context.Context, ref seqvault.Ref) (bool, error) {
	has, err := s.seqs.Has(ctx, ref)
	if err != nil {
		return false, seqvault.StorageErr("has", ref, err)
	}
	if has {
		return true, nil
	}
	_, err = s.meta.GetAnchor(ctx, deltaAnchor(ref), seqvault.EndOfTime)
	if errors.Is(err, seqvault.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, seqvault.StorageErr("has", ref, err)
	}
	return true, nil
}

// ForgetKnown empties the cache of refs known to be present.
// It must be called if blobs are removed from the underlying stores
// other than through s.
func (s *Store) ForgetKnown() {
	s.known.Clear()
}

// HasFull tells whether the full bytes of ref are stored
// (as opposed to a delta).
func (s *Store) HasFull(ctx context.Context, ref seqvault.Ref) (bool, error) {
	has, err := s.seqs.Has(ctx, ref)
	return has, seqvault.StorageErr("has", ref, err)
}

// Get gets the bytes of the sequence with hash ref,
// reconstructing it from a delta if necessary.
func (s *Store) Get(ctx context.Context, ref seqvault.Ref) ([]byte, error) {
	return s.get(ctx, ref, 0)
}

func (s *Store) get(ctx context.Context, ref seqvault.Ref, depth int) ([]byte, error) {
	b, err := s.seqs.Get(ctx, ref)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, seqvault.ErrNotFound) {
		return nil, seqvault.StorageErr("get", ref, err)
	}
	return s.getDelta(ctx, ref, depth)
}

// Representation records one ingestion of a sequence.
type Representation struct {
	Ref        seqvault.Ref `json:"canonical_hash"`
	Source     string       `json:"source_database"`
	Header     string       `json:"original_header"`
	Accessions []string     `json:"accessions,omitempty"`
	Ingested   time.Time    `json:"ingestion_timestamp"`
}

func repAnchor(ref seqvault.Ref) string {
	return "rep/" + ref.String()
}

func (s *Store) addRepresentation(ctx context.Context, ref seqvault.Ref, header, source string) error {
	rep := Representation{
		Ref:        ref,
		Source:     source,
		Header:     header,
		Accessions: ParseAccessions(header),
		Ingested:   s.now().UTC(),
	}
	j, err := json.Marshal(rep)
	if err != nil {
		return errors.Wrap(err, "marshaling representation")
	}
	repRef, _, err := s.meta.Put(ctx, j)
	if err != nil {
		return seqvault.StorageErr("put representation", ref, err)
	}
	if err := s.meta.PutAnchor(ctx, repAnchor(ref), repRef, rep.Ingested); err != nil {
		return seqvault.StorageErr("put representation anchor", ref, err)
	}
	s.reps.Add(1)
	representations.Inc()
	return nil
}

// Representations lists the representations of ref in ingestion order.
func (s *Store) Representations(ctx context.Context, ref seqvault.Ref) ([]Representation, error) {
	var reps []Representation
	err := s.EachRepresentationRef(ctx, ref, func(repRef seqvault.Ref) error {
		b, err := s.meta.Get(ctx, repRef)
		if err != nil {
			return seqvault.StorageErr("get representation", repRef, err)
		}
		var rep Representation
		if err := json.Unmarshal(b, &rep); err != nil {
			return errors.Wrapf(err, "unmarshaling representation %s", repRef)
		}
		reps = append(reps, rep)
		return nil
	})
	return reps, err
}

// EachRepresentationRef calls f with the ref of each representation blob of ref.
func (s *Store) EachRepresentationRef(ctx context.Context, ref seqvault.Ref, f func(seqvault.Ref) error) error {
	return s.meta.ListAnchors(ctx, repAnchor(ref), func(tr seqvault.TimeRef) error {
		return f(tr.R)
	})
}

// Stats are running totals for one Store.
type Stats struct {
	NewSequences       int64 `json:"new_sequences"`
	DuplicateSequences int64 `json:"duplicate_sequences"`
	DeltaSequences     int64 `json:"delta_sequences"`
	Representations    int64 `json:"representations"`
	BytesStored        int64 `json:"bytes_stored"`
	BytesDeduplicated  int64 `json:"bytes_deduplicated"`
}

// Stats reports the store's running totals.
func (s *Store) Stats() Stats {
	return Stats{
		NewSequences:       s.newSeqs.Load(),
		DuplicateSequences: s.dupSeqs.Load(),
		DeltaSequences:     s.deltaSeqs.Load(),
		Representations:    s.reps.Load(),
		BytesStored:        s.bytesStored.Load(),
		BytesDeduplicated:  s.bytesDeduped.Load(),
	}
}
