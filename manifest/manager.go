package manifest

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/bobg/seqvault"
	"github.com/bobg/seqvault/canonical"
	"github.com/bobg/seqvault/chunk"
	"github.com/bobg/seqvault/delta"
)

// Manager maintains the manifest log of one database
// over a canonical store,
// whose metadata store also holds encoded chunks and the log itself.
// It is safe for concurrent use;
// operations that commit are serialized.
type Manager struct {
	db     string
	canon  *canonical.Store
	log    *Log
	chunks chunk.Config
	policy delta.Policy
	upd    UpdateOptions
	logger *zap.Logger
	now    func() time.Time

	mu sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithChunkConfig sets the chunker configuration used by Ingest.
func WithChunkConfig(c chunk.Config) Option {
	return func(m *Manager) { m.chunks = c }
}

// WithDeltaPolicy sets the delta policy used by Ingest.
// Delta encoding happens only if the policy is enabled.
func WithDeltaPolicy(p delta.Policy) Option {
	return func(m *Manager) { m.policy = p }
}

// WithUpdateOptions sets the options used by ApplyUpdate.
func WithUpdateOptions(o UpdateOptions) Option {
	return func(m *Manager) { m.upd = o }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock sets the source of default manifest times and log timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager produces a Manager for the database named db.
func NewManager(db string, canon *canonical.Store, opts ...Option) *Manager {
	m := &Manager{
		db:     db,
		canon:  canon,
		chunks: chunk.DefaultConfig,
		policy: delta.DefaultPolicy,
		upd:    DefaultUpdateOptions,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.upd = m.upd.withDefaults()
	m.logger = m.logger.Named("manifest").With(zap.String("db", db))
	m.log = NewLog(canon.Meta(), m.now)
	return m
}

// Database is the name of the managed database.
func (m *Manager) Database() string {
	return m.db
}

// Log is the manifest log.
func (m *Manager) Log() *Log {
	return m.log
}

// Canonical is the underlying canonical store.
func (m *Manager) Canonical() *canonical.Store {
	return m.canon
}

// Head returns the current manifest,
// or seqvault.ErrNotFound if nothing has been committed.
func (m *Manager) Head(ctx context.Context) (*Manifest, error) {
	return m.log.Head(ctx, m.db)
}

// Get returns the given version,
// or the head if version is zero.
func (m *Manager) Get(ctx context.Context, version uint64) (*Manifest, error) {
	if version == 0 {
		return m.Head(ctx)
	}
	return m.log.Get(ctx, m.db, version)
}

func (m *Manager) headOrNil(ctx context.Context) (*Manifest, error) {
	head, err := m.Head(ctx)
	if errors.Is(err, seqvault.ErrNotFound) {
		return nil, nil
	}
	return head, err
}

// IngestParams are the temporal coordinates and options of a new version.
type IngestParams struct {
	// SequenceTime and TaxonomyTime default to the current time.
	SequenceTime time.Time
	TaxonomyTime time.Time

	TaxonomyVersion string

	// Replace starts the chunk index afresh
	// instead of appending to the head's.
	Replace bool
}

func (m *Manager) params(p IngestParams, head *Manifest, entries []Entry) Params {
	now := m.now()
	if p.SequenceTime.IsZero() {
		p.SequenceTime = now
	}
	if p.TaxonomyTime.IsZero() {
		p.TaxonomyTime = now
	}
	if p.TaxonomyVersion == "" && head != nil {
		p.TaxonomyVersion = head.TaxonomyVersion
	}
	if !p.Replace && head != nil {
		entries = append(append([]Entry{}, head.Chunks...), entries...)
	}
	return Params{
		Database:        m.db,
		Chunks:          entries,
		SequenceTime:    p.SequenceTime,
		TaxonomyTime:    p.TaxonomyTime,
		TaxonomyVersion: p.TaxonomyVersion,
		Previous:        head,
	}
}

// Ingest chunks the records of src into the canonical store
// and commits a new version whose chunk index
// is the head's followed by the new chunks.
// If the delta policy is enabled,
// sequences are stored through a delta stage.
func (m *Manager) Ingest(ctx context.Context, src chunk.Source, p IngestParams) (*Manifest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	head, err := m.headOrNil(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "getting head")
	}

	opts := []chunk.Option{chunk.WithLogger(m.logger)}
	if m.policy.Enabled {
		opts = append(opts, chunk.WithDeltaStage(canonical.NewDeltaStage(m.canon, m.policy)))
	}
	chunker := chunk.NewChunker(m.canon, m.chunks, opts...)

	var entries []Entry
	err = chunker.Run(ctx, src, func(c *chunk.Chunk) error {
		entries = append(entries, EntryFor(c))
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "chunking")
	}

	man := Create(m.params(p, head, entries))
	if err := m.log.Commit(ctx, m.db, man); err != nil {
		return nil, errors.Wrapf(err, "committing version %d", man.Version)
	}
	versionsCommitted.WithLabelValues("ingest").Inc()
	m.logger.Info("committed version",
		zap.Uint64("version", man.Version),
		zap.Int("new_chunks", len(entries)),
		zap.Int("chunks", len(man.Chunks)),
		zap.String("etag", man.ETag))
	return man, nil
}

// Publish commits a new version whose chunk index is given explicitly
// (or, unless p.Replace, appended to the head's).
// Every chunk must already be in the store.
func (m *Manager) Publish(ctx context.Context, entries []Entry, p IngestParams) (*Manifest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range entries {
		has, err := m.canon.Meta().Has(ctx, e.Ref)
		if err != nil {
			return nil, seqvault.StorageErr("has chunk", e.Ref, err)
		}
		if !has {
			return nil, errors.Wrapf(seqvault.ErrNotFound, "chunk %s", e.Ref)
		}
	}

	head, err := m.headOrNil(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "getting head")
	}
	man := Create(m.params(p, head, entries))
	if err := m.log.Commit(ctx, m.db, man); err != nil {
		return nil, errors.Wrapf(err, "committing version %d", man.Version)
	}
	versionsCommitted.WithLabelValues("publish").Inc()
	return man, nil
}

// Chunk loads and decodes a stored chunk.
func (m *Manager) Chunk(ctx context.Context, ref seqvault.Ref) (*chunk.Chunk, error) {
	b, err := m.canon.Meta().Get(ctx, ref)
	if err != nil {
		return nil, seqvault.StorageErr("get chunk", ref, err)
	}
	if err := seqvault.CheckHash(ref, b); err != nil {
		return nil, err
	}
	return chunk.Decode(b)
}

// Problem is one integrity failure found by Verify.
type Problem struct {
	Ref   seqvault.Ref `json:"ref"`
	Kind  string       `json:"kind"`
	Error string       `json:"error"`
}

// Report is the result of Verify.
type Report struct {
	Version   uint64    `json:"version"`
	Chunks    int       `json:"chunks"`
	Sequences int       `json:"sequences"`
	Problems  []Problem `json:"problems,omitempty"`
}

// OK tells whether no problems were found.
func (r *Report) OK() bool {
	return len(r.Problems) == 0
}

// Verify audits a version (the head if version is zero):
// its roots and etag, each chunk's content hash and declared shape,
// and every member sequence's content hash.
// Integrity failures are collected in the report;
// the error result is for failures to read the log itself.
func (m *Manager) Verify(ctx context.Context, version uint64) (*Report, error) {
	man, err := m.Get(ctx, version)
	if err != nil {
		return nil, err
	}
	rep := &Report{Version: man.Version}
	problem := func(ref seqvault.Ref, kind string, err error) {
		rep.Problems = append(rep.Problems, Problem{Ref: ref, Kind: kind, Error: err.Error()})
	}

	seen := make(map[seqvault.Ref]bool)
	for _, e := range man.Chunks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rep.Chunks++
		c, err := m.Chunk(ctx, e.Ref)
		if err != nil {
			problem(e.Ref, "chunk", err)
			continue
		}
		if c.Count() != e.Count {
			problem(e.Ref, "chunk", errors.Errorf("chunk has %d sequences, index says %d", c.Count(), e.Count))
		}
		for _, ref := range c.Seqs {
			if seen[ref] {
				continue
			}
			seen[ref] = true
			rep.Sequences++
			b, err := m.canon.Get(ctx, ref)
			if err == nil {
				err = seqvault.CheckHash(ref, b)
			}
			if err != nil {
				problem(ref, "sequence", err)
			}
		}
	}
	return rep, nil
}
