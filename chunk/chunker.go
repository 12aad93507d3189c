package chunk

import (
	"context"
	"io"
	"sort"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bobg/seqvault"
	"github.com/bobg/seqvault/canonical"
)

// Record is one input sequence.
type Record struct {
	Seq    []byte
	Header string
	Source string

	// Taxon is seqvault.Unclassified when unknown.
	Taxon seqvault.TaxonID
}

// Source is a stream of records.
// Next returns io.EOF after the last record.
type Source interface {
	Next(context.Context) (Record, error)
}

// SliceSource is a Source over an in-memory slice.
type SliceSource struct {
	recs []Record
}

// NewSliceSource produces a Source yielding recs in order.
func NewSliceSource(recs []Record) *SliceSource {
	return &SliceSource{recs: recs}
}

func (s *SliceSource) Next(ctx context.Context) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	if len(s.recs) == 0 {
		return Record{}, io.EOF
	}
	rec := s.recs[0]
	s.recs = s.recs[1:]
	return rec, nil
}

// Config controls chunking.
type Config struct {
	// BatchSize is the number of records read before chunking.
	BatchSize int `json:"batch_size"`

	// MaxSequences and MaxBytes cap the size of one chunk.
	// A taxon group that exceeds either cap is split.
	MaxSequences int   `json:"max_sequences"`
	MaxBytes     int64 `json:"max_bytes"`

	// Workers bounds the number of taxon groups stored concurrently.
	Workers int `json:"workers"`
}

// DefaultConfig is the configuration used for zero fields.
var DefaultConfig = Config{
	BatchSize:    10000,
	MaxSequences: 5000,
	MaxBytes:     64 << 20,
	Workers:      4,
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultConfig.BatchSize
	}
	if c.MaxSequences <= 0 {
		c.MaxSequences = DefaultConfig.MaxSequences
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = DefaultConfig.MaxBytes
	}
	if c.Workers <= 0 {
		c.Workers = DefaultConfig.Workers
	}
	return c
}

// candidateWindow is how many preceding sequences of a group
// are offered to the delta stage as references.
const candidateWindow = 16

// Chunker stores records in a canonical store and groups their refs into chunks.
type Chunker struct {
	canon  *canonical.Store
	deltas *canonical.DeltaStage
	cfg    Config
	logger *zap.Logger
}

// Option configures a Chunker.
type Option func(*Chunker)

// WithDeltaStage routes sequence storage through a delta stage.
func WithDeltaStage(ds *canonical.DeltaStage) Option {
	return func(c *Chunker) { c.deltas = ds }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Chunker) { c.logger = l }
}

// NewChunker produces a Chunker storing sequences in canon
// and encoded chunks in canon's metadata store.
func NewChunker(canon *canonical.Store, cfg Config, opts ...Option) *Chunker {
	c := &Chunker{
		canon:  canon,
		cfg:    cfg.withDefaults(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("chunk")
	return c
}

// Run reads src in batches, chunking each,
// and calls emit with each chunk in order.
// Within a batch chunks are ordered by taxon ID.
func (c *Chunker) Run(ctx context.Context, src Source, emit func(*Chunk) error) error {
	for {
		batch, err := c.readBatch(ctx, src)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		chunks, err := c.ChunkBatch(ctx, batch)
		if err != nil {
			return err
		}
		for _, ch := range chunks {
			if err := emit(ch); err != nil {
				return err
			}
		}
		if len(batch) < c.cfg.BatchSize {
			return nil
		}
	}
}

func (c *Chunker) readBatch(ctx context.Context, src Source) ([]Record, error) {
	var batch []Record
	for len(batch) < c.cfg.BatchSize {
		rec, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "reading record")
		}
		batch = append(batch, rec)
	}
	return batch, nil
}

type group struct {
	taxon seqvault.TaxonID
	recs  []Record
}

// ChunkBatch stores the sequences of one batch
// and returns its chunks.
// Records are grouped by taxon,
// keeping input order within each group,
// and groups are stored concurrently.
// An empty batch yields no chunks.
func (c *Chunker) ChunkBatch(ctx context.Context, recs []Record) ([]*Chunk, error) {
	byTaxon := make(map[seqvault.TaxonID]*group)
	var groups []*group
	for _, rec := range recs {
		g, ok := byTaxon[rec.Taxon]
		if !ok {
			g = &group{taxon: rec.Taxon}
			byTaxon[rec.Taxon] = g
			groups = append(groups, g)
		}
		g.recs = append(g.recs, rec)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].taxon < groups[j].taxon })

	results := make([][]*Chunk, len(groups))

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(c.cfg.Workers)
	for i, g := range groups {
		i, g := i, g
		eg.Go(func() error {
			chunks, err := c.chunkGroup(ctx, g)
			if err != nil {
				return errors.Wrapf(err, "chunking taxon %d", g.taxon)
			}
			results[i] = chunks
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	var out []*Chunk
	for _, chunks := range results {
		out = append(out, chunks...)
	}
	return out, nil
}

func (c *Chunker) chunkGroup(ctx context.Context, g *group) ([]*Chunk, error) {
	var (
		chunks []*Chunk
		refs   []seqvault.Ref
		size   int64
		prior  []seqvault.Ref
	)
	flush := func() error {
		if len(refs) == 0 {
			return nil
		}
		ch := New(refs, []seqvault.TaxonID{g.taxon}, size)
		if _, _, err := c.canon.Meta().Put(ctx, ch.Encode()); err != nil {
			return seqvault.StorageErr("put chunk", ch.Ref, err)
		}
		chunksBuilt.Inc()
		c.logger.Debug("built chunk",
			zap.Stringer("ref", ch.Ref),
			zap.Uint32("taxon", uint32(g.taxon)),
			zap.Int("count", ch.Count()),
			zap.Int64("size", size))
		chunks = append(chunks, ch)
		refs, size = nil, 0
		return nil
	}

	for _, rec := range g.recs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var (
			ref seqvault.Ref
			err error
		)
		if c.deltas != nil {
			ref, _, err = c.deltas.Store(ctx, rec.Seq, rec.Header, rec.Source, prior)
		} else {
			ref, _, err = c.canon.Store(ctx, rec.Seq, rec.Header, rec.Source)
		}
		if err != nil {
			return nil, err
		}
		if c.deltas != nil {
			prior = append(prior, ref)
			if len(prior) > candidateWindow {
				prior = prior[1:]
			}
		}

		n := int64(len(rec.Seq))
		if len(refs) > 0 && (len(refs) >= c.cfg.MaxSequences || size+n > c.cfg.MaxBytes) {
			if err := flush(); err != nil {
				return nil, err
			}
		}
		refs = append(refs, ref)
		size += n
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return chunks, nil
}
