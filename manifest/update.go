package manifest

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bobg/seqvault"
	"github.com/bobg/seqvault/chunk"
	"github.com/bobg/seqvault/merkle"
)

// Fetcher retrieves objects from a remote repository.
type Fetcher interface {
	// FetchManifest fetches the head manifest of db and its etag.
	// If etag is not empty and still current,
	// it returns seqvault.ErrNotModified without transferring the manifest.
	FetchManifest(ctx context.Context, db, etag string) ([]byte, string, error)

	// FetchChunk fetches the encoded chunk with the given hash.
	FetchChunk(ctx context.Context, ref seqvault.Ref) ([]byte, error)

	// FetchSequence fetches the bytes of the sequence with the given hash.
	FetchSequence(ctx context.Context, ref seqvault.Ref) ([]byte, error)
}

// UpdateOptions control ApplyUpdate.
type UpdateOptions struct {
	// Workers bounds the number of chunks fetched concurrently.
	Workers int `json:"workers"`

	// Attempts is the number of tries per object,
	// rotating through the available fetchers.
	Attempts int `json:"attempts"`

	// RetryInterval is the initial wait between attempts.
	RetryInterval time.Duration `json:"retry_interval"`

	// GC collects objects no longer reachable from the new head
	// after a successful update.
	GC bool `json:"gc"`
}

// DefaultUpdateOptions are used for zero fields.
var DefaultUpdateOptions = UpdateOptions{
	Workers:       8,
	Attempts:      3,
	RetryInterval: 100 * time.Millisecond,
}

func (o UpdateOptions) withDefaults() UpdateOptions {
	if o.Workers <= 0 {
		o.Workers = DefaultUpdateOptions.Workers
	}
	if o.Attempts <= 0 {
		o.Attempts = DefaultUpdateOptions.Attempts
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = DefaultUpdateOptions.RetryInterval
	}
	return o
}

// CheckUpdate asks f whether the remote head differs from the local one,
// using the local etag for a conditional fetch.
func (m *Manager) CheckUpdate(ctx context.Context, f Fetcher) (bool, error) {
	head, err := m.headOrNil(ctx)
	if err != nil {
		return false, err
	}
	var etag string
	if head != nil {
		etag = head.ETag
	}
	_, _, err = f.FetchManifest(ctx, m.db, etag)
	if errors.Is(err, seqvault.ErrNotModified) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "fetching manifest")
	}
	return true, nil
}

// FetchRemote fetches and checks the remote head manifest,
// trying each fetcher in turn.
// It returns seqvault.ErrNotModified if the remote head is the local one.
func (m *Manager) FetchRemote(ctx context.Context, fetchers ...Fetcher) (*Manifest, error) {
	if len(fetchers) == 0 {
		return nil, errors.New("no fetchers")
	}
	head, err := m.headOrNil(ctx)
	if err != nil {
		return nil, err
	}
	var etag string
	if head != nil {
		etag = head.ETag
	}

	var remote *Manifest
	err = m.retry(ctx, "manifest", seqvault.Zero, fetchers, func(f Fetcher) error {
		b, gotTag, err := f.FetchManifest(ctx, m.db, etag)
		if errors.Is(err, seqvault.ErrNotModified) {
			return backoff.Permanent(err)
		}
		if err != nil {
			return err
		}
		r, err := Parse(b)
		if err != nil {
			return err
		}
		if gotTag != "" && gotTag != r.ETag {
			return errors.Errorf("transport etag %s does not match manifest etag %s", gotTag, r.ETag)
		}
		remote = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return remote, nil
}

// UpdateResult describes a completed ApplyUpdate.
type UpdateResult struct {
	Version   uint64  `json:"version"`
	Changes   Changes `json:"changes"`
	UpToDate  bool    `json:"up_to_date"`
	Fetched   int     `json:"chunks_fetched"`
	Present   int     `json:"chunks_present"`
	Sequences int     `json:"sequences_fetched"`
	Collected int     `json:"collected"`
}

// ApplyUpdate makes remote the local head.
//
// Each chunk added by remote that is not already stored
// is fetched, checked against its Merkle inclusion proof in remote
// and against its content hash,
// and decoded; its missing sequences are fetched and hash-checked;
// and only then is the chunk stored.
// Each object gets up to the configured number of attempts,
// rotating through fetchers.
//
// The head advances only after every chunk is stored.
// On failure the head is unchanged,
// but verified objects remain, so a retried update resumes.
// Chunks removed by remote are kept unless the GC option is set.
func (m *Manager) ApplyUpdate(ctx context.Context, remote *Manifest, fetchers ...Fetcher) (*UpdateResult, error) {
	if len(fetchers) == 0 {
		return nil, errors.New("no fetchers")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	start := time.Now()
	defer func() { updateDuration.Observe(time.Since(start).Seconds()) }()

	local, err := m.headOrNil(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "getting head")
	}
	res := &UpdateResult{Version: remote.Version}
	if local != nil && local.ETag == remote.ETag {
		res.UpToDate = true
		return res, nil
	}
	if err := remote.Check(); err != nil {
		updateFailures.Inc()
		return nil, errors.Wrap(err, "checking remote manifest")
	}
	if local != nil && remote.Version <= local.Version {
		updateFailures.Inc()
		return nil, errors.Wrapf(ErrOutOfOrder, "remote version %d does not follow local version %d", remote.Version, local.Version)
	}

	res.Changes = Diff(local, remote)

	// Diff lists each added ref once; proofs are for its first position.
	index := make(map[seqvault.Ref]int, len(remote.Chunks))
	for i := len(remote.Chunks) - 1; i >= 0; i-- {
		index[remote.Chunks[i].Ref] = i
	}
	tree := remote.Tree()

	var fetched, present, seqs atomic.Int64

	eg, egctx := errgroup.WithContext(ctx)
	eg.SetLimit(m.upd.Workers)
	for _, e := range res.Changes.Added {
		e := e
		eg.Go(func() error {
			ok, n, err := m.syncChunk(egctx, remote, tree, index[e.Ref], e, fetchers)
			if err != nil {
				return errors.Wrapf(err, "syncing chunk %s", e.Ref)
			}
			if ok {
				fetched.Add(1)
			} else {
				present.Add(1)
			}
			seqs.Add(int64(n))
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		updateFailures.Inc()
		m.logger.Error("update aborted", zap.Uint64("remote_version", remote.Version), zap.Error(err))
		return nil, err
	}

	if err := m.log.Commit(ctx, m.db, remote); err != nil {
		updateFailures.Inc()
		return nil, errors.Wrapf(err, "committing version %d", remote.Version)
	}
	versionsCommitted.WithLabelValues("update").Inc()

	res.Fetched = int(fetched.Load())
	res.Present = int(present.Load())
	res.Sequences = int(seqs.Load())

	m.logger.Info("applied update",
		zap.Uint64("version", remote.Version),
		zap.Int("added", len(res.Changes.Added)),
		zap.Int("removed", len(res.Changes.Removed)),
		zap.Int("fetched", res.Fetched),
		zap.Int("sequences", res.Sequences))

	if m.upd.GC {
		n, err := m.collect(ctx, remote.Version)
		if err != nil {
			return res, errors.Wrap(err, "collecting garbage")
		}
		res.Collected = n
	}
	return res, nil
}

// syncChunk makes the chunk e, at position idx of remote, locally available.
// It reports whether the chunk had to be fetched
// and how many sequences were fetched.
func (m *Manager) syncChunk(ctx context.Context, remote *Manifest, tree *merkle.Tree, idx int, e Entry, fetchers []Fetcher) (bool, int, error) {
	meta := m.canon.Meta()

	// A chunk is stored only after its sequences.
	has, err := meta.Has(ctx, e.Ref)
	if err != nil {
		return false, 0, seqvault.StorageErr("has chunk", e.Ref, err)
	}
	if has {
		return false, 0, nil
	}

	proof, err := tree.Prove(idx)
	if err != nil {
		return false, 0, err
	}

	var (
		b []byte
		c *chunk.Chunk
	)
	err = m.retry(ctx, "chunk", e.Ref, fetchers, func(f Fetcher) error {
		got, err := f.FetchChunk(ctx, e.Ref)
		if err != nil {
			return err
		}
		item := seqvault.Blob(got).Ref()
		if !merkle.Verify(item, proof, remote.SequenceRoot) {
			return &seqvault.MerkleError{Item: item, Root: remote.SequenceRoot, Index: idx}
		}
		if err := seqvault.CheckHash(e.Ref, got); err != nil {
			return err
		}
		dec, err := chunk.Decode(got)
		if err != nil {
			return backoff.Permanent(errors.Wrap(err, "decoding verified chunk"))
		}
		if dec.Count() != e.Count {
			return backoff.Permanent(errors.Errorf("chunk has %d sequences, index says %d", dec.Count(), e.Count))
		}
		b, c = got, dec
		return nil
	})
	if err != nil {
		return false, 0, err
	}

	var n int
	for _, ref := range c.Seqs {
		has, err := m.canon.Has(ctx, ref)
		if err != nil {
			return false, n, err
		}
		if has {
			continue
		}
		err = m.retry(ctx, "sequence", ref, fetchers, func(f Fetcher) error {
			seq, err := f.FetchSequence(ctx, ref)
			if err != nil {
				return err
			}
			_, err = m.canon.PutVerified(ctx, ref, seq)
			return err
		})
		if err != nil {
			return false, n, errors.Wrapf(err, "fetching sequence %s", ref)
		}
		n++
		sequencesFetched.Inc()
	}

	if _, _, err := meta.Put(ctx, b); err != nil {
		return false, n, seqvault.StorageErr("put chunk", e.Ref, err)
	}
	chunksFetched.Inc()
	return true, n, nil
}

// retry calls op with each fetcher in turn
// until it succeeds, returns a permanent error,
// or the attempts run out.
func (m *Manager) retry(ctx context.Context, kind string, ref seqvault.Ref, fetchers []Fetcher, op func(Fetcher) error) error {
	var attempt int
	bo := backoff.NewExponentialBackOff(backoff.WithInitialInterval(m.upd.RetryInterval))
	b := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(m.upd.Attempts-1)), ctx)
	return backoff.RetryNotify(
		func() error {
			f := fetchers[attempt%len(fetchers)]
			attempt++
			return op(f)
		},
		b,
		func(err error, wait time.Duration) {
			fetchRetries.WithLabelValues(kind).Inc()
			m.logger.Warn("retrying fetch",
				zap.String("kind", kind),
				zap.Stringer("ref", ref),
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
				zap.Error(err))
		},
	)
}

// Update fetches the remote head and applies it.
// A remote head equal to the local one is reported as up to date.
func (m *Manager) Update(ctx context.Context, fetchers ...Fetcher) (*UpdateResult, error) {
	remote, err := m.FetchRemote(ctx, fetchers...)
	if errors.Is(err, seqvault.ErrNotModified) {
		head, err := m.Head(ctx)
		if err != nil {
			return nil, err
		}
		return &UpdateResult{Version: head.Version, UpToDate: true}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "fetching remote manifest")
	}
	return m.ApplyUpdate(ctx, remote, fetchers...)
}
