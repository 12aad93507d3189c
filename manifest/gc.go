package manifest

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/bobg/seqvault"
	"github.com/bobg/seqvault/gc"
)

// ErrRetainBeyondHead is returned by Collect
// when asked to drop the head version.
var ErrRetainBeyondHead = errors.New("retention version is after the head")

// Collect deletes manifests of this database older than retainFrom
// and the chunks that no remaining manifest lists.
// Every version of other databases in the same log is retained.
// Canonical sequences, their representations, and their deltas
// are never collected.
// It returns the number of blobs deleted.
//
// retainFrom may not exceed the head version.
// The metadata store must support deletion.
func (m *Manager) Collect(ctx context.Context, retainFrom uint64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.collect(ctx, retainFrom)
}

func (m *Manager) collect(ctx context.Context, retainFrom uint64) (int, error) {
	meta := m.canon.Meta()
	metaDel, ok := meta.(gc.Store)
	if !ok {
		return 0, errors.New("metadata store does not support deletion")
	}

	head, err := m.headOrNil(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "getting head")
	}
	if head != nil && retainFrom > head.Version {
		return 0, errors.Wrapf(ErrRetainBeyondHead, "retaining from version %d of %s, head is version %d", retainFrom, m.db, head.Version)
	}

	// Only manifest and chunk blobs are candidates for deletion.
	var (
		candidates = gc.NewMemKeep()
		keep       = gc.Limited{Candidates: candidates, Keep: gc.NewMemKeep()}
	)

	dbs, err := m.log.Databases(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "listing databases")
	}
	for _, db := range dbs {
		err := m.log.EachRef(ctx, db, func(ref seqvault.Ref) error {
			man, err := m.log.load(ctx, ref)
			if errors.Is(err, seqvault.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}

			var k gc.Keep = keep
			if db == m.db && man.Version < retainFrom && (head == nil || man.ETag != head.ETag) {
				k = candidates
			}
			if _, err := k.Add(ctx, ref); err != nil {
				return err
			}
			for _, e := range man.Chunks {
				if _, err := k.Add(ctx, e.Ref); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return 0, errors.Wrapf(err, "marking manifests of %s", db)
		}
	}

	n, err := gc.Run(ctx, metaDel, keep)
	if err != nil {
		return n, errors.Wrap(err, "sweeping metadata store")
	}

	m.logger.Info("collected garbage",
		zap.Uint64("retain_from", retainFrom),
		zap.Int("candidates", candidates.Len()),
		zap.Int("deleted", n))
	return n, nil
}
