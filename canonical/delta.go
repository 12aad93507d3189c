package canonical

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/bobg/seqvault"
	"github.com/bobg/seqvault/delta"
)

// maxDeltaDepth bounds reference chains followed by Get.
// DeltaStage only uses fully stored references, so chains have length one.
const maxDeltaDepth = 8

func deltaAnchor(ref seqvault.Ref) string {
	return "delta/" + ref.String()
}

func (s *Store) getDelta(ctx context.Context, ref seqvault.Ref, depth int) ([]byte, error) {
	d, err := s.loadDelta(ctx, ref)
	if err != nil {
		return nil, err
	}
	if depth >= maxDeltaDepth {
		return nil, fmt.Errorf("delta chain for %s exceeds depth %d", ref, maxDeltaDepth)
	}
	reference, err := s.get(ctx, d.Reference, depth+1)
	if err != nil {
		return nil, errors.Wrapf(err, "getting delta reference %s", d.Reference)
	}
	return d.Reconstruct(reference)
}

// Delta returns the delta that ref is stored as,
// or seqvault.ErrNotFound if it is not delta-backed.
func (s *Store) Delta(ctx context.Context, ref seqvault.Ref) (*delta.Delta, error) {
	return s.loadDelta(ctx, ref)
}

// DeltaBlob returns the ref of the encoded delta for ref,
// or seqvault.ErrNotFound if it is not delta-backed.
func (s *Store) DeltaBlob(ctx context.Context, ref seqvault.Ref) (seqvault.Ref, error) {
	dref, err := s.meta.GetAnchor(ctx, deltaAnchor(ref), seqvault.EndOfTime)
	return dref, seqvault.StorageErr("get delta anchor", ref, err)
}

func (s *Store) loadDelta(ctx context.Context, ref seqvault.Ref) (*delta.Delta, error) {
	dref, err := s.DeltaBlob(ctx, ref)
	if err != nil {
		return nil, err
	}
	b, err := s.meta.Get(ctx, dref)
	if err != nil {
		return nil, seqvault.StorageErr("get delta", dref, err)
	}
	d := new(delta.Delta)
	if err := d.UnmarshalBinary(b); err != nil {
		return nil, errors.Wrapf(err, "decoding delta %s", dref)
	}
	if d.Target != ref {
		return nil, fmt.Errorf("delta %s targets %s, not %s", dref, d.Target, ref)
	}
	return d, nil
}

// DeltaStage stores near-duplicate sequences as deltas
// against similar sequences already in the store.
type DeltaStage struct {
	canon  *Store
	policy delta.Policy
}

// NewDeltaStage produces a DeltaStage writing to s under policy p.
func NewDeltaStage(s *Store, p delta.Policy) *DeltaStage {
	return &DeltaStage{canon: s, policy: p}
}

// Policy is the stage's delta policy.
func (ds *DeltaStage) Policy() delta.Policy {
	return ds.policy
}

// Store is like Store.Store,
// but new content is stored as a delta against one of candidates
// when the policy accepts the best one.
// Candidates that are themselves delta-backed are ignored.
// If a computed delta fails to reconstruct its target,
// the full sequence is stored instead.
func (ds *DeltaStage) Store(ctx context.Context, seq []byte, header, source string, candidates []seqvault.Ref) (seqvault.Ref, bool, error) {
	s := ds.canon
	ref := seqvault.Blob(seq).Ref()

	if !ds.policy.Enabled || len(candidates) == 0 {
		return s.Store(ctx, seq, header, source)
	}
	if has, err := s.Has(ctx, ref); err != nil {
		return ref, false, err
	} else if has {
		return s.Store(ctx, seq, header, source)
	}

	enc, err := ds.encode(ctx, seq, ref, candidates)
	if err != nil {
		return ref, false, err
	}
	if enc == nil {
		return s.Store(ctx, seq, header, source)
	}

	isNew, err := s.putIfAbsent(ctx, ref, func() error {
		dref, _, err := s.meta.Put(ctx, enc)
		if err != nil {
			return err
		}
		return s.meta.PutAnchor(ctx, deltaAnchor(ref), dref, s.now())
	})
	if err != nil {
		return ref, false, err
	}
	s.count(isNew, true, len(seq))

	if err := s.addRepresentation(ctx, ref, header, source); err != nil {
		return ref, isNew, err
	}
	return ref, isNew, nil
}

// encode produces the encoded delta for seq,
// or nil if no candidate gives an acceptable one.
func (ds *DeltaStage) encode(ctx context.Context, seq []byte, ref seqvault.Ref, candidates []seqvault.Ref) ([]byte, error) {
	s := ds.canon

	var cands []delta.Candidate
	for _, c := range candidates {
		if c == ref {
			continue
		}
		full, err := s.HasFull(ctx, c)
		if err != nil {
			return nil, err
		}
		if !full {
			continue
		}
		b, err := s.seqs.Get(ctx, c)
		if err != nil {
			return nil, seqvault.StorageErr("get candidate", c, err)
		}
		cands = append(cands, delta.Candidate{Ref: c, Bytes: b})
	}

	d, ratio, err := delta.SelectReference(cands, seq, ds.policy)
	if errors.Is(err, delta.ErrNoReference) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !ds.policy.Accept(ratio) {
		return nil, nil
	}

	enc, err := d.MarshalBinary()
	if err != nil {
		return nil, errors.Wrap(err, "encoding delta")
	}

	// Check the stored form, not just the in-memory ops.
	var check delta.Delta
	if err := check.UnmarshalBinary(enc); err != nil {
		return nil, errors.Wrap(err, "decoding delta")
	}
	var reference []byte
	for _, c := range cands {
		if c.Ref == d.Reference {
			reference = c.Bytes
			break
		}
	}
	if _, err := check.Reconstruct(reference); err != nil {
		if errors.Is(err, seqvault.ErrDeltaReconstruction) {
			s.logger.Warn("delta failed reconstruction, storing full sequence", zap.Stringer("ref", ref), zap.Error(err))
			deltaFallbacks.Inc()
			return nil, nil
		}
		return nil, err
	}

	s.logger.Debug("storing delta",
		zap.Stringer("ref", ref),
		zap.Stringer("reference", d.Reference),
		zap.Float64("ratio", ratio),
		zap.Int("ops", len(d.Ops)))
	return enc, nil
}
