package gc

import (
	"context"

	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/bobg/seqvault"
)

// Keep is a set of refs to protect from garbage collection.
type Keep interface {
	// Add adds a single ref to the Keep.
	// It returns true if it was newly added and false if it was already present.
	Add(context.Context, seqvault.Ref) (bool, error)

	// Contains tells whether a ref is in the Keep.
	Contains(context.Context, seqvault.Ref) (bool, error)
}

// MemKeep is an in-memory Keep, safe for concurrent use.
type MemKeep struct {
	m *xsync.MapOf[seqvault.Ref, struct{}]
}

var _ Keep = &MemKeep{}

// NewMemKeep produces an empty MemKeep.
func NewMemKeep() *MemKeep {
	return &MemKeep{m: xsync.NewMapOf[seqvault.Ref, struct{}]()}
}

func (k *MemKeep) Add(_ context.Context, ref seqvault.Ref) (bool, error) {
	_, loaded := k.m.LoadOrStore(ref, struct{}{})
	return !loaded, nil
}

func (k *MemKeep) Contains(_ context.Context, ref seqvault.Ref) (bool, error) {
	_, ok := k.m.Load(ref)
	return ok, nil
}

// Len is the number of refs in the Keep.
func (k *MemKeep) Len() int {
	return k.m.Size()
}

// EdgeFunc reports the refs that the blob b (with ref `ref`) points to.
type EdgeFunc func(ctx context.Context, ref seqvault.Ref, b seqvault.Blob) ([]seqvault.Ref, error)

// Add adds a ref to the Keep.
// If it was newly added and edges is not nil,
// it then fetches its blob from g
// and recursively adds the refs edges finds in it.
//
// It is not an error for g to have no blob for ref.
func Add(ctx context.Context, k Keep, g seqvault.Getter, ref seqvault.Ref, edges EdgeFunc) error {
	added, err := k.Add(ctx, ref)
	if err != nil {
		return errors.Wrapf(err, "adding %s", ref)
	}
	if !added || edges == nil {
		return nil
	}

	b, err := g.Get(ctx, ref)
	if errors.Is(err, seqvault.ErrNotFound) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "getting %s", ref)
	}
	tos, err := edges(ctx, ref, b)
	if err != nil {
		return errors.Wrapf(err, "finding edges of %s", ref)
	}
	for _, to := range tos {
		if err := Add(ctx, k, g, to, edges); err != nil {
			return err
		}
	}
	return nil
}

// AddAnchor adds every ref ever assigned to the named anchor,
// following edges as in Add.
func AddAnchor(ctx context.Context, k Keep, g interface {
	seqvault.Getter
	seqvault.AnchorGetter
}, name string, edges EdgeFunc) error {
	var refs []seqvault.Ref
	err := g.ListAnchors(ctx, name, func(tr seqvault.TimeRef) error {
		refs = append(refs, tr.R)
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "listing anchor %s", name)
	}
	for _, ref := range refs {
		if err := Add(ctx, k, g, ref, edges); err != nil {
			return err
		}
	}
	return nil
}

// Limited is a Keep that confines collection to Candidates:
// it contains every ref except the candidates missing from Keep.
// Add adds to Keep.
type Limited struct {
	Candidates Keep
	Keep       Keep
}

var _ Keep = Limited{}

func (l Limited) Add(ctx context.Context, ref seqvault.Ref) (bool, error) {
	return l.Keep.Add(ctx, ref)
}

func (l Limited) Contains(ctx context.Context, ref seqvault.Ref) (bool, error) {
	candidate, err := l.Candidates.Contains(ctx, ref)
	if err != nil || !candidate {
		return true, err
	}
	return l.Keep.Contains(ctx, ref)
}
