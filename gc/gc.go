// Package gc removes blobs that nothing retained refers to.
package gc

import (
	"context"

	"github.com/pkg/errors"

	"github.com/bobg/seqvault"
)

// Store is a blob store that can delete.
type Store interface {
	seqvault.Getter
	seqvault.Deleter
}

// Run runs a garbage collection on s,
// with k the set of refs to keep.
// It returns the number of blobs deleted.
func Run(ctx context.Context, s Store, k Keep) (int, error) {
	var doomed []seqvault.Ref
	err := s.ListRefs(ctx, seqvault.Zero, func(ref seqvault.Ref) error {
		found, err := k.Contains(ctx, ref)
		if err != nil {
			return err
		}
		if !found {
			doomed = append(doomed, ref)
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "listing refs")
	}

	for i, ref := range doomed {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		if err := s.Delete(ctx, ref); err != nil {
			return i, errors.Wrapf(err, "deleting %s", ref)
		}
	}
	return len(doomed), nil
}
