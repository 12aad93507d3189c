package store

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/bobg/seqvault"
)

// Sync synchronizes two or more stores.
// It runs ListRefs on all input stores.
// When a ref is found to be in some but not all stores,
// its blob is added to the stores where it's missing.
// Anchors are not synchronized.
func Sync(ctx context.Context, stores []seqvault.Store) (copied int, err error) {
	if len(stores) < 2 {
		return 0, nil
	}

	type tuple struct {
		s   seqvault.Store
		ch  <-chan seqvault.Ref
		ref *seqvault.Ref
	}

	eg, ctx2 := errgroup.WithContext(ctx)

	tuples := make([]*tuple, 0, len(stores))
	for _, s := range stores {
		s := s
		ch := make(chan seqvault.Ref)
		eg.Go(func() error {
			defer close(ch)
			return s.ListRefs(ctx2, seqvault.Zero, func(ref seqvault.Ref) error {
				select {
				case <-ctx2.Done():
					return ctx2.Err()
				case ch <- ref:
				}
				return nil
			})
		})
		tuples = append(tuples, &tuple{s: s, ch: ch})
	}

	errch := make(chan error, 1)

	go func() {
		errch <- eg.Wait()
		close(errch)
	}()

	havers := tuples
	for {
		var any bool
		for _, tup := range havers {
			select {
			case <-ctx.Done():
				return copied, ctx.Err()
			case ref, ok := <-tup.ch:
				if ok {
					any = true
					tup.ref = &ref
				} else {
					tup.ref = nil
				}
			}
		}
		if !any {
			// We've reached the end of input on all channels.
			return copied, <-errch
		}

		sort.Slice(tuples, func(i, j int) bool {
			ri := tuples[i].ref
			rj := tuples[j].ref
			if ri != nil {
				if rj != nil {
					return ri.Less(*rj)
				}
				return true
			}
			return false
		})

		if tuples[0].ref == nil {
			return copied, <-errch
		}
		ref := *(tuples[0].ref)

		havers = []*tuple{tuples[0]}
		i := 1
		for i < len(tuples) && tuples[i].ref != nil && *(tuples[i].ref) == ref {
			havers = append(havers, tuples[i])
			i++
		}

		if i == len(tuples) {
			continue
		}

		needers := tuples[i:]

		blob, err := havers[0].s.Get(ctx, ref)
		if err != nil {
			return copied, errors.Wrapf(err, "getting blob for %s", ref)
		}

		for _, tup := range needers {
			_, added, err := tup.s.Put(ctx, blob)
			if err != nil {
				return copied, errors.Wrapf(err, "storing blob for %s", ref)
			}
			if added {
				copied++
			}
		}
	}
}
