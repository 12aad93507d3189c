package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/bobg/seqvault"
	"github.com/bobg/seqvault/manifest"
)

func parseRefArg(fs *flag.FlagSet) (seqvault.Ref, error) {
	if fs.NArg() != 1 {
		return seqvault.Zero, errors.New("need exactly one hash argument")
	}
	ref, err := seqvault.RefFromHex(fs.Arg(0))
	return ref, errors.Wrapf(err, "decoding hash %s", fs.Arg(0))
}

func (c maincmd) get(ctx context.Context, fs *flag.FlagSet, args []string) error {
	info := fs.Bool("info", false, "print sequence information instead of its bytes")
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}
	ref, err := parseRefArg(fs)
	if err != nil {
		return err
	}

	if *info {
		s, err := c.r.Canon.Sequence(ctx, ref)
		if err != nil {
			return errors.Wrapf(err, "getting sequence %s", ref)
		}
		s.Bytes = nil
		return printJSON(s)
	}

	b, err := c.r.Canon.Get(ctx, ref)
	if err != nil {
		return errors.Wrapf(err, "getting sequence %s", ref)
	}
	_, err = os.Stdout.Write(b)
	return errors.Wrap(err, "writing sequence to stdout")
}

func (c maincmd) reps(ctx context.Context, fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}
	ref, err := parseRefArg(fs)
	if err != nil {
		return err
	}
	reps, err := c.r.Canon.Representations(ctx, ref)
	if err != nil {
		return errors.Wrapf(err, "getting representations of %s", ref)
	}
	return printJSON(reps)
}

func (c maincmd) head(ctx context.Context, fs *flag.FlagSet, args []string) error {
	version := fs.Uint64("version", 0, "version to print (default: head)")
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}
	m, err := c.r.Manager.Get(ctx, *version)
	if err != nil {
		return errors.Wrap(err, "getting manifest")
	}
	return printJSON(m)
}

func (c maincmd) versions(ctx context.Context, fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}
	return c.r.Manager.Log().List(ctx, c.r.Config.DB, func(m *manifest.Manifest) error {
		fmt.Printf("%d\t%s\t%s\t%d chunks\t%d sequences\t%s\n",
			m.Version,
			m.SequenceTime.Format(time.RFC3339),
			m.TaxonomyTime.Format(time.RFC3339),
			len(m.Chunks),
			m.Count(),
			m.ETag)
		return nil
	})
}

func (c maincmd) at(ctx context.Context, fs *flag.FlagSet, args []string) error {
	var (
		seqtime = fs.String("seq", "", "sequence time (default: now)")
		taxtime = fs.String("tax", "", "taxonomy time (default: now)")
		taxon   = fs.Int64("taxon", -1, "list only chunks containing this taxon")
	)
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}
	now := time.Now()
	st, err := optTime(*seqtime, now)
	if err != nil {
		return errors.Wrap(err, "parsing -seq")
	}
	tt, err := optTime(*taxtime, now)
	if err != nil {
		return errors.Wrap(err, "parsing -tax")
	}

	idx, err := c.r.Temporal(ctx)
	if err != nil {
		return errors.Wrap(err, "loading temporal index")
	}
	snap, err := idx.QueryAt(st, tt)
	if err != nil {
		return errors.Wrapf(err, "querying at %s, %s", st, tt)
	}

	entries := snap.Manifest.Chunks
	if *taxon >= 0 {
		entries = snap.ChunksForTaxon(seqvault.TaxonID(*taxon))
	}
	return printJSON(struct {
		Version uint64             `json:"version"`
		ETag    string             `json:"etag"`
		Taxa    []seqvault.TaxonID `json:"taxa"`
		Chunks  []manifest.Entry   `json:"chunks"`
	}{
		Version: snap.Manifest.Version,
		ETag:    snap.Manifest.ETag,
		Taxa:    snap.Taxa(),
		Chunks:  entries,
	})
}

func (c maincmd) diff(ctx context.Context, fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}
	if fs.NArg() != 2 {
		return errors.New("usage: diff FROM TO")
	}
	var ms [2]*manifest.Manifest
	for i := 0; i < 2; i++ {
		v, err := strconv.ParseUint(fs.Arg(i), 10, 64)
		if err != nil {
			return errors.Wrapf(err, "parsing version %s", fs.Arg(i))
		}
		if v == 0 {
			continue
		}
		ms[i], err = c.r.Manager.Get(ctx, v)
		if err != nil {
			return errors.Wrapf(err, "getting version %d", v)
		}
	}
	return printJSON(manifest.Diff(ms[0], ms[1]))
}
