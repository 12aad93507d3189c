package main

import (
	"context"
	"flag"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/bobg/seqvault"
	"github.com/bobg/seqvault/config"
	"github.com/bobg/seqvault/store"
)

func (c maincmd) gc(ctx context.Context, fs *flag.FlagSet, args []string) error {
	retain := fs.Uint64("retain", 0, "oldest version to keep (default: head only)")
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}
	if *retain == 0 {
		head, err := c.r.Manager.Head(ctx)
		if err != nil {
			return errors.Wrap(err, "getting head")
		}
		*retain = head.Version
	}
	n, err := c.r.Manager.Collect(ctx, *retain)
	if err != nil {
		return errors.Wrap(err, "collecting garbage")
	}
	c.logger.Info("collected garbage", zap.Uint64("retain_from", *retain), zap.Int("deleted", n))
	return nil
}

func (c maincmd) verify(ctx context.Context, fs *flag.FlagSet, args []string) error {
	version := fs.Uint64("version", 0, "version to verify (default: head)")
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}
	rep, err := c.r.Manager.Verify(ctx, *version)
	if err != nil {
		return errors.Wrap(err, "verifying")
	}
	if err := printJSON(rep); err != nil {
		return err
	}
	if !rep.OK() {
		return errors.Errorf("version %d has %d problem(s)", rep.Version, len(rep.Problems))
	}
	return nil
}

// sync copies blobs between this repository and those of the given config files.
// Anchors, including the manifest log, are not copied.
func (c maincmd) sync(ctx context.Context, fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}

	metas := []seqvault.Store{c.r.Meta}
	seqs := []seqvault.Store{c.r.Seqs}
	for _, arg := range fs.Args() {
		conf, err := config.Load(arg)
		if err != nil {
			return errors.Wrapf(err, "reading %s", arg)
		}
		other, err := conf.Open(ctx, c.logger)
		if err != nil {
			return errors.Wrapf(err, "opening %s", arg)
		}
		defer other.Close()
		metas = append(metas, other.Meta)
		seqs = append(seqs, other.Seqs)
	}

	n, err := store.Sync(ctx, metas)
	if err != nil {
		return errors.Wrap(err, "syncing stores")
	}
	if separateSeqs(metas, seqs) {
		m, err := store.Sync(ctx, seqs)
		if err != nil {
			return errors.Wrap(err, "syncing sequence stores")
		}
		n += m
	}
	c.logger.Info("synced", zap.Int("copied", n))
	return nil
}

func separateSeqs(metas, seqs []seqvault.Store) bool {
	for i := range metas {
		if metas[i] != seqs[i] {
			return true
		}
	}
	return false
}
