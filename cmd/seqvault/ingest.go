package main

import (
	"context"
	"flag"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/bobg/seqvault"
	"github.com/bobg/seqvault/chunk"
	"github.com/bobg/seqvault/manifest"
)

func (c maincmd) ingest(ctx context.Context, fs *flag.FlagSet, args []string) error {
	var (
		source     = fs.String("source", "", "source database tag (default: file name)")
		taxon      = fs.Uint("taxon", 0, "taxon ID for records whose header names none")
		seqtime    = fs.String("seqtime", "", "sequence time of the new version (default: now)")
		taxtime    = fs.String("taxtime", "", "taxonomy time of the new version (default: now)")
		taxversion = fs.String("taxversion", "", "taxonomy version identifier")
		replace    = fs.Bool("replace", false, "start a fresh chunk index instead of appending to the head's")
	)
	err := fs.Parse(args)
	if err != nil {
		return errors.Wrap(err, "parsing args")
	}
	files := fs.Args()
	if len(files) == 0 {
		return errors.New("no input files")
	}

	now := time.Now()
	st, err := optTime(*seqtime, now)
	if err != nil {
		return errors.Wrap(err, "parsing -seqtime")
	}
	tt, err := optTime(*taxtime, now)
	if err != nil {
		return errors.Wrap(err, "parsing -taxtime")
	}

	var srcs []chunk.Source
	for _, name := range files {
		f, err := os.Open(name)
		if err != nil {
			return errors.Wrapf(err, "opening %s", name)
		}
		defer f.Close()

		tag := *source
		if tag == "" {
			tag = filepath.Base(name)
		}
		srcs = append(srcs, newFASTASource(f, tag, seqvault.TaxonID(*taxon)))
	}

	m, err := c.r.Manager.Ingest(ctx, &multiSource{srcs: srcs}, manifest.IngestParams{
		SequenceTime:    st,
		TaxonomyTime:    tt,
		TaxonomyVersion: *taxversion,
		Replace:         *replace,
	})
	if err != nil {
		return err
	}

	stats := c.r.Canon.Stats()
	c.logger.Info("ingested",
		zap.Uint64("version", m.Version),
		zap.Int("chunks", len(m.Chunks)),
		zap.Int64("new_sequences", stats.NewSequences),
		zap.Int64("duplicates", stats.DuplicateSequences),
		zap.Int64("deltas", stats.DeltaSequences),
		zap.String("etag", m.ETag))
	return nil
}

// multiSource concatenates sources.
type multiSource struct {
	srcs []chunk.Source
}

func (m *multiSource) Next(ctx context.Context) (chunk.Record, error) {
	for len(m.srcs) > 0 {
		rec, err := m.srcs[0].Next(ctx)
		if errors.Is(err, io.EOF) {
			m.srcs = m.srcs[1:]
			continue
		}
		return rec, err
	}
	return chunk.Record{}, io.EOF
}
