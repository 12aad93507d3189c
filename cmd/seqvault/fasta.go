package main

import (
	"context"
	"io"
	"regexp"
	"strconv"

	"github.com/biogo/biogo/alphabet"
	"github.com/biogo/biogo/io/seqio/fasta"
	"github.com/biogo/biogo/seq/linear"
	"github.com/pkg/errors"

	"github.com/bobg/seqvault"
	"github.com/bobg/seqvault/chunk"
)

// fastaSource is a chunk.Source reading FASTA records.
type fastaSource struct {
	r      *fasta.Reader
	source string
	taxon  seqvault.TaxonID // used when the header names none
}

func newFASTASource(r io.Reader, source string, taxon seqvault.TaxonID) *fastaSource {
	return &fastaSource{
		r:      fasta.NewReader(r, linear.NewSeq("", nil, alphabet.Protein)),
		source: source,
		taxon:  taxon,
	}
}

func (s *fastaSource) Next(ctx context.Context) (chunk.Record, error) {
	if err := ctx.Err(); err != nil {
		return chunk.Record{}, err
	}
	sq, err := s.r.Read()
	if err == io.EOF {
		return chunk.Record{}, io.EOF
	}
	if err != nil {
		return chunk.Record{}, errors.Wrap(err, "reading FASTA record")
	}
	lin, ok := sq.(*linear.Seq)
	if !ok {
		return chunk.Record{}, errors.Errorf("unexpected sequence type %T", sq)
	}

	b := make([]byte, len(lin.Seq))
	for i, l := range lin.Seq {
		b[i] = byte(l)
	}

	header := lin.Name()
	if desc := lin.Description(); desc != "" {
		header += " " + desc
	}

	taxon, ok := headerTaxon(header)
	if !ok {
		taxon = s.taxon
	}
	return chunk.Record{
		Seq:    b,
		Header: header,
		Source: s.source,
		Taxon:  taxon,
	}, nil
}

// UniProt headers carry OX=<taxid>; some NCBI-derived files use TaxID=.
var taxonRE = regexp.MustCompile(`\b(?:OX|TaxID|taxid)=(\d+)\b`)

func headerTaxon(header string) (seqvault.TaxonID, bool) {
	m := taxonRE.FindStringSubmatch(header)
	if m == nil {
		return seqvault.Unclassified, false
	}
	n, err := strconv.ParseUint(m[1], 10, 32)
	if err != nil {
		return seqvault.Unclassified, false
	}
	return seqvault.TaxonID(n), true
}
