package main

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/bobg/seqvault"
	"github.com/bobg/seqvault/chunk"
)

func TestHeaderTaxon(t *testing.T) {
	cases := []struct {
		header string
		want   seqvault.TaxonID
		ok     bool
	}{
		{"sp|P69905|HBA_HUMAN Hemoglobin subunit alpha OS=Homo sapiens OX=9606 GN=HBA1 PE=1 SV=2", 9606, true},
		{"WP_000001.1 hypothetical protein TaxID=562", 562, true},
		{"seq1 taxid=10090", 10090, true},
		{"seq2 no taxon here", seqvault.Unclassified, false},
		{"seq3 BOX=12", seqvault.Unclassified, false},
		{"seq4 OX=99999999999", seqvault.Unclassified, false},
	}
	for _, tc := range cases {
		t.Run(tc.header, func(t *testing.T) {
			got, ok := headerTaxon(tc.header)
			if got != tc.want || ok != tc.ok {
				t.Errorf("got %d, %v; want %d, %v", got, ok, tc.want, tc.ok)
			}
		})
	}
}

const testFASTA = `>sp|P69905|HBA_HUMAN Hemoglobin subunit alpha OX=9606
MVLSPADKTNVKAAWGKVGAHAGEYGAEALERMFLSFPTTKTYFPHF
DLSHGSAQVKGHGKKVADALTNAVAHVDDMPNALSALSDLHAHKL
>seq2 plasmid fragment
ACGTACGTTTGA
`

func TestFASTASource(t *testing.T) {
	ctx := context.Background()
	src := newFASTASource(strings.NewReader(testFASTA), "test.fa", 42)

	var got []chunk.Record
	for {
		rec, err := src.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, rec)
	}

	want := []chunk.Record{{
		Seq:    []byte("MVLSPADKTNVKAAWGKVGAHAGEYGAEALERMFLSFPTTKTYFPHFDLSHGSAQVKGHGKKVADALTNAVAHVDDMPNALSALSDLHAHKL"),
		Header: "sp|P69905|HBA_HUMAN Hemoglobin subunit alpha OX=9606",
		Source: "test.fa",
		Taxon:  9606,
	}, {
		Seq:    []byte("ACGTACGTTTGA"),
		Header: "seq2 plasmid fragment",
		Source: "test.fa",
		Taxon:  42,
	}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestMultiSource(t *testing.T) {
	ctx := context.Background()
	a := chunk.NewSliceSource([]chunk.Record{{Seq: []byte("AAA")}, {Seq: []byte("CCC")}})
	b := chunk.NewSliceSource(nil)
	c := chunk.NewSliceSource([]chunk.Record{{Seq: []byte("GGG")}})

	m := &multiSource{srcs: []chunk.Source{a, b, c}}
	var got []string
	for {
		rec, err := m.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, string(rec.Seq))
	}
	if diff := cmp.Diff([]string{"AAA", "CCC", "GGG"}, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	if _, err := m.Next(ctx); err != io.EOF {
		t.Errorf("got %v after exhaustion, want io.EOF", err)
	}
}
