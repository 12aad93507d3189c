package canonical

import (
	"context"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/bobg/seqvault"
)

// SeqType classifies sequence content by alphabet.
type SeqType int

const (
	Unknown SeqType = iota
	Nucleotide
	Protein
)

func (t SeqType) String() string {
	switch t {
	case Nucleotide:
		return "nucleotide"
	case Protein:
		return "protein"
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (t SeqType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Sequence is a stored sequence together with derived attributes.
type Sequence struct {
	Ref      seqvault.Ref `json:"hash"`
	Bytes    []byte       `json:"-"`
	Length   int          `json:"length"`
	Type     SeqType      `json:"type"`
	Checksum uint64       `json:"checksum"`
}

// Sequence gets the sequence with hash ref.
func (s *Store) Sequence(ctx context.Context, ref seqvault.Ref) (*Sequence, error) {
	b, err := s.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	return &Sequence{
		Ref:      ref,
		Bytes:    b,
		Length:   len(b),
		Type:     Classify(b),
		Checksum: xxhash.Sum64(b),
	}, nil
}

const (
	nucleotideCore    = "ACGTUN"
	nucleotideLetters = "ACGTUNRYKMSWBDHV-*"
)

// Classify guesses the type of a sequence from its alphabet.
// A sequence of IUPAC nucleotide codes that is mostly A, C, G, T, U or N
// is a nucleotide sequence;
// one using only letters otherwise is a protein.
func Classify(b []byte) SeqType {
	if len(b) == 0 {
		return Unknown
	}
	var (
		iupac = true
		core  int
	)
	for _, c := range b {
		if 'a' <= c && c <= 'z' {
			c -= 'a' - 'A'
		}
		switch {
		case strings.IndexByte(nucleotideCore, c) >= 0:
			core++
		case strings.IndexByte(nucleotideLetters, c) >= 0:
		case 'A' <= c && c <= 'Z':
			iupac = false
		default:
			return Unknown
		}
	}
	if iupac && 10*core >= 9*len(b) {
		return Nucleotide
	}
	return Protein
}

// ParseAccessions extracts accession identifiers from a FASTA header.
// It understands the UniProt form ">db|ACC|NAME desc"
// and the plain form ">ACC desc",
// where ACC may carry a version suffix.
// NCBI-style multi-record headers joined by \x01 yield one accession per record.
func ParseAccessions(header string) []string {
	header = strings.TrimPrefix(strings.TrimSpace(header), ">")
	var out []string
	for _, rec := range strings.Split(header, "\x01") {
		id := rec
		if i := strings.IndexAny(id, " \t"); i >= 0 {
			id = id[:i]
		}
		if id == "" {
			continue
		}
		if parts := strings.Split(id, "|"); len(parts) >= 2 {
			switch parts[0] {
			case "sp", "tr", "gi", "ref", "gb", "emb", "dbj", "pdb":
				if parts[1] != "" {
					out = append(out, parts[1])
				}
				continue
			}
			if parts[0] == "" {
				continue
			}
			out = append(out, parts[0])
			continue
		}
		out = append(out, id)
	}
	return out
}
