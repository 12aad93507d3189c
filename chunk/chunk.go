// Package chunk groups sequences by taxon into immutable,
// content-addressed chunks of sequence refs.
package chunk

import (
	"sort"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/bobg/seqvault"
)

// Chunk is an ordered group of sequence refs sharing a taxonomic grouping.
// Its Ref is the hash of its encoding.
type Chunk struct {
	Ref  seqvault.Ref
	Seqs []seqvault.Ref

	// Taxa is sorted and free of duplicates.
	Taxa []seqvault.TaxonID

	// Size is the total byte length of the member sequences.
	Size int64
}

// Field numbers of the chunk encoding.
const (
	seqsField protowire.Number = 1
	taxaField protowire.Number = 2
)

// New builds a chunk over seqs and taxa, computing its ref.
func New(seqs []seqvault.Ref, taxa []seqvault.TaxonID, size int64) *Chunk {
	c := &Chunk{
		Seqs: append([]seqvault.Ref{}, seqs...),
		Taxa: normalizeTaxa(taxa),
		Size: size,
	}
	c.Ref = seqvault.Blob(c.Encode()).Ref()
	return c
}

func normalizeTaxa(taxa []seqvault.TaxonID) []seqvault.TaxonID {
	out := append([]seqvault.TaxonID{}, taxa...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	j := 0
	for i, t := range out {
		if i > 0 && t == out[j-1] {
			continue
		}
		out[j] = t
		j++
	}
	return out[:j]
}

// Count is the number of sequences in the chunk.
func (c *Chunk) Count() int {
	return len(c.Seqs)
}

// Encode serializes the chunk's sequence refs, in order,
// followed by its sorted taxon IDs.
// The encoding is deterministic.
func (c *Chunk) Encode() []byte {
	var buf []byte
	for _, ref := range c.Seqs {
		buf = protowire.AppendTag(buf, seqsField, protowire.BytesType)
		buf = protowire.AppendBytes(buf, ref[:])
	}
	if len(c.Taxa) > 0 {
		var packed []byte
		for _, t := range c.Taxa {
			packed = protowire.AppendVarint(packed, uint64(t))
		}
		buf = protowire.AppendTag(buf, taxaField, protowire.BytesType)
		buf = protowire.AppendBytes(buf, packed)
	}
	return buf
}

// Decode parses an encoded chunk.
// The result's Size is zero, since the encoding does not carry it.
func Decode(b []byte) (*Chunk, error) {
	c := &Chunk{Ref: seqvault.Blob(b).Ref()}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errors.Wrap(protowire.ParseError(n), "decoding chunk tag")
		}
		b = b[n:]
		if typ != protowire.BytesType {
			return nil, errors.Errorf("unexpected wire type %d in chunk", typ)
		}
		val, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, errors.Wrap(protowire.ParseError(n), "decoding chunk field")
		}
		b = b[n:]

		switch num {
		case seqsField:
			ref, err := seqvault.RefFromSlice(val)
			if err != nil {
				return nil, errors.Wrap(err, "decoding sequence ref")
			}
			c.Seqs = append(c.Seqs, ref)
		case taxaField:
			for len(val) > 0 {
				v, n := protowire.ConsumeVarint(val)
				if n < 0 {
					return nil, errors.Wrap(protowire.ParseError(n), "decoding taxon id")
				}
				c.Taxa = append(c.Taxa, seqvault.TaxonID(v))
				val = val[n:]
			}
		default:
			return nil, errors.Errorf("unknown field %d in chunk", num)
		}
	}
	return c, nil
}

// TaxaRef is the hash of a sorted taxon set,
// as used for a manifest's taxonomy root.
func TaxaRef(taxa []seqvault.TaxonID) seqvault.Ref {
	var buf []byte
	for _, t := range taxa {
		buf = protowire.AppendVarint(buf, uint64(t))
	}
	return seqvault.Blob(buf).Ref()
}
