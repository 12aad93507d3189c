// Package manifest describes versions of a sequence database
// as ordered chunk indexes with integrity roots,
// keeps a versioned log of them,
// and synchronizes a local log with a remote one.
package manifest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/bobg/seqvault"
	"github.com/bobg/seqvault/chunk"
	"github.com/bobg/seqvault/merkle"
)

// Entry describes one chunk in a manifest's chunk index.
type Entry struct {
	Ref   seqvault.Ref       `json:"hash"`
	Taxa  []seqvault.TaxonID `json:"taxon_ids"`
	Count int                `json:"sequence_count"`
	Size  int64              `json:"size"`
}

// EntryFor produces the index entry for a chunk.
func EntryFor(c *chunk.Chunk) Entry {
	return Entry{
		Ref:   c.Ref,
		Taxa:  append([]seqvault.TaxonID{}, c.Taxa...),
		Count: c.Count(),
		Size:  c.Size,
	}
}

// HasTaxon tells whether the entry's chunk holds sequences of taxon.
func (e Entry) HasTaxon(taxon seqvault.TaxonID) bool {
	for _, t := range e.Taxa {
		if t == taxon {
			return true
		}
	}
	return false
}

// Manifest is an immutable, versioned description of a database's chunk set.
type Manifest struct {
	Database string `json:"database,omitempty"`
	Version  uint64 `json:"version"`

	SequenceTime time.Time `json:"sequence_time"`
	TaxonomyTime time.Time `json:"taxonomy_time"`

	SequenceRoot    seqvault.Ref `json:"sequence_root"`
	TaxonomyRoot    seqvault.Ref `json:"taxonomy_root"`
	TaxonomyVersion string       `json:"taxonomy_version,omitempty"`

	Chunks []Entry `json:"chunk_index"`

	ETag         string `json:"etag"`
	Previous     uint64 `json:"previous_version"`
	PreviousETag string `json:"previous_etag,omitempty"`
}

// Params are the inputs to Create.
type Params struct {
	Database        string
	Chunks          []Entry
	SequenceTime    time.Time
	TaxonomyTime    time.Time
	TaxonomyVersion string

	// Previous is the version this one follows, or nil for the first.
	Previous *Manifest
}

// Create builds a manifest,
// computing its roots and etag
// and linking it to its predecessor.
func Create(p Params) *Manifest {
	m := &Manifest{
		Database:        p.Database,
		Version:         1,
		SequenceTime:    p.SequenceTime.Round(0).UTC(),
		TaxonomyTime:    p.TaxonomyTime.Round(0).UTC(),
		TaxonomyVersion: p.TaxonomyVersion,
		Chunks:          make([]Entry, len(p.Chunks)),
	}
	for i, e := range p.Chunks {
		e.Taxa = append([]seqvault.TaxonID{}, e.Taxa...)
		m.Chunks[i] = e
	}
	if p.Previous != nil {
		m.Version = p.Previous.Version + 1
		m.Previous = p.Previous.Version
		m.PreviousETag = p.Previous.ETag
	}
	m.SequenceRoot = m.computeSequenceRoot()
	m.TaxonomyRoot = m.computeTaxonomyRoot()
	m.ETag = m.computeETag()
	return m
}

// Hashes lists the chunk hashes in index order.
func (m *Manifest) Hashes() []seqvault.Ref {
	out := make([]seqvault.Ref, len(m.Chunks))
	for i, e := range m.Chunks {
		out[i] = e.Ref
	}
	return out
}

// Tree builds the Merkle tree over the chunk index.
func (m *Manifest) Tree() *merkle.Tree {
	return merkle.Build(m.Hashes())
}

// Count is the total number of sequences in the chunk index.
func (m *Manifest) Count() int {
	var n int
	for _, e := range m.Chunks {
		n += e.Count
	}
	return n
}

func (m *Manifest) computeSequenceRoot() seqvault.Ref {
	return merkle.Root(m.Hashes())
}

func (m *Manifest) computeTaxonomyRoot() seqvault.Ref {
	leaves := make([]seqvault.Ref, len(m.Chunks))
	for i, e := range m.Chunks {
		leaves[i] = chunk.TaxaRef(e.Taxa)
	}
	return merkle.Root(leaves)
}

// Field numbers of the etag preimage.
const (
	fDatabase protowire.Number = iota + 1
	fVersion
	fSeqTimeSecs
	fSeqTimeNanos
	fTaxTimeSecs
	fTaxTimeNanos
	fSequenceRoot
	fTaxonomyRoot
	fTaxonomyVersion
	fPrevious
	fPreviousETag
	fEntry
)

// Field numbers within an entry.
const (
	fEntryRef protowire.Number = iota + 1
	fEntryTaxa
	fEntryCount
	fEntrySize
)

func (m *Manifest) computeETag() string {
	var buf []byte
	appendString := func(num protowire.Number, s string) {
		buf = protowire.AppendTag(buf, num, protowire.BytesType)
		buf = protowire.AppendString(buf, s)
	}
	appendVarint := func(num protowire.Number, v uint64) {
		buf = protowire.AppendTag(buf, num, protowire.VarintType)
		buf = protowire.AppendVarint(buf, v)
	}
	appendBytes := func(num protowire.Number, b []byte) {
		buf = protowire.AppendTag(buf, num, protowire.BytesType)
		buf = protowire.AppendBytes(buf, b)
	}

	appendString(fDatabase, m.Database)
	appendVarint(fVersion, m.Version)
	appendVarint(fSeqTimeSecs, protowire.EncodeZigZag(m.SequenceTime.Unix()))
	appendVarint(fSeqTimeNanos, uint64(m.SequenceTime.Nanosecond()))
	appendVarint(fTaxTimeSecs, protowire.EncodeZigZag(m.TaxonomyTime.Unix()))
	appendVarint(fTaxTimeNanos, uint64(m.TaxonomyTime.Nanosecond()))
	appendBytes(fSequenceRoot, m.SequenceRoot[:])
	appendBytes(fTaxonomyRoot, m.TaxonomyRoot[:])
	appendString(fTaxonomyVersion, m.TaxonomyVersion)
	appendVarint(fPrevious, m.Previous)
	appendString(fPreviousETag, m.PreviousETag)

	for _, e := range m.Chunks {
		var eb []byte
		eb = protowire.AppendTag(eb, fEntryRef, protowire.BytesType)
		eb = protowire.AppendBytes(eb, e.Ref[:])
		var packed []byte
		for _, t := range e.Taxa {
			packed = protowire.AppendVarint(packed, uint64(t))
		}
		eb = protowire.AppendTag(eb, fEntryTaxa, protowire.BytesType)
		eb = protowire.AppendBytes(eb, packed)
		eb = protowire.AppendTag(eb, fEntryCount, protowire.VarintType)
		eb = protowire.AppendVarint(eb, uint64(e.Count))
		eb = protowire.AppendTag(eb, fEntrySize, protowire.VarintType)
		eb = protowire.AppendVarint(eb, uint64(e.Size))
		appendBytes(fEntry, eb)
	}

	return seqvault.Blob(buf).Ref().String()
}

// Check re-derives the manifest's roots and etag
// and compares them with the recorded values.
// A root mismatch is a *seqvault.MerkleError;
// an etag mismatch is a *seqvault.HashMismatchError.
func (m *Manifest) Check() error {
	if got := m.computeSequenceRoot(); got != m.SequenceRoot {
		return &seqvault.MerkleError{Item: got, Root: m.SequenceRoot, Index: -1}
	}
	if got := m.computeTaxonomyRoot(); got != m.TaxonomyRoot {
		return &seqvault.MerkleError{Item: got, Root: m.TaxonomyRoot, Index: -1}
	}
	want, err := seqvault.RefFromHex(m.ETag)
	if err != nil {
		return errors.Wrapf(err, "parsing etag %q", m.ETag)
	}
	got, _ := seqvault.RefFromHex(m.computeETag())
	if got != want {
		return &seqvault.HashMismatchError{Want: want, Got: got}
	}
	return nil
}

// Marshal produces the JSON form of m.
func (m *Manifest) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// Parse decodes a JSON manifest and checks it.
func Parse(b []byte) (*Manifest, error) {
	m := new(Manifest)
	if err := json.Unmarshal(b, m); err != nil {
		return nil, errors.Wrap(err, "decoding manifest")
	}
	m.SequenceTime = m.SequenceTime.UTC()
	m.TaxonomyTime = m.TaxonomyTime.UTC()
	if err := m.Check(); err != nil {
		return nil, errors.Wrapf(err, "checking manifest version %d", m.Version)
	}
	return m, nil
}

func (m *Manifest) String() string {
	return fmt.Sprintf("%s@%d (%d chunks, etag %.12s)", m.Database, m.Version, len(m.Chunks), m.ETag)
}

// Changes is the difference between two chunk indexes.
type Changes struct {
	Added   []Entry `json:"added"`
	Removed []Entry `json:"removed"`

	// TaxonomyChanged tells whether the manifests were classified
	// against different taxonomy versions.
	// It is not derived from the taxonomy roots,
	// which cover each chunk's taxon set
	// and so change whenever chunks are added or removed.
	TaxonomyChanged bool `json:"taxonomy_changed"`
}

// Empty tells whether the diff has no changes.
func (d Changes) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && !d.TaxonomyChanged
}

// Diff computes the set difference between the chunk indexes of local and remote.
// Added entries are in remote order, removed entries in local order,
// each listed once.
// Either manifest may be nil, meaning an empty index.
func Diff(local, remote *Manifest) Changes {
	var (
		lset = make(map[seqvault.Ref]bool)
		rset = make(map[seqvault.Ref]bool)
		d    Changes
	)
	if local != nil {
		for _, e := range local.Chunks {
			lset[e.Ref] = true
		}
	}
	if remote != nil {
		for _, e := range remote.Chunks {
			rset[e.Ref] = true
		}
	}

	seen := make(map[seqvault.Ref]bool)
	if remote != nil {
		for _, e := range remote.Chunks {
			if !lset[e.Ref] && !seen[e.Ref] {
				seen[e.Ref] = true
				d.Added = append(d.Added, e)
			}
		}
	}
	if local != nil {
		for _, e := range local.Chunks {
			if !rset[e.Ref] && !seen[e.Ref] {
				seen[e.Ref] = true
				d.Removed = append(d.Removed, e)
			}
		}
	}

	var lver, rver string
	if local != nil {
		lver = local.TaxonomyVersion
	}
	if remote != nil {
		rver = remote.TaxonomyVersion
	}
	d.TaxonomyChanged = lver != rver

	return d
}
