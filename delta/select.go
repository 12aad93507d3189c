package delta

import (
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"

	"github.com/bobg/seqvault"
)

// Policy decides when a sequence is stored as a delta.
type Policy struct {
	Enabled bool `json:"enabled"`

	// Threshold is the largest accepted ratio
	// of encoded delta size to target size.
	Threshold float64 `json:"threshold"`

	// MaxDistance bounds the edit distance searched per candidate.
	MaxDistance int `json:"max_distance"`

	// MaxCandidates is how many prefiltered candidates get a full diff.
	MaxCandidates int `json:"max_candidates"`

	// KmerSize is the k-mer length for similarity sketches.
	KmerSize int `json:"kmer_size"`

	// MinSimilarity is the smallest estimated Jaccard similarity
	// for a candidate to be diffed.
	MinSimilarity float64 `json:"min_similarity"`
}

// DefaultPolicy is a disabled policy with reasonable parameters.
var DefaultPolicy = Policy{
	Threshold:     0.2,
	MaxDistance:   DefaultMaxDistance,
	MaxCandidates: 4,
	KmerSize:      8,
	MinSimilarity: 0.5,
}

func (p Policy) withDefaults() Policy {
	if p.Threshold <= 0 {
		p.Threshold = DefaultPolicy.Threshold
	}
	if p.MaxDistance <= 0 {
		p.MaxDistance = DefaultPolicy.MaxDistance
	}
	if p.MaxCandidates <= 0 {
		p.MaxCandidates = DefaultPolicy.MaxCandidates
	}
	if p.KmerSize <= 0 {
		p.KmerSize = DefaultPolicy.KmerSize
	}
	if p.MinSimilarity <= 0 {
		p.MinSimilarity = DefaultPolicy.MinSimilarity
	}
	return p
}

// Accept tells whether a delta with the given ratio
// (encoded delta size over target size) should be kept.
func (p Policy) Accept(ratio float64) bool {
	return ratio < p.withDefaults().Threshold
}

// Candidate is a possible reference sequence.
type Candidate struct {
	Ref   seqvault.Ref
	Bytes []byte
}

// ErrNoReference means no candidate was close enough to the target.
var ErrNoReference = errors.New("no suitable reference")

// SelectReference picks the candidate whose delta to target encodes smallest.
// Candidates are first narrowed by length difference and sketch similarity.
// The returned ratio is encoded delta size over target size.
func SelectReference(candidates []Candidate, target []byte, p Policy) (*Delta, float64, error) {
	p = p.withDefaults()
	if len(target) == 0 {
		return nil, 0, ErrNoReference
	}

	type scored struct {
		c   Candidate
		sim float64
	}
	var (
		tref    = seqvault.Blob(target).Ref()
		tsketch = NewSketch(target, p.KmerSize)
		pool    []scored
	)
	for _, c := range candidates {
		if c.Ref == tref {
			continue
		}
		diff := len(c.Bytes) - len(target)
		if diff < 0 {
			diff = -diff
		}
		if diff > p.MaxDistance {
			continue
		}
		sim := tsketch.Similarity(NewSketch(c.Bytes, p.KmerSize))
		if sim < p.MinSimilarity {
			continue
		}
		pool = append(pool, scored{c: c, sim: sim})
	}
	sort.SliceStable(pool, func(i, j int) bool { return pool[i].sim > pool[j].sim })
	if len(pool) > p.MaxCandidates {
		pool = pool[:p.MaxCandidates]
	}

	var (
		best     *Delta
		bestSize int
	)
	for _, s := range pool {
		d, err := Compute(s.c.Bytes, target, Options{MaxDistance: p.MaxDistance})
		if errors.Is(err, ErrTooDistant) {
			continue
		}
		if err != nil {
			return nil, 0, errors.Wrapf(err, "computing delta against %s", s.c.Ref)
		}
		size, err := d.EncodedSize()
		if err != nil {
			return nil, 0, err
		}
		if best == nil || size < bestSize {
			best, bestSize = d, size
		}
	}
	if best == nil {
		return nil, 0, ErrNoReference
	}
	return best, float64(bestSize) / float64(len(target)), nil
}

const sketchSize = 64

// Sketch is a MinHash signature of a sequence's k-mers.
type Sketch [sketchSize]uint64

var sketchSeeds [sketchSize]uint64

func init() {
	seed := uint64(0x9e3779b97f4a7c15)
	for i := range sketchSeeds {
		seed = mix64(seed + uint64(i))
		sketchSeeds[i] = seed
	}
}

// NewSketch computes the MinHash sketch of b's k-mers.
// A sequence shorter than k is treated as a single k-mer.
func NewSketch(b []byte, k int) Sketch {
	var s Sketch
	for i := range s {
		s[i] = ^uint64(0)
	}
	add := func(kmer []byte) {
		h := xxhash.Sum64(kmer)
		for i, seed := range sketchSeeds {
			if v := mix64(h ^ seed); v < s[i] {
				s[i] = v
			}
		}
	}
	if len(b) < k {
		add(b)
		return s
	}
	for i := 0; i+k <= len(b); i++ {
		add(b[i : i+k])
	}
	return s
}

// Similarity estimates the Jaccard similarity of the k-mer sets behind two sketches.
func (s Sketch) Similarity(other Sketch) float64 {
	var n int
	for i := range s {
		if s[i] == other[i] {
			n++
		}
	}
	return float64(n) / sketchSize
}

// mix64 is the splitmix64 finalizer.
func mix64(x uint64) uint64 {
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}
