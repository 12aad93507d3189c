// Package delta encodes a sequence as an exact edit script
// against a similar reference sequence.
package delta

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/bobg/seqvault"
)

// OpKind is the kind of an edit operation.
type OpKind byte

const (
	// Copy copies Len bytes of the reference starting at Offset.
	Copy OpKind = iota + 1

	// Insert emits Data.
	Insert

	// Skip advances past Len bytes of the reference.
	Skip
)

func (k OpKind) String() string {
	switch k {
	case Copy:
		return "copy"
	case Insert:
		return "insert"
	case Skip:
		return "skip"
	}
	return fmt.Sprintf("OpKind(%d)", byte(k))
}

// Op is a single edit operation.
type Op struct {
	Kind   OpKind
	Offset int    // Copy only
	Len    int    // Copy and Skip
	Data   []byte // Insert only
}

// Delta is an edit script turning the bytes of Reference into the bytes of Target.
type Delta struct {
	Reference, Target seqvault.Ref
	Ops               []Op
}

// ErrTooDistant means the edit distance between two sequences
// exceeds the configured bound.
var ErrTooDistant = errors.New("sequences too distant")

// DefaultMaxDistance bounds the edit distance searched by Compute
// when Options.MaxDistance is zero.
const DefaultMaxDistance = 1024

// Options control Compute.
type Options struct {
	// MaxDistance bounds the number of inserted plus deleted bytes.
	MaxDistance int
}

// Compute produces a delta from reference to target.
// The result is checked by replaying it before it is returned.
func Compute(reference, target []byte, opts Options) (*Delta, error) {
	maxD := opts.MaxDistance
	if maxD <= 0 {
		maxD = DefaultMaxDistance
	}
	diff := len(reference) - len(target)
	if diff < 0 {
		diff = -diff
	}
	if diff > maxD {
		return nil, ErrTooDistant
	}

	ops, err := diffOps(reference, target, maxD)
	if err != nil {
		return nil, err
	}
	d := &Delta{
		Reference: seqvault.Blob(reference).Ref(),
		Target:    seqvault.Blob(target).Ref(),
		Ops:       ops,
	}
	if _, err := d.Reconstruct(reference); err != nil {
		return nil, err
	}
	return d, nil
}

// Apply replays ops against reference.
// A cursor into reference starts at 0;
// Copy moves it to the end of the copied range
// and Skip advances it.
func Apply(reference []byte, ops []Op) ([]byte, error) {
	var (
		out    []byte
		cursor int
	)
	for i, op := range ops {
		switch op.Kind {
		case Copy:
			if op.Offset < 0 || op.Len < 0 || op.Offset+op.Len > len(reference) {
				return nil, fmt.Errorf("op %d: copy [%d,%d) out of range for reference of length %d", i, op.Offset, op.Offset+op.Len, len(reference))
			}
			out = append(out, reference[op.Offset:op.Offset+op.Len]...)
			cursor = op.Offset + op.Len
		case Insert:
			out = append(out, op.Data...)
		case Skip:
			if op.Len < 0 || cursor+op.Len > len(reference) {
				return nil, fmt.Errorf("op %d: skip %d past end of reference", i, op.Len)
			}
			cursor += op.Len
		default:
			return nil, fmt.Errorf("op %d: unknown kind %d", i, op.Kind)
		}
	}
	if out == nil {
		out = []byte{}
	}
	return out, nil
}

// Reconstruct replays d against the bytes of its reference
// and checks the result against d.Target.
func (d *Delta) Reconstruct(reference []byte) ([]byte, error) {
	if err := seqvault.CheckHash(d.Reference, reference); err != nil {
		return nil, errors.Wrap(err, "checking delta reference")
	}
	out, err := Apply(reference, d.Ops)
	if err != nil {
		return nil, errors.Wrapf(err, "applying delta for %s", d.Target)
	}
	if got := seqvault.Blob(out).Ref(); got != d.Target {
		return nil, &seqvault.DeltaError{Reference: d.Reference, Target: d.Target, Got: got}
	}
	return out, nil
}
