// Package merkle builds binary Merkle trees over ordered hashes
// and produces and checks inclusion proofs.
//
// Interior nodes hash the concatenation of their children.
// A node without a sibling at some level is promoted unchanged,
// so the tree needs no padding.
// The root of an empty list is seqvault.Zero.
package merkle

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/bobg/seqvault"
)

// Tree is an immutable Merkle tree.
type Tree struct {
	// levels[0] is the leaves; the last level holds the root.
	levels [][]seqvault.Ref
}

// Step is one element of an inclusion proof.
type Step struct {
	Hash seqvault.Ref `json:"hash"`

	// Left tells whether Hash is the left sibling.
	Left bool `json:"left"`
}

// Proof lists sibling hashes from leaf to root.
// Levels where the node was promoted contribute no step.
type Proof []Step

// parallelThreshold is the level width above which pairs are hashed concurrently.
const parallelThreshold = 1024

// Build constructs the tree over hashes, in order.
func Build(hashes []seqvault.Ref) *Tree {
	leaves := make([]seqvault.Ref, len(hashes))
	copy(leaves, hashes)

	t := &Tree{levels: [][]seqvault.Ref{leaves}}
	for level := leaves; len(level) > 1; {
		level = nextLevel(level)
		t.levels = append(t.levels, level)
	}
	return t
}

func nextLevel(level []seqvault.Ref) []seqvault.Ref {
	next := make([]seqvault.Ref, (len(level)+1)/2)
	pair := func(i int) {
		if 2*i+1 < len(level) {
			next[i] = Parent(level[2*i], level[2*i+1])
		} else {
			next[i] = level[2*i]
		}
	}

	if len(level) <= parallelThreshold {
		for i := range next {
			pair(i)
		}
		return next
	}

	var (
		wg      sync.WaitGroup
		workers = runtime.GOMAXPROCS(0)
		per     = (len(next) + workers - 1) / workers
	)
	for start := 0; start < len(next); start += per {
		end := start + per
		if end > len(next) {
			end = len(next)
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for i := start; i < end; i++ {
				pair(i)
			}
		}(start, end)
	}
	wg.Wait()
	return next
}

// Parent is the hash of an interior node.
func Parent(left, right seqvault.Ref) seqvault.Ref {
	return seqvault.Hash(left[:], right[:])
}

// Root is the root hash of the tree.
func (t *Tree) Root() seqvault.Ref {
	top := t.levels[len(t.levels)-1]
	if len(top) == 0 {
		return seqvault.Zero
	}
	return top[0]
}

// Len is the number of leaves.
func (t *Tree) Len() int {
	return len(t.levels[0])
}

// Leaf returns the i'th leaf hash.
func (t *Tree) Leaf(i int) seqvault.Ref {
	return t.levels[0][i]
}

// Prove produces the inclusion proof for leaf i.
func (t *Tree) Prove(i int) (Proof, error) {
	if i < 0 || i >= t.Len() {
		return nil, fmt.Errorf("index %d out of range [0,%d)", i, t.Len())
	}
	var proof Proof
	for _, level := range t.levels[:len(t.levels)-1] {
		sib := i ^ 1
		if sib < len(level) {
			proof = append(proof, Step{Hash: level[sib], Left: sib < i})
		}
		i /= 2
	}
	return proof, nil
}

// Verify tells whether proof leads from item to root.
func Verify(item seqvault.Ref, proof Proof, root seqvault.Ref) bool {
	h := item
	for _, step := range proof {
		if step.Left {
			h = Parent(step.Hash, h)
		} else {
			h = Parent(h, step.Hash)
		}
	}
	return h == root
}

// Root computes the root hash of hashes without keeping the tree.
func Root(hashes []seqvault.Ref) seqvault.Ref {
	if len(hashes) == 0 {
		return seqvault.Zero
	}
	level := hashes
	for len(level) > 1 {
		level = nextLevel(level)
	}
	return level[0]
}
