package delta

type editKind byte

const (
	editEqual editKind = iota
	editInsert
	editDelete
)

// diffOps computes a shortest edit script from a to b
// (Myers, "An O(ND) Difference Algorithm and Its Variations")
// and coalesces it into ops.
// Common prefix and suffix are stripped first.
func diffOps(a, b []byte, maxD int) ([]Op, error) {
	var prefix int
	for prefix < len(a) && prefix < len(b) && a[prefix] == b[prefix] {
		prefix++
	}
	var suffix int
	for suffix < len(a)-prefix && suffix < len(b)-prefix && a[len(a)-1-suffix] == b[len(b)-1-suffix] {
		suffix++
	}

	midA := a[prefix : len(a)-suffix]
	midB := b[prefix : len(b)-suffix]

	edits, err := myers(midA, midB, maxD)
	if err != nil {
		return nil, err
	}

	var ops []Op
	addCopy := func(offset, n int) {
		if n == 0 {
			return
		}
		if len(ops) > 0 {
			last := &ops[len(ops)-1]
			if last.Kind == Copy && last.Offset+last.Len == offset {
				last.Len += n
				return
			}
		}
		ops = append(ops, Op{Kind: Copy, Offset: offset, Len: n})
	}

	addCopy(0, prefix)

	x, y := 0, 0
	for _, e := range edits {
		switch e {
		case editEqual:
			addCopy(prefix+x, 1)
			x++
			y++
		case editDelete:
			if n := len(ops); n > 0 && ops[n-1].Kind == Skip {
				ops[n-1].Len++
			} else {
				ops = append(ops, Op{Kind: Skip, Len: 1})
			}
			x++
		case editInsert:
			if n := len(ops); n > 0 && ops[n-1].Kind == Insert {
				ops[n-1].Data = append(ops[n-1].Data, midB[y])
			} else {
				ops = append(ops, Op{Kind: Insert, Data: []byte{midB[y]}})
			}
			y++
		}
	}

	addCopy(len(a)-suffix, suffix)

	return ops, nil
}

// myers returns the edit script from a to b
// as a sequence of per-byte edits,
// or ErrTooDistant if it needs more than maxD insertions plus deletions.
func myers(a, b []byte, maxD int) ([]editKind, error) {
	n, m := len(a), len(b)
	if n+m < maxD {
		maxD = n + m
	}
	offset := maxD + 1

	// v[offset+k] is the furthest x reached on diagonal k, or -1.
	v := make([]int, 2*maxD+3)
	for i := range v {
		v[i] = -1
	}
	v[offset+1] = 0

	// trace[d] holds v[-d-1 .. d+1] as it was before step d.
	var trace [][]int

	for d := 0; d <= maxD; d++ {
		snap := make([]int, 2*d+3)
		copy(snap, v[offset-d-1:offset+d+2])
		trace = append(trace, snap)

		get := func(k int) int { return v[offset+k] }
		for k := -d; k <= d; k += 2 {
			_, x, ok := choose(get, k, n, m)
			if !ok {
				v[offset+k] = -1
				continue
			}
			y := x - k
			for x < n && y < m && a[x] == b[y] {
				x++
				y++
			}
			v[offset+k] = x
			if x == n && y == m {
				return backtrack(trace, n, m), nil
			}
		}
	}
	return nil, ErrTooDistant
}

// choose picks the predecessor diagonal for diagonal k:
// a step down from k+1 (an insertion) or right from k-1 (a deletion),
// whichever reaches further without leaving the edit graph.
// It returns the predecessor diagonal and the x reached by the step.
func choose(get func(int) int, k, n, m int) (prevK, x int, ok bool) {
	down, right := -1, -1
	if xd := get(k + 1); xd >= 0 && xd-k <= m {
		down = xd
	}
	if xr := get(k - 1); xr >= 0 && xr+1 <= n {
		right = xr + 1
	}
	switch {
	case down < 0 && right < 0:
		return 0, 0, false
	case down >= right:
		return k + 1, down, true
	default:
		return k - 1, right, true
	}
}

func backtrack(trace [][]int, n, m int) []editKind {
	var (
		edits []editKind
		x, y  = n, m
	)
	for d := len(trace) - 1; d > 0; d-- {
		snap := trace[d]
		get := func(k int) int { return snap[k+d+1] }

		k := x - y
		prevK, midX, _ := choose(get, k, n, m)
		midY := midX - k

		for x > midX && y > midY {
			edits = append(edits, editEqual)
			x--
			y--
		}
		if prevK == k+1 {
			edits = append(edits, editInsert)
		} else {
			edits = append(edits, editDelete)
		}
		x = get(prevK)
		y = x - prevK
	}
	for x > 0 && y > 0 {
		edits = append(edits, editEqual)
		x--
		y--
	}

	for i, j := 0, len(edits)-1; i < j; i, j = i+1, j-1 {
		edits[i], edits[j] = edits[j], edits[i]
	}
	return edits
}
