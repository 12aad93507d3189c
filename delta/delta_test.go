package delta

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"pgregory.net/rapid"

	"github.com/bobg/seqvault"
)

func TestCompute(t *testing.T) {
	cases := []struct {
		name      string
		ref, targ string
		want      []Op
	}{
		{
			name: "identical",
			ref:  "ACGTACGT",
			targ: "ACGTACGT",
			want: []Op{{Kind: Copy, Offset: 0, Len: 8}},
		},
		{
			name: "substitution",
			ref:  "ACGTACGT",
			targ: "ACGAACGT",
			want: []Op{
				{Kind: Copy, Offset: 0, Len: 3},
				{Kind: Skip, Len: 1},
				{Kind: Insert, Data: []byte("A")},
				{Kind: Copy, Offset: 4, Len: 4},
			},
		},
		{
			name: "insertion",
			ref:  "MKVLA",
			targ: "MKVWWLA",
			want: []Op{
				{Kind: Copy, Offset: 0, Len: 3},
				{Kind: Insert, Data: []byte("WW")},
				{Kind: Copy, Offset: 3, Len: 2},
			},
		},
		{
			name: "deletion",
			ref:  "MKVWWLA",
			targ: "MKVLA",
			want: []Op{
				{Kind: Copy, Offset: 0, Len: 3},
				{Kind: Skip, Len: 2},
				{Kind: Copy, Offset: 5, Len: 2},
			},
		},
		{
			name: "empty target",
			ref:  "ACGT",
			targ: "",
			want: []Op{{Kind: Skip, Len: 4}},
		},
		{
			name: "empty reference",
			ref:  "",
			targ: "ACGT",
			want: []Op{{Kind: Insert, Data: []byte("ACGT")}},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, err := Compute([]byte(tc.ref), []byte(tc.targ), Options{})
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tc.want, d.Ops); diff != "" {
				t.Errorf("ops mismatch (-want +got):\n%s", diff)
			}
			got, err := Apply([]byte(tc.ref), d.Ops)
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != tc.targ {
				t.Errorf("got %q, want %q", got, tc.targ)
			}
		})
	}
}

func TestTooDistant(t *testing.T) {
	_, err := Compute([]byte("AAAAAAAAAA"), []byte("CCCCCCCCCC"), Options{MaxDistance: 5})
	if !errors.Is(err, ErrTooDistant) {
		t.Errorf("got %v, want ErrTooDistant", err)
	}
	_, err = Compute([]byte("A"), []byte("AAAAAAAAAA"), Options{MaxDistance: 5})
	if !errors.Is(err, ErrTooDistant) {
		t.Errorf("got %v, want ErrTooDistant for length difference", err)
	}
}

func TestReconstructMismatch(t *testing.T) {
	ref := []byte("MKTAYIAKQRQISFVKSHFSRQ")
	d, err := Compute(ref, []byte("MKTAYIAKQRQLSFVKSHFSRQ"), Options{})
	if err != nil {
		t.Fatal(err)
	}

	// Corrupt an inserted byte.
	for i, op := range d.Ops {
		if op.Kind == Insert {
			d.Ops[i].Data = []byte("Z")
		}
	}
	_, err = d.Reconstruct(ref)
	if !errors.Is(err, seqvault.ErrDeltaReconstruction) {
		t.Fatalf("got %v, want delta reconstruction error", err)
	}
	var derr *seqvault.DeltaError
	if !errors.As(err, &derr) || derr.Target != d.Target {
		t.Errorf("unexpected error detail %v", err)
	}

	_, err = d.Reconstruct([]byte("wrong reference"))
	if !errors.Is(err, seqvault.ErrContentHashMismatch) {
		t.Errorf("got %v, want content hash mismatch", err)
	}
}

func TestApplyBounds(t *testing.T) {
	if _, err := Apply([]byte("ACGT"), []Op{{Kind: Copy, Offset: 2, Len: 3}}); err == nil {
		t.Error("expected error for out-of-range copy")
	}
	if _, err := Apply([]byte("ACGT"), []Op{{Kind: Skip, Len: 5}}); err == nil {
		t.Error("expected error for out-of-range skip")
	}
	if _, err := Apply([]byte("ACGT"), []Op{{Kind: 9}}); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestEncoding(t *testing.T) {
	ref := []byte("MVLSPADKTNVKAAWGKVGAHAGEYGAEALERMFLSFPTTKTYFPHF")
	targ := []byte("MVLSPADKTNVKAAWGKVGAHAGEYGAEALERMFLSFPTTKTYFPHFDLSH")
	d, err := Compute(ref, targ, Options{})
	if err != nil {
		t.Fatal(err)
	}
	enc, err := d.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	var got Delta
	if err := got.UnmarshalBinary(enc); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(d, &got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	if err := got.UnmarshalBinary(enc[:10]); err == nil {
		t.Error("expected error for truncated delta")
	}
	bad := append([]byte{}, enc...)
	bad[0] = 99
	if err := got.UnmarshalBinary(bad); err == nil {
		t.Error("expected error for unknown version")
	}
}

func TestRoundTripProperty(t *testing.T) {
	alphabet := rapid.SampledFrom([]byte("ACGT"))
	rapid.Check(t, func(t *rapid.T) {
		ref := rapid.SliceOfN(alphabet, 0, 200).Draw(t, "ref")

		// Mutate the reference a little.
		targ := append([]byte{}, ref...)
		nmut := rapid.IntRange(0, 10).Draw(t, "nmut")
		for i := 0; i < nmut; i++ {
			switch rapid.IntRange(0, 2).Draw(t, "kind") {
			case 0:
				pos := rapid.IntRange(0, len(targ)).Draw(t, "inspos")
				targ = append(targ[:pos], append([]byte{alphabet.Draw(t, "ins")}, targ[pos:]...)...)
			case 1:
				if len(targ) > 0 {
					pos := rapid.IntRange(0, len(targ)-1).Draw(t, "delpos")
					targ = append(targ[:pos], targ[pos+1:]...)
				}
			case 2:
				if len(targ) > 0 {
					pos := rapid.IntRange(0, len(targ)-1).Draw(t, "subpos")
					targ[pos] = alphabet.Draw(t, "sub")
				}
			}
		}

		d, err := Compute(ref, targ, Options{})
		if err != nil {
			t.Fatal(err)
		}
		got, err := Apply(ref, d.Ops)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, targ) {
			t.Fatalf("apply gave %q, want %q", got, targ)
		}

		enc, err := d.MarshalBinary()
		if err != nil {
			t.Fatal(err)
		}
		var dec Delta
		if err := dec.UnmarshalBinary(enc); err != nil {
			t.Fatal(err)
		}
		if _, err := dec.Reconstruct(ref); err != nil {
			t.Fatal(err)
		}
	})
}

func TestArbitraryPairs(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ref := rapid.SliceOfN(rapid.Byte(), 0, 64).Draw(t, "ref")
		targ := rapid.SliceOfN(rapid.Byte(), 0, 64).Draw(t, "targ")
		d, err := Compute(ref, targ, Options{MaxDistance: 128})
		if err != nil {
			t.Fatal(err)
		}
		got, err := d.Reconstruct(ref)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, targ) {
			t.Fatalf("got %q, want %q", got, targ)
		}
	})
}
