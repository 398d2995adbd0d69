package ham

import (
	"math/cmplx"
	"testing"

	"github.com/fumin/ttn/tree"
)

func TestCompile(t *testing.T) {
	t.Parallel()
	chain4 := tree.Chain(4)
	chain5 := tree.Chain(5)
	comb31 := tree.Comb(3, 1)
	comb22 := tree.Comb(2, 2)

	hz := map[tree.Vertex]complex64{{0, 0}: 0.3, {0, 2}: -0.7}
	tests := []struct {
		name  string
		tr    *tree.Tree
		root  tree.Vertex
		terms []Term
	}{
		{"heisenbergChain", chain4, tree.Vertex{0, 0}, Heisenberg(chain4, 1, nil)},
		{"heisenbergChainMidRoot", chain4, tree.Vertex{0, 2}, Heisenberg(chain4, 1, hz)},
		{"isingChain", chain5, tree.Vertex{0, 4}, TransverseFieldIsing(chain5, 1, 0.5)},
		{"heisenbergComb", comb31, tree.Vertex{0, 1}, Heisenberg(comb31, 0.5, hz)},
		{"isingComb", comb22, tree.Vertex{1, 0}, TransverseFieldIsing(comb22, -1, 1.25)},
		{"sameSiteProduct", chain4, tree.Vertex{0, 0}, []Term{
			{Coeff: 1, Ops: []SiteOp{{"S+", tree.Vertex{0, 1}}, {"S-", tree.Vertex{0, 1}}}},
			{Coeff: 0.5i, Ops: []SiteOp{{"S+", tree.Vertex{0, 0}}, {"S-", tree.Vertex{0, 2}}}},
			{Coeff: 0.5i, Ops: []SiteOp{{"S-", tree.Vertex{0, 0}}, {"S+", tree.Vertex{0, 2}}}},
			{Coeff: 2, Ops: []SiteOp{{"Sz", tree.Vertex{0, 0}}, {"Sz", tree.Vertex{0, 1}}, {"Sz", tree.Vertex{0, 3}}}},
		}},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			dims := SpinHalfDims(tc.tr)
			op, err := Compile(tc.tr, dims, tc.root, tc.terms, SpinHalf())
			if err != nil {
				t.Fatalf("%+v", err)
			}
			got := op.Contract()

			coo, err := Exact(tc.tr, dims, tc.terms, SpinHalf())
			if err != nil {
				t.Fatalf("%+v", err)
			}
			want := coo.Dense()

			rows := coo.Rows()
			if g := got.Shape(); g[0] != rows || g[1] != coo.Cols() {
				t.Fatalf("%v %d %d", g, rows, coo.Cols())
			}
			for i := 0; i < rows; i++ {
				for j := 0; j < coo.Cols(); j++ {
					d := cmplx.Abs(complex128(got.At(i, j) - want[i][j]))
					if d > 1e-5 {
						t.Fatalf("(%d, %d): %v %v", i, j, got.At(i, j), want[i][j])
					}
				}
			}
		})
	}
}

// A Heisenberg chain needs exactly three open channels per bond, plus the
// identity and completed channels.
func TestCompileBondDim(t *testing.T) {
	t.Parallel()
	tr := tree.Chain(6)
	dims := SpinHalfDims(tr)
	op, err := Compile(tr, dims, tree.Vertex{0, 0}, Heisenberg(tr, 1, nil), SpinHalf())
	if err != nil {
		t.Fatalf("%+v", err)
	}
	for e, d := range op.BondDims() {
		if d != 5 {
			t.Fatalf("%v %d", e, d)
		}
	}
}

func TestCompileError(t *testing.T) {
	t.Parallel()
	tr := tree.Chain(3)
	dims := SpinHalfDims(tr)
	tests := []struct {
		name  string
		root  tree.Vertex
		terms []Term
	}{
		{"unknownRoot", tree.Vertex{9, 9}, Heisenberg(tr, 1, nil)},
		{"unknownVertex", tree.Vertex{0, 0}, []Term{{Coeff: 1, Ops: []SiteOp{{"Sz", tree.Vertex{5, 5}}}}}},
		{"unknownOp", tree.Vertex{0, 0}, []Term{{Coeff: 1, Ops: []SiteOp{{"Sq", tree.Vertex{0, 1}}}}}},
		{"emptyTerm", tree.Vertex{0, 0}, []Term{{Coeff: 1}}},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Compile(tr, dims, tc.root, tc.terms, SpinHalf()); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
