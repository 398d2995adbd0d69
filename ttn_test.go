package ttn_test

import (
	"math"
	"math/cmplx"
	"math/rand/v2"
	"testing"

	"github.com/fumin/tensor"

	ttn "github.com/fumin/ttn"
	"github.com/fumin/ttn/ham"
	"github.com/fumin/ttn/tree"
)

func TestRandState(t *testing.T) {
	t.Parallel()
	rnd := rand.New(rand.NewPCG(42, 0))
	tr := tree.Comb(3, 2)
	s := ttn.RandState(tr, ham.SpinHalfDims(tr), 7, rnd)
	if err := s.Check(); err != nil {
		t.Fatalf("%+v", err)
	}
	if d := s.MaxBondDim(); d > 7 {
		t.Fatalf("%d", d)
	}
}

func TestOrthogonalize(t *testing.T) {
	t.Parallel()
	rnd := rand.New(rand.NewPCG(1, 2))
	tests := []struct {
		name string
		tr   *tree.Tree
	}{
		{"chain", tree.Chain(5)},
		{"comb", tree.Comb(2, 2)},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s := ttn.RandState(tc.tr, ham.SpinHalfDims(tc.tr), 4, rnd)
			before := s.Contract()

			for _, center := range []tree.Vertex{tc.tr.Vertices()[0], tc.tr.Vertices()[len(tc.tr.Vertices())-1]} {
				if err := s.Orthogonalize(center); err != nil {
					t.Fatalf("%+v", err)
				}
				// Re-gauging toward the same center is a no-op.
				if err := s.Orthogonalize(center); err != nil {
					t.Fatalf("%+v", err)
				}
				if c, ok := s.Center(); !ok || c != center {
					t.Fatalf("%v %v", c, center)
				}
				for _, v := range tc.tr.Vertices() {
					if v == center {
						continue
					}
					checkIsometry(t, s, v, center)
				}

				// Gauging must not change the state.
				after := s.Contract()
				for i := 0; i < before.Shape()[0]; i++ {
					if d := cmplx.Abs(complex128(after.At(i) - before.At(i))); d > 1e-5 {
						t.Fatalf("%d: %v %v", i, after.At(i), before.At(i))
					}
				}

				// In canonical form the norm lives entirely in the center.
				var n2 float64
				for _, v := range s.Tensor(center).All() {
					n2 += cmplx.Abs(complex128(v)) * cmplx.Abs(complex128(v))
				}
				ip := complex128(s.InnerProduct(s))
				if d := cmplx.Abs(ip - complex(n2, 0)); d > 1e-4*(1+n2) {
					t.Fatalf("%v %v", ip, n2)
				}
			}
		})
	}
}

// checkIsometry verifies that contracting the tensor at v with its conjugate
// over all axes except the one toward center yields the identity.
func checkIsometry(t *testing.T, s *ttn.State, v, center tree.Vertex) {
	t.Helper()
	tr := s.Tree()
	next := tr.Path(v, center)[1]
	k := tr.NeighborIndex(v, next)

	a := s.Tensor(v)
	pairs := make([][2]int, 0, len(a.Shape())-1)
	for i := range a.Shape() {
		if i != k {
			pairs = append(pairs, [2]int{i, i})
		}
	}
	g := tensor.Contract(tensor.Zeros(1), a.Conj(), a, pairs)
	n := g.Shape()[0]
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			want := complex64(0)
			if i == j {
				want = 1
			}
			if d := cmplx.Abs(complex128(g.At(i, j) - want)); d > 1e-4 {
				t.Fatalf("%v (%d, %d): %v", v, i, j, g.At(i, j))
			}
		}
	}
}

func TestProductState(t *testing.T) {
	t.Parallel()
	tr := tree.Chain(3)
	dims := ham.SpinHalfDims(tr)
	local := map[tree.Vertex][]complex64{
		{0, 0}: {1, 0},
		{0, 1}: {0.6, 0.8i},
		{0, 2}: {0, 1},
	}
	s, err := ttn.ProductState(tr, dims, local)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	got := s.Contract()
	for i := 0; i < 8; i++ {
		want := local[tree.Vertex{0, 0}][i>>2] * local[tree.Vertex{0, 1}][i>>1&1] * local[tree.Vertex{0, 2}][i&1]
		if d := cmplx.Abs(complex128(got.At(i) - want)); d > 1e-6 {
			t.Fatalf("%d: %v %v", i, got.At(i), want)
		}
	}

	if _, err := ttn.ProductState(tr, dims, map[tree.Vertex][]complex64{{0, 0}: {1, 0}}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestExpectation(t *testing.T) {
	t.Parallel()
	rnd := rand.New(rand.NewPCG(7, 7))
	tr := tree.Comb(2, 1)
	dims := ham.SpinHalfDims(tr)
	terms := ham.Heisenberg(tr, 1, map[tree.Vertex]complex64{{0, 0}: 0.4})
	op, err := ham.Compile(tr, dims, tree.Vertex{0, 0}, terms, ham.SpinHalf())
	if err != nil {
		t.Fatalf("%+v", err)
	}
	coo, err := ham.Exact(tr, dims, terms, ham.SpinHalf())
	if err != nil {
		t.Fatalf("%+v", err)
	}
	h := coo.Dense()

	s := ttn.RandState(tr, dims, 4, rnd)
	psi := s.Contract()

	var n2, e, e2 complex128
	n := coo.Rows()
	hPsi := make([]complex128, n)
	for i := 0; i < n; i++ {
		pi := complex128(psi.At(i))
		n2 += cmplx.Conj(pi) * pi
		for j := 0; j < n; j++ {
			hPsi[i] += complex128(h[i][j]) * complex128(psi.At(j))
		}
	}
	for i := 0; i < n; i++ {
		e += cmplx.Conj(complex128(psi.At(i))) * hPsi[i]
	}
	for i := 0; i < n; i++ {
		var hh complex128
		for j := 0; j < n; j++ {
			hh += complex128(h[i][j]) * hPsi[j]
		}
		e2 += cmplx.Conj(complex128(psi.At(i))) * hh
	}
	wantE := e / n2
	wantVar := e2/n2 - wantE*wantE

	gotE := complex128(s.Expectation(op))
	if d := cmplx.Abs(gotE - wantE); d > 1e-4 {
		t.Fatalf("%v %v", gotE, wantE)
	}
	gotVar := complex128(s.Variance(op))
	if d := cmplx.Abs(gotVar - wantVar); d > 1e-3 {
		t.Fatalf("%v %v", gotVar, wantVar)
	}
}

func TestNormalize(t *testing.T) {
	t.Parallel()
	rnd := rand.New(rand.NewPCG(3, 9))
	tr := tree.Chain(4)
	s := ttn.RandState(tr, ham.SpinHalfDims(tr), 3, rnd)
	if err := s.Orthogonalize(tree.Vertex{0, 1}); err != nil {
		t.Fatalf("%+v", err)
	}
	s.Normalize()
	if n := s.Norm(); math.Abs(float64(n-1)) > 1e-5 {
		t.Fatalf("%v", n)
	}
	ip := complex128(s.InnerProduct(s))
	if d := cmplx.Abs(ip - 1); d > 1e-4 {
		t.Fatalf("%v", ip)
	}
}
