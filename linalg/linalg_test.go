package linalg

import (
	"fmt"
	"math"
	"math/cmplx"
	"testing"

	"github.com/fumin/tensor"
)

func TestEigHermitian(t *testing.T) {
	t.Parallel()
	tests := []struct {
		m    [][]complex64
		vals []float64
	}{
		{
			m:    [][]complex64{{2}},
			vals: []float64{2},
		},
		{
			// Pauli X.
			m:    [][]complex64{{0, 1}, {1, 0}},
			vals: []float64{-1, 1},
		},
		{
			// Pauli Y, complex entries.
			m:    [][]complex64{{0, -1i}, {1i, 0}},
			vals: []float64{-1, 1},
		},
		{
			m: [][]complex64{
				{2, 1 + 1i, 0},
				{1 - 1i, 3, -2i},
				{0, 2i, 1},
			},
			vals: nil, // checked via reconstruction below
		},
	}
	for i, test := range tests {
		t.Run(fmt.Sprintf("%d", i), func(t *testing.T) {
			t.Parallel()
			n := len(test.m)
			a := tensor.Zeros(n, n)
			for i, row := range test.m {
				for j, v := range row {
					a.SetAt([]int{i, j}, v)
				}
			}

			vals, vecs, err := EigHermitian(a)
			if err != nil {
				t.Fatalf("%+v", err)
			}
			if test.vals != nil {
				for j, want := range test.vals {
					if math.Abs(vals[j]-want) > 1e-5 {
						t.Fatalf("%v, expected %v", vals, test.vals)
					}
				}
			}
			for j := 1; j < n; j++ {
				if vals[j] < vals[j-1] {
					t.Fatalf("not ascending %v", vals)
				}
			}

			// A·v_j = λ_j·v_j, and eigenvectors orthonormal.
			for j := 0; j < n; j++ {
				for i := 0; i < n; i++ {
					var av complex128
					for k := 0; k < n; k++ {
						av += complex128(test.m[i][k]) * complex128(vecs.At(k, j))
					}
					want := complex(vals[j], 0) * complex128(vecs.At(i, j))
					if cmplx.Abs(av-want) > 1e-5 {
						t.Fatalf("%d %d: %v, expected %v", i, j, av, want)
					}
				}
				for k := 0; k <= j; k++ {
					var ip complex128
					for i := 0; i < n; i++ {
						ip += cmplx.Conj(complex128(vecs.At(i, j))) * complex128(vecs.At(i, k))
					}
					want := complex128(0)
					if k == j {
						want = 1
					}
					if cmplx.Abs(ip-want) > 1e-5 {
						t.Fatalf("%d %d: %v", j, k, ip)
					}
				}
			}
		})
	}
}

func TestSVD(t *testing.T) {
	t.Parallel()
	tests := []struct {
		m      [][]complex64
		maxDim int
		cutoff float32
		keep   int
	}{
		{
			m:      [][]complex64{{3, 0}, {0, 1i}, {0, 0}},
			maxDim: 0,
			keep:   2,
		},
		{
			m:      [][]complex64{{3, 0}, {0, 1i}, {0, 0}},
			maxDim: 1,
			keep:   1,
		},
		{
			// Wide matrix.
			m:      [][]complex64{{1, 2i, 0, 1}, {0, 1, -1i, 2}},
			maxDim: 0,
			keep:   2,
		},
		{
			// Cutoff discards the weak singular value: weights 100 and 1e-8.
			m:      [][]complex64{{10, 0}, {0, 1e-4}},
			cutoff: 1e-6,
			keep:   1,
		},
	}
	for i, test := range tests {
		t.Run(fmt.Sprintf("%d", i), func(t *testing.T) {
			t.Parallel()
			rows, cols := len(test.m), len(test.m[0])
			a := tensor.Zeros(rows, cols)
			for i, row := range test.m {
				for j, v := range row {
					a.SetAt([]int{i, j}, v)
				}
			}

			u, s, v, truncErr, err := SVD(a, test.maxDim, test.cutoff)
			if err != nil {
				t.Fatalf("%+v", err)
			}
			if len(s) != test.keep {
				t.Fatalf("%d, expected %d", len(s), test.keep)
			}
			for j := 1; j < len(s); j++ {
				if s[j] > s[j-1] {
					t.Fatalf("not descending %v", s)
				}
			}

			// Reconstruction error is bounded by the truncated weight.
			var err2 float64
			var total float64
			for i := 0; i < rows; i++ {
				for j := 0; j < cols; j++ {
					var rec complex128
					for k := 0; k < len(s); k++ {
						rec += complex128(u.At(i, k)) * complex128(complex(s[k], 0)) * cmplx.Conj(complex128(v.At(j, k)))
					}
					d := complex128(test.m[i][j]) - rec
					err2 += real(d)*real(d) + imag(d)*imag(d)
					m := complex128(test.m[i][j])
					total += real(m)*real(m) + imag(m)*imag(m)
				}
			}
			if err2 > float64(truncErr)*total+1e-8*total {
				t.Fatalf("reconstruction error %v, truncated weight %v", err2/total, truncErr)
			}
		})
	}
}

func TestExpKrylov(t *testing.T) {
	t.Parallel()
	// exp(-i·θ·X) on |0> rotates to cos(θ)|0> - i·sin(θ)|1>.
	x := tensor.Zeros(2, 2)
	x.SetAt([]int{0, 1}, 1)
	x.SetAt([]int{1, 0}, 1)
	apply := func(dst, src *tensor.Dense) {
		tensor.Contract(dst, x, src, [][2]int{{1, 0}})
	}

	v := tensor.Zeros(2)
	v.SetAt([]int{0}, 1)
	const theta = 0.3
	w, _, converged, err := ExpKrylov(apply, complex(0, -theta), v, 10, 1e-7)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	if !converged {
		t.Fatalf("not converged")
	}

	want0 := complex(float32(math.Cos(theta)), 0)
	want1 := complex(0, -float32(math.Sin(theta)))
	if d := cmplx.Abs(complex128(w.At(0) - want0)); d > 1e-5 {
		t.Fatalf("%v, expected %v", w.At(0), want0)
	}
	if d := cmplx.Abs(complex128(w.At(1) - want1)); d > 1e-5 {
		t.Fatalf("%v, expected %v", w.At(1), want1)
	}
}

func TestExpRK4(t *testing.T) {
	t.Parallel()
	// Time dependent generator f(t)·X with f(t) = t: the accumulated phase
	// after time T is T²/2.
	x := tensor.Zeros(2, 2)
	x.SetAt([]int{0, 1}, 1)
	x.SetAt([]int{1, 0}, 1)
	buf := tensor.Zeros(1)
	apply := func(tm complex64, dst, src *tensor.Dense) {
		tensor.Contract(buf, x, src, [][2]int{{1, 0}})
		dst.Reset(buf.Shape()...).Set([]int{0}, buf)
		for ijk, v := range dst.All() {
			dst.SetAt(ijk, v*tm)
		}
	}

	v := tensor.Zeros(2)
	v.SetAt([]int{0}, 1)
	const total = 0.8
	w := ExpRK4(apply, complex(0, -1), v, 0, total, 64)

	theta := total * total / 2
	want0 := complex(float32(math.Cos(theta)), 0)
	want1 := complex(0, -float32(math.Sin(theta)))
	if d := cmplx.Abs(complex128(w.At(0) - want0)); d > 1e-4 {
		t.Fatalf("%v, expected %v", w.At(0), want0)
	}
	if d := cmplx.Abs(complex128(w.At(1) - want1)); d > 1e-4 {
		t.Fatalf("%v, expected %v", w.At(1), want1)
	}
}
