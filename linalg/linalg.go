// Package linalg implements the dense local solves of the sweeping
// algorithms: Hermitian eigendecomposition, truncated singular value
// decomposition, and matrix exponentiation applied to a vector.
// The tensor backend provides QR and Arnoldi only, so these are built here.
// All routines accumulate in complex128 and return complex64 tensors.
package linalg

import (
	"fmt"
	"math"
	"math/cmplx"

	"github.com/fumin/tensor"
	"github.com/pkg/errors"
)

// Machine precision of complex64.
const epsilon = 0x1p-23

// EigHermitian computes all eigenpairs of the Hermitian matrix a.
// Eigenvalues are returned in ascending order, and column j of vecs is the
// eigenvector of vals[j]. The cost is cubic with a full spectrum, which
// suits the modest local dimensions of sweep regions.
func EigHermitian(a *tensor.Dense) (vals []float64, vecs *tensor.Dense, err error) {
	s := a.Shape()
	if len(s) != 2 || s[0] != s[1] {
		return nil, nil, errors.Errorf("not square %#v", s)
	}
	m := toComplex128(a)

	vals, v, err := eigHermitian(m)
	if err != nil {
		return nil, nil, errors.Wrap(err, "")
	}
	return vals, fromComplex128(v), nil
}

func eigHermitian(m [][]complex128) ([]float64, [][]complex128, error) {
	n := len(m)
	v := identity128(n)
	if n == 1 {
		return []float64{real(m[0][0])}, v, nil
	}

	var scale float64
	for i := range m {
		for j := range m {
			scale = math.Max(scale, cmplx.Abs(m[i][j]))
		}
	}
	if scale == 0 {
		scale = 1
	}

	const maxSweeps = 64
	var converged bool
	for sweep := 0; sweep < maxSweeps; sweep++ {
		var off float64
		for p := 0; p < n-1; p++ {
			for q := p + 1; q < n; q++ {
				off += cmplx.Abs(m[p][q])
			}
		}
		if off < float64(n*n)*scale*1e-14 {
			converged = true
			break
		}

		for p := 0; p < n-1; p++ {
			for q := p + 1; q < n; q++ {
				jacobiRotate(m, v, p, q, scale)
			}
		}
	}
	if !converged {
		return nil, nil, errors.Errorf("jacobi not converged after %d sweeps", maxSweeps)
	}

	// Sort ascending.
	vals := make([]float64, n)
	for i := range vals {
		vals[i] = real(m[i][i])
	}
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	for i := 0; i < n-1; i++ {
		k := i
		for j := i + 1; j < n; j++ {
			if vals[perm[j]] < vals[perm[k]] {
				k = j
			}
		}
		perm[i], perm[k] = perm[k], perm[i]
	}
	sorted := make([]float64, n)
	vsorted := make([][]complex128, n)
	for i := range vsorted {
		vsorted[i] = make([]complex128, n)
	}
	for j, pj := range perm {
		sorted[j] = vals[pj]
		for i := 0; i < n; i++ {
			vsorted[i][j] = v[i][pj]
		}
	}
	return sorted, vsorted, nil
}

// jacobiRotate annihilates m[p][q] with the unitary
// u = diag(1, exp(-iφ)) · R(θ), where m[p][q] = |m[p][q]|·exp(iφ),
// and accumulates u into v.
func jacobiRotate(m, v [][]complex128, p, q int, scale float64) {
	apq := m[p][q]
	absA := cmplx.Abs(apq)
	if absA <= scale*1e-16 {
		return
	}
	phase := apq / complex(absA, 0)

	app, aqq := real(m[p][p]), real(m[q][q])
	tau := (aqq - app) / (2 * absA)
	var t float64
	if tau >= 0 {
		t = 1 / (tau + math.Sqrt(1+tau*tau))
	} else {
		t = -1 / (-tau + math.Sqrt(1+tau*tau))
	}
	c := 1 / math.Sqrt(1+t*t)
	s := t * c

	// Column p of u is (c, -s·conj(phase)), column q is (s, c·conj(phase)).
	up := [2]complex128{complex(c, 0), -complex(s, 0) * cmplx.Conj(phase)}
	uq := [2]complex128{complex(s, 0), complex(c, 0) * cmplx.Conj(phase)}

	n := len(m)
	// m ← m·u.
	for k := 0; k < n; k++ {
		mp, mq := m[k][p], m[k][q]
		m[k][p] = mp*up[0] + mq*up[1]
		m[k][q] = mp*uq[0] + mq*uq[1]
	}
	// m ← u†·m.
	for k := 0; k < n; k++ {
		mp, mq := m[p][k], m[q][k]
		m[p][k] = cmplx.Conj(up[0])*mp + cmplx.Conj(up[1])*mq
		m[q][k] = cmplx.Conj(uq[0])*mp + cmplx.Conj(uq[1])*mq
	}
	// v ← v·u.
	for k := 0; k < n; k++ {
		vp, vq := v[k][p], v[k][q]
		v[k][p] = vp*up[0] + vq*up[1]
		v[k][q] = vp*uq[0] + vq*uq[1]
	}
}

// SVD computes the rank-revealing decomposition a ≈ u·diag(s)·v†, keeping at
// most maxDim singular values and discarding the smallest ones whose total
// squared weight stays below cutoff relative to the full weight.
// u is (m, k), s has length k with descending values, v is (n, k).
// truncErr is the discarded relative weight.
func SVD(a *tensor.Dense, maxDim int, cutoff float32) (u *tensor.Dense, s []float32, v *tensor.Dense, truncErr float32, err error) {
	sh := a.Shape()
	if len(sh) != 2 {
		return nil, nil, nil, 0, errors.Errorf("not a matrix %#v", sh)
	}
	rows, cols := sh[0], sh[1]
	am := toComplex128(a)

	// Eigendecompose the Gram matrix on the smaller side.
	tall := rows >= cols
	small := cols
	if !tall {
		small = rows
	}
	g := make([][]complex128, small)
	for i := range g {
		g[i] = make([]complex128, small)
	}
	for i := 0; i < small; i++ {
		for j := 0; j < small; j++ {
			var sum complex128
			if tall {
				for k := 0; k < rows; k++ {
					sum += cmplx.Conj(am[k][i]) * am[k][j]
				}
			} else {
				for k := 0; k < cols; k++ {
					sum += am[i][k] * cmplx.Conj(am[j][k])
				}
			}
			g[i][j] = sum
		}
	}
	gvals, gvecs, err := eigHermitian(g)
	if err != nil {
		return nil, nil, nil, 0, errors.Wrap(err, "")
	}

	// Descending singular weights.
	weights := make([]float64, small)
	var total float64
	for i := range gvals {
		w := math.Max(gvals[small-1-i], 0)
		weights[i] = w
		total += w
	}
	if total == 0 {
		return nil, nil, nil, 0, errors.Errorf("zero matrix")
	}

	// Keep count: cutoff rule first, then maxDim, at least one.
	keep := small
	var discarded float64
	for keep > 1 {
		w := weights[keep-1]
		if discarded+w > float64(cutoff)*total {
			break
		}
		discarded += w
		keep--
	}
	if maxDim > 0 && keep > maxDim {
		for i := maxDim; i < keep; i++ {
			discarded += weights[i]
		}
		keep = maxDim
	}
	// Drop numerically zero values regardless.
	for keep > 1 && weights[keep-1] <= total*1e-14 {
		keep--
	}
	truncErr = float32(discarded / total)

	s = make([]float32, keep)
	sideVecs := make([][]complex128, small)
	for i := range sideVecs {
		sideVecs[i] = make([]complex128, keep)
	}
	for j := 0; j < keep; j++ {
		s[j] = float32(math.Sqrt(weights[j]))
		for i := 0; i < small; i++ {
			sideVecs[i][j] = gvecs[i][small-1-j]
		}
	}

	// Recover the other side: A·v/s for tall, A†·u/s for wide.
	big := rows
	if !tall {
		big = cols
	}
	otherVecs := make([][]complex128, big)
	for i := range otherVecs {
		otherVecs[i] = make([]complex128, keep)
	}
	for j := 0; j < keep; j++ {
		sj := complex(float64(s[j]), 0)
		for i := 0; i < big; i++ {
			var sum complex128
			if tall {
				for k := 0; k < small; k++ {
					sum += am[i][k] * sideVecs[k][j]
				}
			} else {
				for k := 0; k < small; k++ {
					sum += cmplx.Conj(am[k][i]) * sideVecs[k][j]
				}
			}
			otherVecs[i][j] = sum / sj
		}
	}

	if tall {
		u, v = fromComplex128(otherVecs), fromComplex128(sideVecs)
	} else {
		u, v = fromComplex128(sideVecs), fromComplex128(otherVecs)
	}
	return u, s, v, truncErr, nil
}

// ExpKrylov approximates exp(z·A)·v for a Hermitian operator A available as
// apply. It runs a Lanczos recurrence with full reorthogonalization and
// exponentiates the small tridiagonal projection. converged is false when
// the error estimate is still above tol after maxIter steps; the best
// estimate is returned regardless.
func ExpKrylov(apply func(dst, src *tensor.Dense), z complex64, v *tensor.Dense, maxIter int, tol float32) (w *tensor.Dense, iters int, converged bool, err error) {
	n := numel(v)
	if maxIter > n {
		maxIter = n
	}
	vnorm := norm(v)
	if vnorm < epsilon {
		return nil, 0, false, errors.Errorf("zero vector")
	}

	basis := make([]*tensor.Dense, 0, maxIter)
	v0 := clone(v)
	scaleInPlace(v0, complex(float32(1/vnorm), 0))
	basis = append(basis, v0)

	alphas := make([]float64, 0, maxIter)
	betas := make([]float64, 0, maxIter)
	var y []complex128

	buf := tensor.Zeros(1)
	for m := 1; m <= maxIter; m++ {
		apply(buf, basis[m-1])
		wv := clone(buf)
		if m > 1 {
			axpy(wv, complex(float32(-betas[m-2]), 0), basis[m-2])
		}
		alpha := real(dot(basis[m-1], wv))
		alphas = append(alphas, alpha)
		axpy(wv, complex64(complex(-alpha, 0)), basis[m-1])
		// Full reorthogonalization.
		for _, b := range basis {
			axpy(wv, -complex64(dot(b, wv)), b)
		}
		beta := norm(wv)

		var eigErr error
		y, eigErr = expTridiag(alphas, betas, complex128(z))
		if eigErr != nil {
			return nil, m, false, errors.Wrap(eigErr, "")
		}

		// Happy breakdown, or converged error estimate.
		est := beta * cmplx.Abs(y[m-1])
		if beta < 1e-8 || est < float64(tol) {
			converged = true
			iters = m
			break
		}
		iters = m
		if m == maxIter {
			break
		}

		betas = append(betas, beta)
		scaleInPlace(wv, complex(float32(1/beta), 0))
		basis = append(basis, wv)
	}

	// w = |v| · Σ_j y_j · basis_j.
	w = clone(basis[0])
	scaleInPlace(w, complex64(y[0]*complex(vnorm, 0)))
	for j := 1; j < len(basis) && j < len(y); j++ {
		axpy(w, complex64(y[j]*complex(vnorm, 0)), basis[j])
	}
	return w, iters, converged, nil
}

// expTridiag returns exp(z·T)·e1 for the symmetric tridiagonal matrix with
// the given diagonal and off-diagonal entries.
func expTridiag(alphas, betas []float64, z complex128) ([]complex128, error) {
	m := len(alphas)
	t := make([][]complex128, m)
	for i := range t {
		t[i] = make([]complex128, m)
		t[i][i] = complex(alphas[i], 0)
	}
	for i := 0; i+1 < m && i < len(betas); i++ {
		t[i][i+1] = complex(betas[i], 0)
		t[i+1][i] = complex(betas[i], 0)
	}
	vals, vecs, err := eigHermitian(t)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}

	y := make([]complex128, m)
	for j := 0; j < m; j++ {
		ez := cmplx.Exp(z * complex(vals[j], 0))
		// (exp(zT)·e1)_i = Σ_j vecs[i][j]·exp(z·λ_j)·conj(vecs[0][j]).
		c := ez * cmplx.Conj(vecs[0][j])
		for i := 0; i < m; i++ {
			y[i] += vecs[i][j] * c
		}
	}
	return y, nil
}

// ExpRK4 integrates dy/dt = z·A(t)·y from t0 over a duration of dt with a
// classical Runge-Kutta scheme of the given number of substeps. It handles
// rapidly varying time-dependent operators that the Krylov method assumes
// frozen, at the cost of more operator applications.
func ExpRK4(apply func(t complex64, dst, src *tensor.Dense), z complex64, v *tensor.Dense, t0, dt complex64, steps int) *tensor.Dense {
	if steps < 1 {
		steps = 1
	}
	h := dt / complex(float32(steps), 0)
	y := clone(v)
	buf := tensor.Zeros(1)

	f := func(t complex64, in *tensor.Dense) *tensor.Dense {
		apply(t, buf, in)
		k := clone(buf)
		scaleInPlace(k, z)
		return k
	}

	for i := 0; i < steps; i++ {
		t := t0 + complex(float32(i), 0)*h
		k1 := f(t, y)

		y2 := clone(y)
		axpy(y2, h/2, k1)
		k2 := f(t+h/2, y2)

		y3 := clone(y)
		axpy(y3, h/2, k2)
		k3 := f(t+h/2, y3)

		y4 := clone(y)
		axpy(y4, h, k3)
		k4 := f(t+h, y4)

		axpy(y, h/6, k1)
		axpy(y, h/3, k2)
		axpy(y, h/3, k3)
		axpy(y, h/6, k4)
	}
	return y
}

func toComplex128(a *tensor.Dense) [][]complex128 {
	s := a.Shape()
	m := make([][]complex128, s[0])
	for i := range m {
		m[i] = make([]complex128, s[1])
		for j := range m[i] {
			m[i][j] = complex128(a.At(i, j))
		}
	}
	return m
}

func fromComplex128(m [][]complex128) *tensor.Dense {
	a := tensor.Zeros(len(m), len(m[0]))
	for i, row := range m {
		for j, v := range row {
			a.SetAt([]int{i, j}, complex64(v))
		}
	}
	return a
}

func identity128(n int) [][]complex128 {
	v := make([][]complex128, n)
	for i := range v {
		v[i] = make([]complex128, n)
		v[i][i] = 1
	}
	return v
}

func numel(a *tensor.Dense) int {
	n := 1
	for _, d := range a.Shape() {
		n *= d
	}
	return n
}

func clone(a *tensor.Dense) *tensor.Dense {
	b := tensor.Zeros(1)
	shape := a.Shape()
	zeroDigit := make([]int, len(shape))
	b.Reset(shape...).Set(zeroDigit, a)
	return b
}

// dot returns ⟨x, y⟩ with x conjugated.
func dot(x, y *tensor.Dense) complex128 {
	var sum complex128
	for ijk, v := range x.All() {
		w := y.At(ijk...)
		sum += cmplx.Conj(complex128(v)) * complex128(w)
	}
	return sum
}

func norm(x *tensor.Dense) float64 {
	var sum float64
	for _, v := range x.All() {
		sum += float64(real(v))*float64(real(v)) + float64(imag(v))*float64(imag(v))
	}
	return math.Sqrt(sum)
}

func scaleInPlace(x *tensor.Dense, c complex64) {
	for ijk, v := range x.All() {
		x.SetAt(ijk, v*c)
	}
}

// axpy computes y += c·x.
func axpy(y *tensor.Dense, c complex64, x *tensor.Dense) {
	if numel(x) != numel(y) {
		panic(fmt.Sprintf("%#v %#v", x.Shape(), y.Shape()))
	}
	for ijk, v := range x.All() {
		y.SetAt(ijk, y.At(ijk...)+c*v)
	}
}
