package sweep

import (
	"math"
	"math/cmplx"

	"github.com/fumin/tensor"
	"github.com/pkg/errors"

	"github.com/fumin/ttn/linalg"
)

// Params carries the per-step quantities a local solver may use.
type Params struct {
	// Time is the simulated time at this step, fed to time-dependent
	// Hamiltonian coefficients.
	Time float64
	// Step is the scalar multiplying the effective operator in the
	// exponent of a propagation step. Eigensolvers ignore it.
	Step complex64
	// Duration is the simulated time elapsed across this step. It is zero
	// when the Hamiltonian is effectively frozen during the step.
	Duration float64
}

// Diagnostics reports how a local solve went. Non-convergence is not fatal:
// the sweep proceeds with the best available estimate and usually corrects
// it on a later pass.
type Diagnostics struct {
	Converged  bool
	Iterations int
	// Energy is the local Rayleigh quotient of the returned tensor.
	Energy float64
}

// Solver updates the tensor of a sweep region given the effective operator
// restricted to that region.
type Solver interface {
	Solve(eff *EffOp, region *tensor.Dense, p Params) (*tensor.Dense, Diagnostics, error)
}

// DMRG finds the lowest eigenpair of the effective operator, treating the
// current region tensor only as a starting point.
type DMRG struct{}

func (DMRG) Solve(eff *EffOp, region *tensor.Dense, p Params) (*tensor.Dense, Diagnostics, error) {
	h := eff.MatrixAt(p.Time)
	vals, vecs := tensor.Zeros(1), tensor.Zeros(1)
	bufs := arnoldiBufs()
	if err := tensor.Arnoldi(vals, vecs, h, 1, bufs); err != nil {
		return region, Diagnostics{Converged: false}, nil
	}
	out := resetCopy(tensor.Zeros(1), vecs.Reshape(region.Shape()...))
	return out, Diagnostics{Converged: true, Energy: float64(real(vals.At(0)))}, nil
}

// DMRGX picks, among all eigenvectors of the effective operator, the one
// overlapping most with the current region tensor. This follows a chosen
// eigenstate adiabatically instead of falling to the ground state.
type DMRGX struct{}

func (DMRGX) Solve(eff *EffOp, region *tensor.Dense, p Params) (*tensor.Dense, Diagnostics, error) {
	h := eff.MatrixAt(p.Time)
	vals, vecs, err := linalg.EigHermitian(h)
	if err != nil {
		return region, Diagnostics{Converged: false}, nil
	}

	flat := flatten(region)
	n := flat.Shape()[0]
	best, bestOverlap := 0, -1.0
	for k := 0; k < n; k++ {
		var o complex128
		for i := 0; i < n; i++ {
			vik := complex128(vecs.At(i, k))
			o += cmplx.Conj(vik) * complex128(flat.At(i))
		}
		if a := cmplx.Abs(o); a > bestOverlap {
			best, bestOverlap = k, a
		}
	}

	out := tensor.Zeros(n)
	for i := 0; i < n; i++ {
		out.SetAt([]int{i}, vecs.At(i, best))
	}
	out = resetCopy(tensor.Zeros(1), out.Reshape(region.Shape()...))
	return out, Diagnostics{Converged: true, Energy: vals[best]}, nil
}

// TDVP propagates the region tensor by exp(Step·H_eff). The default backend
// is a Krylov exponentiator with the Hamiltonian frozen at the step time; an
// RK4 integrator handles coefficients that vary quickly within a step.
type TDVP struct {
	maxIterations int
	tol           float32
	rk4Substeps   int
}

// NewTDVP returns a TDVP solver with the Krylov backend.
func NewTDVP() TDVP {
	return TDVP{maxIterations: 30, tol: 1e-6}
}

// MaxIterations sets the Krylov subspace size limit.
func (s TDVP) MaxIterations(n int) TDVP {
	s.maxIterations = n
	return s
}

// Tol sets the Krylov error estimate tolerance.
func (s TDVP) Tol(tol float32) TDVP {
	s.tol = tol
	return s
}

// RK4 switches to the RK4 backend with the given number of substeps per
// region step.
func (s TDVP) RK4(substeps int) TDVP {
	s.rk4Substeps = substeps
	return s
}

func (s TDVP) Solve(eff *EffOp, region *tensor.Dense, p Params) (*tensor.Dense, Diagnostics, error) {
	flat := flatten(region)

	var w *tensor.Dense
	diag := Diagnostics{Converged: true}
	if s.rk4Substeps > 0 {
		apply := func(t complex64, dst, src *tensor.Dense) {
			eff.ApplyAt(float64(real(t)), dst, src)
		}
		// Integrate over the step duration so that time-dependent
		// coefficients are sampled along the way. With no duration the
		// Hamiltonian is frozen at the step time.
		t0, dt := complex(float32(p.Time), 0), complex64(1)
		z := p.Step
		if p.Duration != 0 {
			dt = complex(float32(p.Duration), 0)
			z = p.Step / dt
		}
		w = linalg.ExpRK4(apply, z, flat, t0, dt, s.rk4Substeps)
		diag.Iterations = s.rk4Substeps
	} else {
		apply := func(dst, src *tensor.Dense) {
			eff.ApplyAt(p.Time, dst, src)
		}
		var err error
		var iters int
		var converged bool
		w, iters, converged, err = linalg.ExpKrylov(apply, p.Step, flat, s.maxIterations, s.tol)
		if err != nil {
			return nil, Diagnostics{}, errors.Wrap(err, "")
		}
		diag.Iterations, diag.Converged = iters, converged
	}

	diag.Energy = rayleigh(eff, p.Time, w)
	out := resetCopy(tensor.Zeros(1), w).Reshape(region.Shape()...)
	return out, diag, nil
}

// flatten copies a region tensor into a fresh vector.
func flatten(region *tensor.Dense) *tensor.Dense {
	n := 1
	for _, d := range region.Shape() {
		n *= d
	}
	return resetCopy(tensor.Zeros(1), region).Reshape(n)
}

func rayleigh(eff *EffOp, t float64, v *tensor.Dense) float64 {
	hv := tensor.Zeros(1)
	eff.ApplyAt(t, hv, v)
	var num, den complex128
	for ijk, val := range v.All() {
		vi := complex128(val)
		num += cmplx.Conj(vi) * complex128(hv.At(ijk...))
		den += cmplx.Conj(vi) * vi
	}
	if real(den) == 0 {
		return math.NaN()
	}
	return real(num) / real(den)
}

func arnoldiBufs() [7]*tensor.Dense {
	var bufs [7]*tensor.Dense
	for i := range bufs {
		bufs[i] = tensor.Zeros(1)
	}
	return bufs
}
