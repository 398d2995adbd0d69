// Package ttn implements tree tensor networks: quantum states and operators
// on lattices with tree connectivity.
//
// The tensor at a vertex carries one axis per incident edge, ordered by the
// sorted neighbor list of the vertex, followed by the physical axes: one for
// states, two (up then down, in bra/ket order) for operators.
//
// References:
//   - The density-matrix renormalization group in the age of matrix product states, Ulrich Schollwock
//   - Time-evolution methods for matrix-product states, Paeckel et al.
package ttn

import (
	"fmt"
	"math"
	"math/cmplx"
	"math/rand/v2"

	"github.com/fumin/tensor"
	"github.com/pkg/errors"

	"github.com/fumin/ttn/tree"
)

// Machine precision of complex64.
const epsilon = 0x1p-23

// State is a tree tensor network state with a movable orthogonality center.
type State struct {
	tr      *tree.Tree
	dims    map[tree.Vertex]int
	tensors map[tree.Vertex]*tensor.Dense

	// center is the orthogonality center, or nil for a network with no
	// well-defined canonical form, such as a freshly randomized one.
	center *tree.Vertex
}

// Operator is a tree tensor network operator.
type Operator struct {
	tr      *tree.Tree
	tensors map[tree.Vertex]*tensor.Dense
}

// NewState creates a state from explicit per-vertex tensors.
func NewState(tr *tree.Tree, dims map[tree.Vertex]int, tensors map[tree.Vertex]*tensor.Dense) (*State, error) {
	s := &State{tr: tr, dims: dims, tensors: tensors}
	if err := s.Check(); err != nil {
		return nil, errors.Wrap(err, "")
	}
	return s, nil
}

// NewOperator creates an operator from explicit per-vertex tensors.
func NewOperator(tr *tree.Tree, tensors map[tree.Vertex]*tensor.Dense) (*Operator, error) {
	op := &Operator{tr: tr, tensors: tensors}
	for _, v := range tr.Vertices() {
		w, ok := tensors[v]
		if !ok {
			return nil, errors.Errorf("no tensor at %v", v)
		}
		if len(w.Shape()) != len(tr.Neighbors(v))+2 {
			return nil, errors.Errorf("%v: rank %d, degree %d", v, len(w.Shape()), len(tr.Neighbors(v)))
		}
	}
	return op, nil
}

// RandState creates a random state with bond dimensions balanced against the
// Hilbert space dimensions of both sides of every edge, capped at maxDim.
func RandState(tr *tree.Tree, dims map[tree.Vertex]int, maxDim int, rnd *rand.Rand) *State {
	s := &State{tr: tr, dims: dims, tensors: make(map[tree.Vertex]*tensor.Dense)}
	for _, v := range tr.Vertices() {
		shape := make([]int, 0, len(tr.Neighbors(v))+1)
		for _, u := range tr.Neighbors(v) {
			shape = append(shape, edgeDim(tr, dims, v, u, maxDim))
		}
		shape = append(shape, dims[v])
		s.tensors[v] = randTensor(rnd, shape...)
	}
	if err := s.Check(); err != nil {
		panic(fmt.Sprintf("%+v", err))
	}
	return s
}

// ProductState creates an unentangled state with the given local amplitudes.
// All bond dimensions are one.
func ProductState(tr *tree.Tree, dims map[tree.Vertex]int, local map[tree.Vertex][]complex64) (*State, error) {
	s := &State{tr: tr, dims: dims, tensors: make(map[tree.Vertex]*tensor.Dense)}
	for _, v := range tr.Vertices() {
		amps, ok := local[v]
		if !ok {
			return nil, errors.Errorf("no amplitudes at %v", v)
		}
		if len(amps) != dims[v] {
			return nil, errors.Errorf("%v: %d amplitudes, dimension %d", v, len(amps), dims[v])
		}
		shape := make([]int, len(tr.Neighbors(v)), len(tr.Neighbors(v))+1)
		for i := range shape {
			shape[i] = 1
		}
		shape = append(shape, dims[v])
		t := tensor.Zeros(shape...)
		idx := make([]int, len(shape))
		for p, a := range amps {
			idx[len(idx)-1] = p
			t.SetAt(idx, a)
		}
		s.tensors[v] = t
	}
	return s, nil
}

// RandProductState creates a product state of random local spinors.
func RandProductState(tr *tree.Tree, dims map[tree.Vertex]int, rnd *rand.Rand) *State {
	local := make(map[tree.Vertex][]complex64)
	for _, v := range tr.Vertices() {
		amps := make([]complex64, dims[v])
		var nrm float32
		for i := range amps {
			amps[i] = complex(rnd.Float32()*2-1, rnd.Float32()*2-1)
			nrm += real(amps[i])*real(amps[i]) + imag(amps[i])*imag(amps[i])
		}
		nrm = sqrt32(nrm)
		for i := range amps {
			amps[i] /= complex(nrm, 0)
		}
		local[v] = amps
	}
	s, err := ProductState(tr, dims, local)
	if err != nil {
		panic(fmt.Sprintf("%+v", err))
	}
	return s
}

// Tree returns the underlying tree.
func (s *State) Tree() *tree.Tree { return s.tr }

// PhysDims returns the per-vertex physical dimensions.
func (s *State) PhysDims() map[tree.Vertex]int { return s.dims }

// Tensor returns the tensor at v.
func (s *State) Tensor(v tree.Vertex) *tensor.Dense { return s.tensors[v] }

// SetTensor replaces the tensor at v. The caller owns the gauge bookkeeping;
// the sweep engine is the intended user.
func (s *State) SetTensor(v tree.Vertex, t *tensor.Dense) { s.tensors[v] = t }

// Center returns the orthogonality center, if any.
func (s *State) Center() (tree.Vertex, bool) {
	if s.center == nil {
		return tree.Vertex{}, false
	}
	return *s.center, true
}

// SetCenter records the orthogonality center without gauging.
// The sweep engine uses it after decomposing a region by hand.
func (s *State) SetCenter(v tree.Vertex) { s.center = &v }

// ClearCenter marks the network as having no well-defined center.
func (s *State) ClearCenter() { s.center = nil }

func (op *Operator) Tree() *tree.Tree                   { return op.tr }
func (op *Operator) Tensor(v tree.Vertex) *tensor.Dense { return op.tensors[v] }

// BondDims returns the current dimension of every edge.
func (s *State) BondDims() map[tree.Edge]int {
	dims := make(map[tree.Edge]int)
	for _, e := range s.tr.Edges() {
		dims[e] = s.tensors[e[0]].Shape()[s.tr.NeighborIndex(e[0], e[1])]
	}
	return dims
}

// MaxBondDim returns the largest bond dimension in the network.
func (s *State) MaxBondDim() int {
	d := 0
	for _, bd := range s.BondDims() {
		d = max(d, bd)
	}
	return d
}

// BondDims returns the current dimension of every edge.
func (op *Operator) BondDims() map[tree.Edge]int {
	dims := make(map[tree.Edge]int)
	for _, e := range op.tr.Edges() {
		dims[e] = op.tensors[e[0]].Shape()[op.tr.NeighborIndex(e[0], e[1])]
	}
	return dims
}

// Check verifies that the tensors are structurally consistent with the tree:
// correct ranks, and matching dimensions on the two ends of every edge.
func (s *State) Check() error {
	for _, v := range s.tr.Vertices() {
		t, ok := s.tensors[v]
		if !ok {
			return errors.Errorf("no tensor at %v", v)
		}
		nbrs := s.tr.Neighbors(v)
		if len(t.Shape()) != len(nbrs)+1 {
			return errors.Errorf("%v: rank %d, degree %d", v, len(t.Shape()), len(nbrs))
		}
		if d := t.Shape()[len(nbrs)]; d != s.dims[v] {
			return errors.Errorf("%v: physical dimension %d, expected %d", v, d, s.dims[v])
		}
	}
	for _, e := range s.tr.Edges() {
		d0 := s.tensors[e[0]].Shape()[s.tr.NeighborIndex(e[0], e[1])]
		d1 := s.tensors[e[1]].Shape()[s.tr.NeighborIndex(e[1], e[0])]
		if d0 != d1 {
			return errors.Errorf("edge %v: %d != %d", e, d0, d1)
		}
	}
	return nil
}

// Copy returns a deep copy.
func (s *State) Copy() *State {
	c := &State{tr: s.tr, dims: s.dims, tensors: make(map[tree.Vertex]*tensor.Dense, len(s.tensors))}
	for v, t := range s.tensors {
		c.tensors[v] = resetCopy(tensor.Zeros(1), t)
	}
	if s.center != nil {
		v := *s.center
		c.center = &v
	}
	return c
}

// Orthogonalize moves the orthogonality center to target.
// Only the edges on the path from the current center are gauged; with no
// center, every edge is gauged from the leaves toward target.
func (s *State) Orthogonalize(target tree.Vertex) error {
	if !s.tr.Contains(target) {
		return errors.Errorf("unknown vertex %v", target)
	}

	if s.center == nil {
		parent := s.tr.Parent(target)
		for _, v := range s.tr.PostOrder(target) {
			if v == target {
				continue
			}
			s.GaugeEdge(v, parent[v])
		}
	} else {
		path := s.tr.Path(*s.center, target)
		for i := 0; i+1 < len(path); i++ {
			s.GaugeEdge(path[i], path[i+1])
		}
	}
	s.center = &target
	return nil
}

// GaugeEdge QR-decomposes the tensor at a with respect to the edge (a, b),
// leaves the orthonormal factor at a and multiplies the remainder into b.
// After the call, contracting the tensor at a with its own conjugate over all
// axes but the edge yields the identity.
func (s *State) GaugeEdge(a, b tree.Vertex) {
	ta := s.tensors[a]
	shape := ta.Shape()
	k := s.tr.NeighborIndex(a, b)

	// Move the edge axis to the back and reshape to a matrix.
	perm := make([]int, 0, len(shape))
	othersDim := 1
	for i := range shape {
		if i == k {
			continue
		}
		perm = append(perm, i)
		othersDim *= shape[i]
	}
	perm = append(perm, k)
	m := resetCopy(tensor.Zeros(1), ta.Transpose(perm...)).Reshape(othersDim, shape[k])

	q := tensor.Zeros(1)
	bufs := [2]*tensor.Dense{tensor.Zeros(1), tensor.Zeros(1)}
	r := tensor.QR(q, m, bufs)
	newBond := r.Shape()[0]

	// Reshape q back and undo the axis permutation.
	qShape := make([]int, 0, len(shape))
	for i := range shape {
		if i == k {
			continue
		}
		qShape = append(qShape, shape[i])
	}
	qShape = append(qShape, newBond)
	inv := make([]int, len(perm))
	for i, p := range perm {
		inv[p] = i
	}
	s.tensors[a] = resetCopy(tensor.Zeros(1), q.Reshape(qShape...).Transpose(inv...))

	// Multiply the remainder into b: tb ← r · tb along the edge axis.
	tb := s.tensors[b]
	j := s.tr.NeighborIndex(b, a)
	rtb := tensor.Contract(tensor.Zeros(1), r, tb, [][2]int{{1, j}})
	// The new bond axis is in front; move it back to position j.
	perm = make([]int, 0, len(tb.Shape()))
	for i := 1; i <= j; i++ {
		perm = append(perm, i)
	}
	perm = append(perm, 0)
	for i := j + 1; i < len(tb.Shape()); i++ {
		perm = append(perm, i)
	}
	s.tensors[b] = resetCopy(tensor.Zeros(1), rtb.Transpose(perm...))

	if s.center != nil && *s.center == a {
		s.center = &b
	}
}

// Norm returns sqrt(⟨ψ|ψ⟩).
func (s *State) Norm() float32 {
	return sqrt32(abs(s.InnerProduct(s)))
}

// Normalize scales the state to unit norm. With a well-defined center only
// the center tensor is touched.
func (s *State) Normalize() {
	nrm := s.Norm()
	if nrm < epsilon {
		panic(fmt.Sprintf("%f", nrm))
	}
	v := s.tr.Vertices()[0]
	if s.center != nil {
		v = *s.center
	}
	t := s.tensors[v]
	for ijk, val := range t.All() {
		t.SetAt(ijk, val/complex(nrm, 0))
	}
}

func edgeDim(tr *tree.Tree, dims map[tree.Vertex]int, v, u tree.Vertex, maxDim int) int {
	side := func(a, away tree.Vertex) int {
		d := 1
		for w := range tr.Subtree(a, away) {
			d *= dims[w]
			if d >= maxDim {
				return maxDim
			}
		}
		return d
	}
	return min(maxDim, side(v, u), side(u, v))
}

func resetCopy(dst, src *tensor.Dense) *tensor.Dense {
	shape := src.Shape()
	zeroDigit := make([]int, len(shape))
	dst.Reset(shape...).Set(zeroDigit, src)
	return dst
}

func randTensor(rnd *rand.Rand, shape ...int) *tensor.Dense {
	t := tensor.Zeros(shape...)
	for ijk := range t.All() {
		v := complex(rnd.Float32()*2-1, rnd.Float32()*2-1)
		t.SetAt(ijk, v)
	}
	return t
}

func abs(x complex64) float32 {
	return float32(cmplx.Abs(complex128(x)))
}

func sqrt32(x float32) float32 {
	return float32(math.Sqrt(float64(x)))
}
