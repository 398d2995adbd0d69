// Package ham builds Hamiltonians for tree lattices. An algebraic sum of
// weighted operator strings is either compiled into a tree tensor network
// operator, or expanded exactly into a sparse matrix for verification.
package ham

import (
	"github.com/pkg/errors"

	"github.com/fumin/ttn/mat"
	"github.com/fumin/ttn/tree"
)

// SiteOp is a named local operator acting on one vertex.
type SiteOp struct {
	Op   string
	Site tree.Vertex
}

// Term is a weighted product of local operators.
// Operators on the same site are multiplied in the order given.
type Term struct {
	Coeff complex64
	Ops   []SiteOp
}

// OpTable resolves operator names to their matrices.
type OpTable map[string][][]complex64

// SpinHalf is the spin-1/2 operator table.
func SpinHalf() OpTable {
	return OpTable{
		"I":  mat.Identity,
		"X":  mat.PauliX,
		"Y":  mat.PauliY,
		"Z":  mat.PauliZ,
		"Sx": mat.Sx,
		"Sy": mat.Sy,
		"Sz": mat.Sz,
		"S+": mat.Sp,
		"S-": mat.Sm,
	}
}

// SpinHalfDims assigns physical dimension 2 to every vertex.
func SpinHalfDims(tr *tree.Tree) map[tree.Vertex]int {
	dims := make(map[tree.Vertex]int, len(tr.Vertices()))
	for _, v := range tr.Vertices() {
		dims[v] = 2
	}
	return dims
}

// Heisenberg returns the nearest-neighbor Heisenberg terms
// J·(SxSx + SySy + SzSz) on every edge, plus longitudinal fields hz[v]·Sz.
func Heisenberg(tr *tree.Tree, j complex64, hz map[tree.Vertex]complex64) []Term {
	terms := make([]Term, 0, 3*len(tr.Edges())+len(hz))
	for _, e := range tr.Edges() {
		for _, s := range []string{"Sx", "Sy", "Sz"} {
			terms = append(terms, Term{Coeff: j, Ops: []SiteOp{{Op: s, Site: e[0]}, {Op: s, Site: e[1]}}})
		}
	}
	for _, v := range tr.Vertices() {
		if h, ok := hz[v]; ok && h != 0 {
			terms = append(terms, Term{Coeff: h, Ops: []SiteOp{{Op: "Sz", Site: v}}})
		}
	}
	return terms
}

// TransverseFieldIsing returns the terms -j·ZZ on every edge and -h·X on
// every vertex.
func TransverseFieldIsing(tr *tree.Tree, j, h complex64) []Term {
	terms := make([]Term, 0, len(tr.Edges())+len(tr.Vertices()))
	for _, e := range tr.Edges() {
		terms = append(terms, Term{Coeff: -j, Ops: []SiteOp{{Op: "Z", Site: e[0]}, {Op: "Z", Site: e[1]}}})
	}
	for _, v := range tr.Vertices() {
		terms = append(terms, Term{Coeff: -h, Ops: []SiteOp{{Op: "X", Site: v}}})
	}
	return terms
}

// Exact expands the term list into the full matrix over the tensor product
// of all sites, ordered by sorted vertex label. It is exponential in the
// number of sites and meant for cross-checking small systems.
func Exact(tr *tree.Tree, dims map[tree.Vertex]int, terms []Term, table OpTable) (*mat.COO, error) {
	if err := validate(tr, dims, terms, table); err != nil {
		return nil, errors.Wrap(err, "")
	}

	total := 1
	for _, v := range tr.Vertices() {
		total *= dims[v]
	}
	h := mat.COOZeros(total, total)

	system := mat.M([][]complex64{{0}})
	for _, t := range terms {
		system.Scalar(1)
		for _, v := range tr.Vertices() {
			m := siteMatrix(t, v, dims[v], table)
			if m == nil {
				system.Kron(mat.COOIdentity(dims[v]))
			} else {
				system.Kron(mat.M(m))
			}
		}
		h.Add(t.Coeff, system)
	}
	return h, nil
}

// siteMatrix multiplies out the operators of t acting on v, or returns nil
// when t does not touch v.
func siteMatrix(t Term, v tree.Vertex, dim int, table OpTable) [][]complex64 {
	var m [][]complex64
	for _, so := range t.Ops {
		if so.Site != v {
			continue
		}
		if m == nil {
			m = table[so.Op]
			continue
		}
		m = matMul(m, table[so.Op])
	}
	return m
}

func matMul(a, b [][]complex64) [][]complex64 {
	n := len(a)
	c := make([][]complex64, n)
	for i := range c {
		c[i] = make([]complex64, n)
		for j := 0; j < n; j++ {
			for k := 0; k < n; k++ {
				c[i][j] += a[i][k] * b[k][j]
			}
		}
	}
	return c
}

func validate(tr *tree.Tree, dims map[tree.Vertex]int, terms []Term, table OpTable) error {
	for i, t := range terms {
		if len(t.Ops) == 0 {
			return errors.Errorf("term %d is empty", i)
		}
		for _, so := range t.Ops {
			if !tr.Contains(so.Site) {
				return errors.Errorf("term %d: unknown vertex %v", i, so.Site)
			}
			m, ok := table[so.Op]
			if !ok {
				return errors.Errorf("term %d: unknown operator %q", i, so.Op)
			}
			if len(m) != dims[so.Site] {
				return errors.Errorf("term %d: operator %q is %dx%d at vertex %v of dimension %d",
					i, so.Op, len(m), len(m[0]), so.Site, dims[so.Site])
			}
		}
	}
	return nil
}
