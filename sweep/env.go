// Package sweep drives DMRG, DMRG-X and TDVP over tree tensor networks.
// A sweep walks an Euler tour of the tree, solving a small local problem at
// each one- or two-vertex region while the orthogonality center follows.
package sweep

import (
	"fmt"
	"slices"

	"github.com/fumin/tensor"

	ttn "github.com/fumin/ttn"
	"github.com/fumin/ttn/tree"
)

// Hamiltonian is one summand of a possibly time-dependent Hamiltonian
// H(t) = Σ Coeff_i(t)·Op_i. A nil Coeff means the constant 1.
type Hamiltonian struct {
	Op    *ttn.Operator
	Coeff func(t float64) complex64
}

func (h Hamiltonian) coeffAt(t float64) complex64 {
	if h.Coeff == nil {
		return 1
	}
	return h.Coeff(t)
}

// envCache lazily caches the environment tensors of one operator against the
// current state, keyed by directed edge. The entry for (v, away) depends on
// every state tensor in the subtree on v's side, and is dropped whenever one
// of them changes.
type envCache struct {
	op *ttn.Operator
	s  *ttn.State

	envs map[[2]tree.Vertex]*tensor.Dense
}

func newEnvCache(op *ttn.Operator, s *ttn.State) *envCache {
	return &envCache{op: op, s: s, envs: make(map[[2]tree.Vertex]*tensor.Dense)}
}

func (c *envCache) env(v, away tree.Vertex) *tensor.Dense {
	if e, ok := c.envs[[2]tree.Vertex{v, away}]; ok {
		return e
	}
	nbrEnvs := make(map[tree.Vertex]*tensor.Dense)
	for _, u := range c.s.Tree().Neighbors(v) {
		if u == away {
			continue
		}
		nbrEnvs[u] = c.env(u, v)
	}
	e := ttn.EdgeEnv(c.op, c.s, v, away, nbrEnvs)
	c.envs[[2]tree.Vertex{v, away}] = e
	return e
}

// invalidate drops every cached environment whose subtree contains changed.
func (c *envCache) invalidate(changed tree.Vertex) {
	tr := c.s.Tree()
	for k := range c.envs {
		if tr.Subtree(k[0], k[1])[changed] {
			delete(c.envs, k)
		}
	}
}

// Axis bookkeeping for the effective operator contraction, in the style of
// the environment builder.
const (
	effOpBond = iota
	effBra
	effKet
	effUp
	effDown
)

type effTag struct {
	kind int
	v    tree.Vertex
}

func findEffTag(tags []effTag, t effTag) int {
	i := slices.Index(tags, t)
	if i < 0 {
		panic(fmt.Sprintf("%#v not in %#v", t, tags))
	}
	return i
}

func removeEffTags(tags []effTag, idxs ...int) []effTag {
	kept := make([]effTag, 0, len(tags))
	for i, t := range tags {
		if slices.Contains(idxs, i) {
			continue
		}
		kept = append(kept, t)
	}
	return kept
}

// EffOp is the Hamiltonian projected onto a sweep region: a weighted sum of
// dense square matrices, one per Hamiltonian summand, whose row and column
// orders match the flattened region tensor.
type EffOp struct {
	terms []Hamiltonian
	mats  []*tensor.Dense
	dim   int
}

// MatrixAt returns the dense effective matrix at time t.
func (e *EffOp) MatrixAt(t float64) *tensor.Dense {
	m := tensor.Zeros(e.dim, e.dim)
	for i, h := range e.terms {
		c := h.coeffAt(t)
		if c == 0 {
			continue
		}
		for ijk, val := range e.mats[i].All() {
			m.SetAt(ijk, m.At(ijk...)+c*val)
		}
	}
	return m
}

// ApplyAt computes dst = H_eff(t)·src, where src is a vector of the
// flattened region dimension.
func (e *EffOp) ApplyAt(t float64, dst, src *tensor.Dense) {
	acc := tensor.Zeros(e.dim)
	buf := tensor.Zeros(1)
	for i, h := range e.terms {
		c := h.coeffAt(t)
		if c == 0 {
			continue
		}
		tensor.Contract(buf, e.mats[i], src, [][2]int{{1, 0}})
		for ijk, val := range buf.All() {
			acc.SetAt(ijk, acc.At(ijk...)+c*val)
		}
	}
	resetCopy(dst, acc)
}

// effOp materializes the effective operator of a one- or two-vertex region.
// The vertices of a two-vertex region must be adjacent and given in the
// order used to merge their tensors.
func effOp(terms []Hamiltonian, caches []*envCache, s *ttn.State, region []tree.Vertex) *EffOp {
	e := &EffOp{terms: terms, mats: make([]*tensor.Dense, len(terms))}
	for i := range terms {
		m := regionMatrix(caches[i], s, region)
		e.mats[i] = m
		e.dim = m.Shape()[0]
	}
	return e
}

// regionMatrix contracts the operator tensors of the region with the
// environments of all outgoing edges into a square matrix. Rows are indexed
// by (bra bonds, up) per region vertex in region order, matching the
// flattened region tensor; columns likewise with (ket bonds, down).
func regionMatrix(c *envCache, s *ttn.State, region []tree.Vertex) *tensor.Dense {
	tr := s.Tree()

	X := c.op.Tensor(region[0])
	tags := opTags(tr, region[0])
	if len(region) == 2 {
		a, b := region[0], region[1]
		pa := findEffTag(tags, effTag{kind: effOpBond, v: b})
		wb := c.op.Tensor(b)
		tagsB := opTags(tr, b)
		pb := findEffTag(tagsB, effTag{kind: effOpBond, v: a})
		X = tensor.Contract(tensor.Zeros(1), X, wb, [][2]int{{pa, pb}})
		tags = append(removeEffTags(tags, pa), removeEffTags(tagsB, pb)...)
	}

	// Close every outgoing operator bond with its environment.
	for _, v := range region {
		for _, u := range tr.Neighbors(v) {
			if len(region) == 2 && u == other(region, v) {
				continue
			}
			env := c.env(u, v)
			pos := findEffTag(tags, effTag{kind: effOpBond, v: u})
			X = tensor.Contract(tensor.Zeros(1), env, X, [][2]int{{1, pos}})
			newTags := []effTag{{kind: effBra, v: u}, {kind: effKet, v: u}}
			tags = append(newTags, removeEffTags(tags, pos)...)
		}
	}

	// Transpose to (bra..., up...; ket..., down...) in region tensor order.
	want := make([]effTag, 0, len(tags))
	rows := 1
	for _, v := range region {
		for _, u := range tr.Neighbors(v) {
			if len(region) == 2 && u == other(region, v) {
				continue
			}
			want = append(want, effTag{kind: effBra, v: u})
		}
		want = append(want, effTag{kind: effUp, v: v})
	}
	for _, v := range region {
		for _, u := range tr.Neighbors(v) {
			if len(region) == 2 && u == other(region, v) {
				continue
			}
			want = append(want, effTag{kind: effKet, v: u})
		}
		want = append(want, effTag{kind: effDown, v: v})
	}
	perm := make([]int, len(want))
	for i, t := range want {
		perm[i] = findEffTag(tags, t)
	}
	X = resetCopy(tensor.Zeros(1), X.Transpose(perm...))
	for i := 0; i < len(want)/2; i++ {
		rows *= X.Shape()[i]
	}
	return X.Reshape(rows, rows)
}

func opTags(tr *tree.Tree, v tree.Vertex) []effTag {
	nbrs := tr.Neighbors(v)
	tags := make([]effTag, 0, len(nbrs)+2)
	for _, u := range nbrs {
		tags = append(tags, effTag{kind: effOpBond, v: u})
	}
	tags = append(tags, effTag{kind: effUp, v: v})
	tags = append(tags, effTag{kind: effDown, v: v})
	return tags
}

func other(region []tree.Vertex, v tree.Vertex) tree.Vertex {
	if region[0] == v {
		return region[1]
	}
	return region[0]
}

func resetCopy(dst, src *tensor.Dense) *tensor.Dense {
	shape := src.Shape()
	dst.Reset(shape...)
	for ijk, v := range src.All() {
		dst.SetAt(ijk, v)
	}
	return dst
}
