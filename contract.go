package ttn

import (
	"fmt"
	"slices"

	"github.com/fumin/tensor"

	"github.com/fumin/ttn/tree"
)

// Axis tags track the identity of tensor axes through contractions, since
// tensor.Contract orders the axes of its result as the uncontracted axes of
// the first argument followed by those of the second.
const (
	tagKet = iota
	tagBra
	tagOp
	tagPhys
	tagUp
	tagDown
)

type axTag struct {
	kind int
	// layer is the operator layer of tagOp bonds, and the number of
	// operator layers already applied for tagPhys axes.
	layer int
	nbr   tree.Vertex
}

func findTag(tags []axTag, t axTag) int {
	i := slices.Index(tags, t)
	if i < 0 {
		panic(fmt.Sprintf("%#v not in %#v", t, tags))
	}
	return i
}

func removeTags(tags []axTag, idxs ...int) []axTag {
	kept := make([]axTag, 0, len(tags))
	for i, t := range tags {
		if slices.Contains(idxs, i) {
			continue
		}
		kept = append(kept, t)
	}
	return kept
}

// EdgeEnv computes the environment tensor of the directed edge (v, away):
// the contraction of (conjugate state, operator, state) over the entire
// subtree on the v side of the edge. nbrEnvs holds the environments of v's
// other neighbors. The result axes are (bra, operator, ket), matching the
// L/R expressions of a matrix product chain.
func EdgeEnv(op *Operator, s *State, v, away tree.Vertex, nbrEnvs map[tree.Vertex]*tensor.Dense) *tensor.Dense {
	return edgeEnvN([]*Operator{op}, s, s, v, away, nbrEnvs)
}

// edgeEnvN is EdgeEnv with an arbitrary number of operator layers between
// the bra and ket states: ops[0] is applied to the ket first. The result
// axes are (bra, op_L, ..., op_1, ket).
func edgeEnvN(ops []*Operator, x, y *State, v, away tree.Vertex, nbrEnvs map[tree.Vertex]*tensor.Dense) *tensor.Dense {
	L := len(ops)
	nbrs := y.tr.Neighbors(v)
	d := len(nbrs)

	X := y.tensors[v]
	tags := make([]axTag, 0, d+1)
	for _, u := range nbrs {
		tags = append(tags, axTag{kind: tagKet, nbr: u})
	}
	tags = append(tags, axTag{kind: tagPhys, layer: 0})

	// Fold the neighboring environments into the ket tensor.
	for _, u := range nbrs {
		if u == away {
			continue
		}
		e, ok := nbrEnvs[u]
		if !ok {
			panic(fmt.Sprintf("no environment %v -> %v", u, v))
		}
		pos := findTag(tags, axTag{kind: tagKet, nbr: u})
		X = tensor.Contract(tensor.Zeros(1), e, X, [][2]int{{L + 1, pos}})

		newTags := make([]axTag, 0, len(tags)+L+1)
		newTags = append(newTags, axTag{kind: tagBra, nbr: u})
		for l := L; l >= 1; l-- {
			newTags = append(newTags, axTag{kind: tagOp, layer: l, nbr: u})
		}
		tags = append(newTags, removeTags(tags, pos)...)
	}

	// Apply the operator layers.
	for l := 1; l <= L; l++ {
		w := ops[l-1].tensors[v]
		pairs := [][2]int{{d + 1, findTag(tags, axTag{kind: tagPhys, layer: l - 1})}}
		removed := []int{pairs[0][1]}
		for i, u := range nbrs {
			if u == away {
				continue
			}
			pos := findTag(tags, axTag{kind: tagOp, layer: l, nbr: u})
			pairs = append(pairs, [2]int{i, pos})
			removed = append(removed, pos)
		}
		X = tensor.Contract(tensor.Zeros(1), w, X, pairs)

		wRest := []axTag{
			{kind: tagOp, layer: l, nbr: away},
			{kind: tagPhys, layer: l},
		}
		tags = append(wRest, removeTags(tags, removed...)...)
	}

	// Close with the conjugate bra tensor.
	b := x.tensors[v]
	pairs := [][2]int{{d, findTag(tags, axTag{kind: tagPhys, layer: L})}}
	removed := []int{pairs[0][1]}
	for i, u := range nbrs {
		if u == away {
			continue
		}
		pos := findTag(tags, axTag{kind: tagBra, nbr: u})
		pairs = append(pairs, [2]int{i, pos})
		removed = append(removed, pos)
	}
	X = tensor.Contract(tensor.Zeros(1), b.Conj(), X, pairs)
	tags = append([]axTag{{kind: tagBra, nbr: away}}, removeTags(tags, removed...)...)

	// Transpose to the canonical (bra, op_L, ..., op_1, ket) order.
	want := make([]axTag, 0, L+2)
	want = append(want, axTag{kind: tagBra, nbr: away})
	for l := L; l >= 1; l-- {
		want = append(want, axTag{kind: tagOp, layer: l, nbr: away})
	}
	want = append(want, axTag{kind: tagKet, nbr: away})
	perm := make([]int, len(want))
	for i, t := range want {
		perm[i] = findTag(tags, t)
	}
	return resetCopy(tensor.Zeros(1), X.Transpose(perm...))
}

// Sandwich computes ⟨x| ops_L ··· ops_1 |y⟩ without normalization, where
// ops[0] is applied to y first. With no operators it is the inner product.
func Sandwich(x *State, ops []*Operator, y *State) complex64 {
	L := len(ops)
	tr := y.tr

	// Close the contraction at a leaf.
	var closing tree.Vertex
	for _, v := range tr.Vertices() {
		if len(tr.Neighbors(v)) == 1 {
			closing = v
			break
		}
	}
	parent := tr.Parent(closing)

	// Flow environments from the leaves toward the closing leaf.
	envs := make(map[tree.Vertex]map[tree.Vertex]*tensor.Dense)
	for _, v := range tr.Vertices() {
		envs[v] = make(map[tree.Vertex]*tensor.Dense)
	}
	for _, v := range tr.PostOrder(closing) {
		if v == closing {
			continue
		}
		p := parent[v]
		envs[p][v] = edgeEnvN(ops, x, y, v, p, envs[v])
	}

	c := tr.Neighbors(closing)[0]
	m := envs[closing][c]

	// Fold the message and the operator layers into the leaf's ket tensor.
	X := tensor.Contract(tensor.Zeros(1), m, y.tensors[closing], [][2]int{{L + 1, 0}})
	tags := []axTag{{kind: tagBra, nbr: c}}
	for l := L; l >= 1; l-- {
		tags = append(tags, axTag{kind: tagOp, layer: l, nbr: c})
	}
	tags = append(tags, axTag{kind: tagPhys, layer: 0})
	for l := 1; l <= L; l++ {
		w := ops[l-1].tensors[closing]
		po := findTag(tags, axTag{kind: tagOp, layer: l, nbr: c})
		pp := findTag(tags, axTag{kind: tagPhys, layer: l - 1})
		X = tensor.Contract(tensor.Zeros(1), w, X, [][2]int{{0, po}, {2, pp}})
		tags = append([]axTag{{kind: tagPhys, layer: l}}, removeTags(tags, po, pp)...)
	}

	// Final sum against the conjugate bra tensor at the closing leaf.
	pb := findTag(tags, axTag{kind: tagBra, nbr: c})
	pp := findTag(tags, axTag{kind: tagPhys, layer: L})
	bra := x.tensors[closing]
	var sum complex64
	for ijk, val := range X.All() {
		bv := bra.At(ijk[pb], ijk[pp])
		sum += val * complex(real(bv), -imag(bv))
	}
	return sum
}

// InnerProduct computes ⟨s|o⟩.
func (s *State) InnerProduct(o *State) complex64 {
	return Sandwich(s, nil, o)
}

// Expectation computes ⟨ψ|O|ψ⟩ / ⟨ψ|ψ⟩.
func (s *State) Expectation(op *Operator) complex64 {
	n := s.InnerProduct(s)
	if abs(n) < epsilon {
		panic(fmt.Sprintf("%f", n))
	}
	return Sandwich(s, []*Operator{op}, s) / n
}

// Variance computes ⟨O²⟩ − ⟨O⟩², the normalized energy variance when O is a
// Hamiltonian. It vanishes exactly on eigenstates.
func (s *State) Variance(op *Operator) complex64 {
	n := s.InnerProduct(s)
	if abs(n) < epsilon {
		panic(fmt.Sprintf("%f", n))
	}
	o2 := Sandwich(s, []*Operator{op, op}, s) / n
	o1 := Sandwich(s, []*Operator{op}, s) / n
	return o2 - o1*o1
}

// Contract fully contracts the network into the dense state vector, with the
// physical indices ordered by sorted vertex label. It is meant for exact
// verification on small systems.
func (s *State) Contract() *tensor.Dense {
	root := s.tr.Vertices()[0]
	X, tags := contractSubtree(s.tr, s.tensors, root, root, false, 1)

	perm := make([]int, 0, len(tags))
	total := 1
	for _, v := range s.tr.Vertices() {
		perm = append(perm, findTag(tags, axTag{kind: tagPhys, nbr: v}))
		total *= s.dims[v]
	}
	return resetCopy(tensor.Zeros(1), X.Transpose(perm...)).Reshape(total)
}

// Contract fully contracts the operator into a dense matrix whose row and
// column indices run over the physical indices in sorted vertex order.
func (op *Operator) Contract() *tensor.Dense {
	root := op.tr.Vertices()[0]
	X, tags := contractSubtree(op.tr, op.tensors, root, root, false, 2)

	perm := make([]int, 0, len(tags))
	rows := 1
	for _, v := range op.tr.Vertices() {
		i := findTag(tags, axTag{kind: tagUp, nbr: v})
		perm = append(perm, i)
		rows *= X.Shape()[i]
	}
	for _, v := range op.tr.Vertices() {
		perm = append(perm, findTag(tags, axTag{kind: tagDown, nbr: v}))
	}
	return resetCopy(tensor.Zeros(1), X.Transpose(perm...)).Reshape(rows, -1)
}

// contractSubtree contracts the subtree at v away from parent, following a
// leaf-to-root elimination order. physAxes is 1 for states, 2 for operators.
func contractSubtree(tr *tree.Tree, tensors map[tree.Vertex]*tensor.Dense, v, parent tree.Vertex, hasParent bool, physAxes int) (*tensor.Dense, []axTag) {
	X := tensors[v]
	nbrs := tr.Neighbors(v)
	tags := make([]axTag, 0, len(nbrs)+physAxes)
	for _, u := range nbrs {
		tags = append(tags, axTag{kind: tagKet, nbr: u})
	}
	switch physAxes {
	case 1:
		tags = append(tags, axTag{kind: tagPhys, nbr: v})
	case 2:
		tags = append(tags, axTag{kind: tagUp, nbr: v})
		tags = append(tags, axTag{kind: tagDown, nbr: v})
	default:
		panic(fmt.Sprintf("%d", physAxes))
	}

	for _, c := range nbrs {
		if hasParent && c == parent {
			continue
		}
		sub, subTags := contractSubtree(tr, tensors, c, v, true, physAxes)
		pv := findTag(tags, axTag{kind: tagKet, nbr: c})
		pc := findTag(subTags, axTag{kind: tagKet, nbr: v})
		X = tensor.Contract(tensor.Zeros(1), X, sub, [][2]int{{pv, pc}})
		tags = append(removeTags(tags, pv), removeTags(subTags, pc)...)
	}
	return X, tags
}
