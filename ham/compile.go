package ham

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fumin/tensor"
	"github.com/pkg/errors"

	ttn "github.com/fumin/ttn"
	"github.com/fumin/ttn/tree"
)

// Compile converts a term list into a tree tensor network operator that
// represents the sum of all terms exactly.
//
// The construction processes the tree from the leaves toward root. Each edge
// carries a finite-state machine whose states are: the identity channel
// (index 0) for terms not yet started, one open channel per distinct partial
// operator string accumulated below the edge, and the closing channel (last
// index) carrying the sum of completed terms. Keying open channels by their
// operator content merges terms that share a common partial string, which is
// what keeps the bond dimension near minimal.
func Compile(tr *tree.Tree, dims map[tree.Vertex]int, root tree.Vertex, terms []Term, table OpTable) (*ttn.Operator, error) {
	if !tr.Contains(root) {
		return nil, errors.Errorf("unknown root %v", root)
	}
	if err := validate(tr, dims, terms, table); err != nil {
		return nil, errors.Wrap(err, "")
	}

	c := &compiler{tr: tr, dims: dims, root: root, terms: terms, table: table}
	c.indexSubtrees()

	// The closing vertex of a term is the deepest vertex whose subtree
	// contains all of the term's operators.
	c.closing = make([]tree.Vertex, len(terms))
	for i, t := range terms {
		v := t.Ops[0].Site
		for !c.allInside(t, v) {
			v = c.parent[v]
		}
		c.closing[i] = v
	}

	// Enumerate the open channels of every edge pointing toward root.
	c.channels = make(map[tree.Vertex][]string)
	for _, v := range tr.Vertices() {
		if v == root {
			continue
		}
		keys := make(map[string]bool)
		for _, t := range terms {
			inside := c.insideOps(t, v)
			if len(inside) > 0 && len(inside) < len(t.Ops) {
				keys[channelKey(inside)] = true
			}
		}
		sorted := make([]string, 0, len(keys))
		for k := range keys {
			sorted = append(sorted, k)
		}
		sort.Strings(sorted)
		c.channels[v] = sorted
	}

	tensors := make(map[tree.Vertex]*tensor.Dense, len(tr.Vertices()))
	for _, v := range tr.Vertices() {
		tensors[v] = c.vertexTensor(v)
	}
	op, err := ttn.NewOperator(tr, tensors)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	return op, nil
}

type compiler struct {
	tr    *tree.Tree
	dims  map[tree.Vertex]int
	root  tree.Vertex
	terms []Term
	table OpTable

	parent   map[tree.Vertex]tree.Vertex
	tin      map[tree.Vertex]int
	tout     map[tree.Vertex]int
	closing  []tree.Vertex
	channels map[tree.Vertex][]string
}

// indexSubtrees assigns depth-first entry/exit times so that subtree
// membership is an interval test.
func (c *compiler) indexSubtrees() {
	c.parent = c.tr.Parent(c.root)
	c.tin = make(map[tree.Vertex]int)
	c.tout = make(map[tree.Vertex]int)
	clock := 0
	var visit func(v tree.Vertex, hasParent bool)
	visit = func(v tree.Vertex, hasParent bool) {
		c.tin[v] = clock
		clock++
		for _, u := range c.tr.Neighbors(v) {
			if hasParent && u == c.parent[v] {
				continue
			}
			visit(u, true)
		}
		c.tout[v] = clock
	}
	visit(c.root, false)
}

// inSubtree reports whether u is in the subtree of v away from root.
func (c *compiler) inSubtree(u, v tree.Vertex) bool {
	return c.tin[v] <= c.tin[u] && c.tin[u] < c.tout[v]
}

// insideOps returns the operators of t acting inside the subtree of v,
// preserving term order.
func (c *compiler) insideOps(t Term, v tree.Vertex) []SiteOp {
	inside := make([]SiteOp, 0, len(t.Ops))
	for _, so := range t.Ops {
		if c.inSubtree(so.Site, v) {
			inside = append(inside, so)
		}
	}
	return inside
}

func (c *compiler) allInside(t Term, v tree.Vertex) bool {
	return len(c.insideOps(t, v)) == len(t.Ops)
}

// channelKey canonicalizes a partial operator string. Operators are grouped
// by site; their order within a site is preserved since local operators need
// not commute.
func channelKey(ops []SiteOp) string {
	bySite := make(map[tree.Vertex][]string)
	sites := make([]tree.Vertex, 0, len(ops))
	for _, so := range ops {
		if _, ok := bySite[so.Site]; !ok {
			sites = append(sites, so.Site)
		}
		bySite[so.Site] = append(bySite[so.Site], so.Op)
	}
	sort.Slice(sites, func(i, j int) bool {
		a, b := sites[i], sites[j]
		if a[0] != b[0] {
			return a[0] < b[0]
		}
		return a[1] < b[1]
	})
	parts := make([]string, 0, len(sites))
	for _, s := range sites {
		parts = append(parts, fmt.Sprintf("%v:%s", s, strings.Join(bySite[s], ",")))
	}
	return strings.Join(parts, ";")
}

// edgeDim is the bond dimension of the edge from v toward root.
func (c *compiler) edgeDim(v tree.Vertex) int {
	return len(c.channels[v]) + 2
}

// openIndex is the channel index of an open partial string on the edge from
// v toward root.
func (c *compiler) openIndex(v tree.Vertex, key string) int {
	i := sort.SearchStrings(c.channels[v], key)
	if i >= len(c.channels[v]) || c.channels[v][i] != key {
		panic(fmt.Sprintf("%v %q", v, key))
	}
	return 1 + i
}

type symEntry struct {
	idx []int
	m   [][]complex64
}

// vertexTensor builds the dense operator tensor at v from its symbolic
// channel entries.
func (c *compiler) vertexTensor(v tree.Vertex) *tensor.Dense {
	nbrs := c.tr.Neighbors(v)
	isRoot := v == c.root
	d := c.dims[v]

	// Per-neighbor channel dimensions: a child edge is keyed by the child,
	// the parent edge by v itself.
	axisDims := make([]int, len(nbrs))
	parentAxis := -1
	for i, u := range nbrs {
		if !isRoot && u == c.parent[v] {
			axisDims[i] = c.edgeDim(v)
			parentAxis = i
		} else {
			axisDims[i] = c.edgeDim(u)
		}
	}

	entries := make(map[string]*symEntry)
	// set records an entry exactly once: open forwards are fully determined
	// by their channel indices, and several terms may share them.
	set := func(idx []int, m [][]complex64) {
		k := fmt.Sprintf("%v", idx)
		if _, ok := entries[k]; ok {
			return
		}
		entries[k] = &symEntry{idx: idx, m: m}
	}
	// add accumulates: closing entries from distinct terms sum up.
	add := func(idx []int, coeff complex64, m [][]complex64) {
		k := fmt.Sprintf("%v", idx)
		e, ok := entries[k]
		if !ok {
			e = &symEntry{idx: idx, m: make([][]complex64, d)}
			for i := range e.m {
				e.m[i] = make([]complex64, d)
			}
			entries[k] = e
		}
		for i := range m {
			for j := range m[i] {
				e.m[i][j] += coeff * m[i][j]
			}
		}
	}
	baseIdx := func() []int {
		return make([]int, len(nbrs))
	}

	identM := identityMatrix(d)

	// Identity channels pass through unaffected strings.
	if !isRoot {
		set(baseIdx(), identM)
	}
	// A completed sum arriving from a child passes through unchanged.
	for i, u := range nbrs {
		if i == parentAxis {
			continue
		}
		idx := baseIdx()
		idx[i] = c.edgeDim(u) - 1
		if !isRoot {
			idx[parentAxis] = c.edgeDim(v) - 1
		}
		add(idx, 1, identM)
	}

	// Term contributions.
	for ti, t := range c.terms {
		var inside []SiteOp
		if isRoot {
			inside = t.Ops
		} else {
			inside = c.insideOps(t, v)
			if len(inside) == 0 {
				continue
			}
		}
		isClosing := c.closing[ti] == v
		if !isClosing && len(inside) == len(t.Ops) {
			// Closed strictly below v; handled by the closing passthrough.
			continue
		}

		idx := baseIdx()
		for i, u := range nbrs {
			if i == parentAxis {
				continue
			}
			part := c.insideOps(t, u)
			if len(part) == 0 {
				continue
			}
			idx[i] = c.openIndex(u, channelKey(part))
		}

		local := siteMatrix(t, v, d, c.table)
		if local == nil {
			local = identM
		}
		switch {
		case isClosing:
			if !isRoot {
				idx[parentAxis] = c.edgeDim(v) - 1
			}
			add(idx, t.Coeff, local)
		default:
			idx[parentAxis] = c.openIndex(v, channelKey(inside))
			set(idx, local)
		}
	}

	// Densify.
	shape := append(append([]int{}, axisDims...), d, d)
	w := tensor.Zeros(shape...)
	at := make([]int, len(shape))
	for _, e := range entries {
		copy(at, e.idx)
		for p := 0; p < d; p++ {
			for q := 0; q < d; q++ {
				if e.m[p][q] == 0 {
					continue
				}
				at[len(nbrs)] = p
				at[len(nbrs)+1] = q
				w.SetAt(at, e.m[p][q])
			}
		}
	}
	return w
}

func identityMatrix(d int) [][]complex64 {
	m := make([][]complex64, d)
	for i := range m {
		m[i] = make([]complex64, d)
		m[i][i] = 1
	}
	return m
}
