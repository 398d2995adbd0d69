// Package tree models the problem geometry of a tree tensor network:
// an acyclic connected graph whose vertices carry physical degrees of freedom.
package tree

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/pkg/errors"
)

// Vertex is a vertex label.
// Labels are opaque to the algorithms; [2]int covers the lattices in this
// repository, such as comb trees labeled by (tooth, position).
type Vertex [2]int

func (v Vertex) String() string {
	return fmt.Sprintf("(%d,%d)", v[0], v[1])
}

// Edge is an undirected edge between two vertices.
type Edge [2]Vertex

// NewEdge returns the canonical representation of the edge between u and v.
func NewEdge(u, v Vertex) Edge {
	if compareVertex(v, u) < 0 {
		u, v = v, u
	}
	return Edge{u, v}
}

// Tree is an undirected acyclic connected graph.
// Neighbor lists are sorted, so that the axis order of the tensors attached
// to a vertex is deterministic.
type Tree struct {
	vertices []Vertex
	adj      map[Vertex][]Vertex
}

// New creates a tree from an edge list.
// The edges must form exactly one acyclic connected component.
func New(edges []Edge) (*Tree, error) {
	if len(edges) == 0 {
		return nil, errors.Errorf("no edges")
	}

	t := &Tree{adj: make(map[Vertex][]Vertex)}
	for _, e := range edges {
		if e[0] == e[1] {
			return nil, errors.Errorf("self loop %v", e[0])
		}
		if slices.Contains(t.adj[e[0]], e[1]) {
			return nil, errors.Errorf("duplicate edge %v %v", e[0], e[1])
		}
		t.adj[e[0]] = append(t.adj[e[0]], e[1])
		t.adj[e[1]] = append(t.adj[e[1]], e[0])
	}
	for v, nbrs := range t.adj {
		slices.SortFunc(nbrs, compareVertex)
		t.vertices = append(t.vertices, v)
	}
	slices.SortFunc(t.vertices, compareVertex)

	if len(edges) != len(t.vertices)-1 {
		return nil, errors.Errorf("%d edges %d vertices", len(edges), len(t.vertices))
	}
	// Since |E| = |V|-1, connectivity implies acyclicity.
	if n := len(t.bfs(t.vertices[0])); n != len(t.vertices) {
		return nil, errors.Errorf("disconnected: reached %d of %d", n, len(t.vertices))
	}
	return t, nil
}

// Chain returns the path graph with n vertices labeled (0,0)..(0,n-1).
func Chain(n int) *Tree {
	edges := make([]Edge, 0, n-1)
	for i := 1; i < n; i++ {
		edges = append(edges, NewEdge(Vertex{0, i - 1}, Vertex{0, i}))
	}
	t, err := New(edges)
	if err != nil {
		panic(fmt.Sprintf("%+v", err))
	}
	return t
}

// Comb returns a comb tree: a spine of length spine whose vertices are
// (0,x), each carrying a tooth of tooth vertices (y,x), y = 1..tooth.
func Comb(spine, tooth int) *Tree {
	edges := make([]Edge, 0, spine*(tooth+1)-1)
	for x := 0; x < spine; x++ {
		if x > 0 {
			edges = append(edges, NewEdge(Vertex{0, x - 1}, Vertex{0, x}))
		}
		for y := 1; y <= tooth; y++ {
			edges = append(edges, NewEdge(Vertex{y - 1, x}, Vertex{y, x}))
		}
	}
	t, err := New(edges)
	if err != nil {
		panic(fmt.Sprintf("%+v", err))
	}
	return t
}

// Vertices returns all vertices in sorted order.
func (t *Tree) Vertices() []Vertex {
	return t.vertices
}

func (t *Tree) Contains(v Vertex) bool {
	_, ok := t.adj[v]
	return ok
}

// Neighbors returns the sorted neighbors of v.
func (t *Tree) Neighbors(v Vertex) []Vertex {
	return t.adj[v]
}

// NeighborIndex returns the position of nbr in the sorted neighbor list of v.
// This position is the axis of the edge (v, nbr) in the tensor at v.
func (t *Tree) NeighborIndex(v, nbr Vertex) int {
	i := slices.Index(t.adj[v], nbr)
	if i < 0 {
		panic(fmt.Sprintf("%v not adjacent to %v", nbr, v))
	}
	return i
}

// Edges returns all edges in canonical order.
func (t *Tree) Edges() []Edge {
	edges := make([]Edge, 0, len(t.vertices)-1)
	for _, v := range t.vertices {
		for _, u := range t.adj[v] {
			if compareVertex(v, u) < 0 {
				edges = append(edges, Edge{v, u})
			}
		}
	}
	return edges
}

// Path returns the unique path from u to v, inclusive of both endpoints.
func (t *Tree) Path(u, v Vertex) []Vertex {
	parent := t.parents(u)
	path := []Vertex{v}
	for path[len(path)-1] != u {
		p, ok := parent[path[len(path)-1]]
		if !ok {
			panic(fmt.Sprintf("%v unreachable from %v", v, u))
		}
		path = append(path, p)
	}
	slices.Reverse(path)
	return path
}

// PostOrder returns the vertices in depth-first post-order toward root,
// root last. Every vertex appears after all of its descendants.
func (t *Tree) PostOrder(root Vertex) []Vertex {
	order := make([]Vertex, 0, len(t.vertices))
	var visit func(v, parent Vertex, hasParent bool)
	visit = func(v, parent Vertex, hasParent bool) {
		for _, u := range t.adj[v] {
			if hasParent && u == parent {
				continue
			}
			visit(u, v, true)
		}
		order = append(order, v)
	}
	visit(root, root, false)
	return order
}

// Parent returns the parent map toward root. The root itself has no entry.
func (t *Tree) Parent(root Vertex) map[Vertex]Vertex {
	return t.parents(root)
}

// EulerTour returns the depth-first closed walk from root that crosses every
// edge exactly twice, once in each direction. Consecutive vertices are always
// adjacent, which is the property the sweep order relies on.
func (t *Tree) EulerTour(root Vertex) []Vertex {
	tour := make([]Vertex, 0, 2*len(t.vertices))
	var visit func(v, parent Vertex, hasParent bool)
	visit = func(v, parent Vertex, hasParent bool) {
		tour = append(tour, v)
		for _, u := range t.adj[v] {
			if hasParent && u == parent {
				continue
			}
			visit(u, v, true)
			tour = append(tour, v)
		}
	}
	visit(root, root, false)
	return tour
}

// Subtree reports, for every vertex u, whether u lies on the v side of the
// edge (v, away), v included.
func (t *Tree) Subtree(v, away Vertex) map[Vertex]bool {
	sub := make(map[Vertex]bool)
	var visit func(w, parent Vertex)
	visit = func(w, parent Vertex) {
		sub[w] = true
		for _, u := range t.adj[w] {
			if u == parent {
				continue
			}
			visit(u, w)
		}
	}
	visit(v, away)
	return sub
}

func (t *Tree) bfs(start Vertex) []Vertex {
	seen := map[Vertex]bool{start: true}
	queue := []Vertex{start}
	order := make([]Vertex, 0, len(t.vertices))
	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]
		order = append(order, v)
		for _, u := range t.adj[v] {
			if !seen[u] {
				seen[u] = true
				queue = append(queue, u)
			}
		}
	}
	return order
}

func (t *Tree) parents(root Vertex) map[Vertex]Vertex {
	parent := make(map[Vertex]Vertex, len(t.vertices))
	var visit func(v, p Vertex, hasParent bool)
	visit = func(v, p Vertex, hasParent bool) {
		if hasParent {
			parent[v] = p
		}
		for _, u := range t.adj[v] {
			if hasParent && u == p {
				continue
			}
			visit(u, v, true)
		}
	}
	visit(root, root, false)
	return parent
}

func compareVertex(a, b Vertex) int {
	if c := cmp.Compare(a[0], b[0]); c != 0 {
		return c
	}
	return cmp.Compare(a[1], b[1])
}
