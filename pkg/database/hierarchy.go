package database

import "slices"

// Hierarchy is the forest of attribute columns. Roots are the columns of
// the item file; the children of a column are the columns of its auxiliary
// file. Descendant sets are computed once when the hierarchy is built.
type Hierarchy struct {
	roots       []string
	children    map[string][]string
	order       []string
	descendants map[string]map[string]struct{}
}

// node is the construction form of a hierarchy tree.
type node struct {
	name     string
	children []*node
}

// FlatHierarchy returns a hierarchy of unrelated columns.
func FlatHierarchy(columns ...string) *Hierarchy {
	forest := make([]*node, len(columns))
	for i, c := range columns {
		forest[i] = &node{name: c}
	}
	return newHierarchy(forest)
}

// NewHierarchy builds a hierarchy from a parent to children map and the
// list of roots.
func NewHierarchy(roots []string, children map[string][]string) *Hierarchy {
	var build func(name string) *node
	build = func(name string) *node {
		n := &node{name: name}
		for _, c := range children[name] {
			n.children = append(n.children, build(c))
		}
		return n
	}
	forest := make([]*node, len(roots))
	for i, r := range roots {
		forest[i] = build(r)
	}
	return newHierarchy(forest)
}

func newHierarchy(forest []*node) *Hierarchy {
	h := &Hierarchy{
		children:    make(map[string][]string),
		descendants: make(map[string]map[string]struct{}),
	}
	var walk func(n *node) []string
	walk = func(n *node) []string {
		h.order = append(h.order, n.name)
		below := []string{n.name}
		for _, c := range n.children {
			h.children[n.name] = append(h.children[n.name], c.name)
			below = append(below, walk(c)...)
		}
		set := make(map[string]struct{}, len(below))
		for _, d := range below {
			set[d] = struct{}{}
		}
		h.descendants[n.name] = set
		return below
	}
	for _, n := range forest {
		h.roots = append(h.roots, n.name)
		walk(n)
	}
	return h
}

// Roots returns the top-level columns.
func (h *Hierarchy) Roots() []string { return slices.Clone(h.roots) }

// Columns returns every column in pre-order.
func (h *Hierarchy) Columns() []string { return slices.Clone(h.order) }

// Children returns the direct children of a column.
func (h *Hierarchy) Children(col string) []string { return slices.Clone(h.children[col]) }

// Has reports whether col belongs to the hierarchy.
func (h *Hierarchy) Has(col string) bool {
	_, ok := h.descendants[col]
	return ok
}

// IsDescendant reports whether col is of or one of its descendants.
func (h *Hierarchy) IsDescendant(col, of string) bool {
	_, ok := h.descendants[of][col]
	return ok
}

// DescendantsOf returns the union of the descendant sets of cols, each
// column included. Columns outside the hierarchy contribute themselves.
func (h *Hierarchy) DescendantsOf(cols ...string) map[string]bool {
	out := make(map[string]bool)
	for _, c := range cols {
		out[c] = true
		for d := range h.descendants[c] {
			out[d] = true
		}
	}
	return out
}
