package sideop

import "slices"

// slot holds one context variable, either a scalar shared by every row or
// one value per row.
type slot struct {
	scalar bool
	values Vector
}

// Context is the immutable set of named input vectors an operation is
// evaluated on. Every vector has Len() rows; scalar variables are shared by
// all rows.
type Context struct {
	n    int
	vars map[string]slot
}

func newContext(n int) *Context {
	return &Context{n: n, vars: make(map[string]slot)}
}

func (c *Context) setScalar(name string, v Value) {
	c.vars[name] = slot{scalar: true, values: Vector{v}}
}

func (c *Context) setVector(name string, v Vector) {
	c.vars[name] = slot{values: v}
}

// Len returns the number of rows.
func (c *Context) Len() int { return c.n }

// Names returns the variable names in lexical order.
func (c *Context) Names() []string {
	names := make([]string, 0, len(c.vars))
	for k := range c.vars {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}

// Has reports whether a variable is bound.
func (c *Context) Has(name string) bool {
	_, ok := c.vars[name]
	return ok
}

// Value returns a variable at a row.
func (c *Context) Value(name string, row int) (Value, bool) {
	s, ok := c.vars[name]
	if !ok {
		return Value{}, false
	}
	if s.scalar {
		return s.values[0], true
	}
	return s.values[row], true
}

// Vector returns a variable expanded to Len() rows.
func (c *Context) Vector(name string) (Vector, bool) {
	s, ok := c.vars[name]
	if !ok {
		return nil, false
	}
	if !s.scalar {
		return s.values, true
	}
	out := make(Vector, c.n)
	for i := range out {
		out[i] = s.values[0]
	}
	return out, true
}

// Select returns a new context holding only the given rows, in order.
func (c *Context) Select(rows []int) *Context {
	out := newContext(len(rows))
	for name, s := range c.vars {
		if s.scalar {
			out.vars[name] = s
			continue
		}
		v := make(Vector, len(rows))
		for i, r := range rows {
			v[i] = s.values[r]
		}
		out.vars[name] = slot{values: v}
	}
	return out
}

// Restrict returns a context with only the named variables.
func (c *Context) Restrict(names []string) *Context {
	out := newContext(c.n)
	for _, name := range names {
		if s, ok := c.vars[name]; ok {
			out.vars[name] = s
		}
	}
	return out
}

// NewContext builds a context of n rows from scalar and vector variables.
// Vectors must have n values.
func NewContext(n int, scalars map[string]Value, vectors map[string]Vector) (*Context, error) {
	c := newContext(n)
	for k, v := range scalars {
		c.setScalar(k, v)
	}
	for k, v := range vectors {
		if len(v) != n {
			return nil, errRows(k, len(v), n)
		}
		c.setVector(k, v)
	}
	return c, nil
}
