package columnar

import (
	"slices"

	"github.com/ajitpratap0/abxtask/pkg/abxerrors"
)

// Table is an ordered set of equally long named columns. A Table is built
// once and then only read, so it is safe for concurrent readers.
type Table struct {
	names   []string
	columns map[string]*Column
	rows    int
}

// NewTable returns an empty table of rows rows.
func NewTable(rows int) *Table {
	return &Table{columns: make(map[string]*Column), rows: rows}
}

// Add appends a column.
func (t *Table) Add(name string, c *Column) error {
	if _, exists := t.columns[name]; exists {
		return abxerrors.Newf(abxerrors.ErrorTypeData, "column %q already exists", name)
	}
	if err := checkRows(name, c.Len(), t.rows); err != nil {
		return err
	}
	t.names = append(t.names, name)
	t.columns[name] = c
	return nil
}

// Column returns a column by name.
func (t *Table) Column(name string) (*Column, bool) {
	c, ok := t.columns[name]
	return c, ok
}

// Has reports whether the table holds a column.
func (t *Table) Has(name string) bool {
	_, ok := t.columns[name]
	return ok
}

// Names returns the column names in insertion order.
func (t *Table) Names() []string { return slices.Clone(t.names) }

// Rows returns the row count.
func (t *Table) Rows() int { return t.rows }

// Take returns the table restricted to rows.
func (t *Table) Take(rows []int) *Table {
	out := NewTable(len(rows))
	for _, name := range t.names {
		out.names = append(out.names, name)
		out.columns[name] = t.columns[name].Take(rows)
	}
	return out
}

// MemoryUsage estimates the bytes held by the table.
func (t *Table) MemoryUsage() int64 {
	var total int64
	for _, c := range t.columns {
		total += c.MemoryUsage()
	}
	return total
}

// With returns a copy of the table with one more column. Columns are
// shared with the receiver.
func (t *Table) With(name string, c *Column) (*Table, error) {
	out := NewTable(t.rows)
	out.names = slices.Clone(t.names)
	for k, v := range t.columns {
		out.columns[k] = v
	}
	if err := out.Add(name, c); err != nil {
		return nil, err
	}
	return out, nil
}
