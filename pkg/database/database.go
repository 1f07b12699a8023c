// Package database loads item databases: whitespace-delimited tables
// listing one item per row, its location in the feature files and its
// attributes.
//
// The header marks two columns with a leading '#'. The first column of the
// file must be one of them; columns before the second marked column locate
// the item, columns from it onwards are attributes:
//
//	#file onset offset #phone talker context
//	f1    0.1   0.2    a      t1     a_b
//
// For every attribute column c, an auxiliary file <base>.c may exist whose
// first header column is c. Its other columns are merged into the database
// by a left join on c and become children of c in the column hierarchy.
// Auxiliary files are searched recursively for the merged columns.
package database

import (
	"strings"

	"github.com/ajitpratap0/abxtask/pkg/abxerrors"
	"github.com/ajitpratap0/abxtask/pkg/columnar"
)

// Database is a loaded item database. It is immutable.
type Database struct {
	// Path is the item file the database was loaded from, if any.
	Path       string
	Attributes *columnar.Table
	Features   *columnar.Table
	Hierarchy  *Hierarchy
	// Removed counts items dropped for missing attribute values.
	Removed int
}

// New wraps in-memory tables. A nil hierarchy makes every attribute a
// root; nil features give an empty feature table.
func New(attrs, features *columnar.Table, h *Hierarchy) (*Database, error) {
	if features == nil {
		features = columnar.NewTable(attrs.Rows())
	}
	if features.Rows() != attrs.Rows() {
		return nil, abxerrors.Newf(abxerrors.ErrorTypeData,
			"feature table has %d rows, attribute table has %d", features.Rows(), attrs.Rows())
	}
	if h == nil {
		h = FlatHierarchy(attrs.Names()...)
	}
	return &Database{Attributes: attrs, Features: features, Hierarchy: h}, nil
}

// Rows returns the number of items.
func (d *Database) Rows() int { return d.Attributes.Rows() }

// Column returns an attribute column.
func (d *Database) Column(name string) (*columnar.Column, bool) {
	return d.Attributes.Column(name)
}

// WithColumn returns a copy of the database with one more attribute column.
// The column is not added to the hierarchy.
func (d *Database) WithColumn(name string, c *columnar.Column) (*Database, error) {
	attrs, err := d.Attributes.With(name, c)
	if err != nil {
		return nil, err
	}
	cp := *d
	cp.Attributes = attrs
	return &cp, nil
}

// ValidateNames checks that no attribute name contains the characters
// reserved for role suffixes and generated columns.
func (d *Database) ValidateNames() error {
	for _, name := range d.Attributes.Names() {
		if strings.Contains(name, "_") {
			return abxerrors.Configuration("%s: column names cannot contain '_'", name)
		}
		if strings.Contains(name, "#") {
			return abxerrors.Configuration("%s: column names cannot contain '#'", name)
		}
	}
	return nil
}
