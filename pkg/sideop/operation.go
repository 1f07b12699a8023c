// Package sideop places filters and regressors at the earliest point of
// ABX triplet generation where their inputs are known, and evaluates them
// there.
//
// A side operation reads extended column names: an attribute column
// followed by a role suffix naming which item of the triplet the value is
// taken from.
//
//	phone_A      phone of A
//	talker_2     talker of B if talker depends on on, of X if on across
//	phone_1      phone shared by A and X
//	speaker_AB   speaker shared by A and B
//
// Operations are placed in one of the stages by, generic, on_across_by, A,
// B, X and ABX. The earlier the stage, the fewer times the operation runs.
package sideop

import (
	"fmt"
	"slices"
	"strings"

	"github.com/ajitpratap0/abxtask/pkg/abxerrors"
	"github.com/ajitpratap0/abxtask/pkg/columnar"
)

// Output describes one result of a side operation.
type Output struct {
	// Name is empty when the operation does not name its output.
	Name string
	// Index lists the values of an indexed output. Indexed outputs are
	// stored as positions in Index.
	Index []string
}

// Indexed reports whether the output is stored as dictionary codes.
func (o Output) Indexed() bool { return o.Index != nil }

// SideOperation is a pure function of an immutable context.
type SideOperation interface {
	// Inputs returns the extended column names read from the context.
	Inputs() []string
	// Outputs describes the result vectors.
	Outputs() []Output
	// Evaluate returns one vector of ctx.Len() values per output.
	Evaluate(ctx *Context) ([]Vector, error)
}

// Stage is the point of triplet generation where an operation runs.
type Stage uint8

const (
	StageBy Stage = iota
	StageGeneric
	StageOnAcrossBy
	StageA
	StageB
	StageX
	StageABX
)

// Stages lists every stage in evaluation order.
var Stages = []Stage{StageBy, StageGeneric, StageOnAcrossBy, StageA, StageB, StageX, StageABX}

func (s Stage) String() string {
	switch s {
	case StageBy:
		return "by"
	case StageGeneric:
		return "generic"
	case StageOnAcrossBy:
		return "on_across_by"
	case StageA:
		return "A"
	case StageB:
		return "B"
	case StageX:
		return "X"
	case StageABX:
		return "ABX"
	default:
		return fmt.Sprintf("Stage(%d)", uint8(s))
	}
}

// Role is the suffix of an extended column name.
type Role string

const (
	RoleNone Role = ""
	RoleA    Role = "_A"
	RoleB    Role = "_B"
	RoleX    Role = "_X"
	RoleAB   Role = "_AB"
	RoleAX   Role = "_AX"
	Role1    Role = "_1"
	Role2    Role = "_2"
)

// suffixes are tried longest first.
var suffixes = []Role{RoleAB, RoleAX, RoleA, RoleB, RoleX, Role1, Role2}

// Input is a parsed extended column name.
type Input struct {
	Name    string
	Radical string
	Role    Role
}

// ParseInput splits an extended column name into its column and role.
// known reports whether a column exists.
func ParseInput(name string, known func(string) bool) (Input, error) {
	if known(name) {
		return Input{Name: name, Radical: name, Role: RoleNone}, nil
	}
	for _, s := range suffixes {
		if radical, ok := strings.CutSuffix(name, string(s)); ok && known(radical) {
			return Input{Name: name, Radical: radical, Role: s}, nil
		}
	}
	return Input{}, abxerrors.Configuration("unknown column %q", name)
}

// ExtendedNames returns every extended name of the given columns.
func ExtendedNames(columns []string) []string {
	out := make([]string, 0, len(columns)*(len(suffixes)+1))
	for _, c := range columns {
		out = append(out, c)
		for _, s := range suffixes {
			out = append(out, c+string(s))
		}
	}
	slices.Sort(out)
	return out
}

// ColumnOp reads one extended column. When indexed, its output is the
// position of each value in the sorted set of the column's values.
type ColumnOp struct {
	name   string
	output Output
}

// NewColumnOp returns the operation reading name. col is the whole
// database column of the name's radical; it is required when indexed.
func NewColumnOp(name string, col *columnar.Column, indexed bool) (*ColumnOp, error) {
	op := &ColumnOp{name: name, output: Output{Name: name}}
	if indexed {
		if col == nil {
			return nil, abxerrors.Newf(abxerrors.ErrorTypeInternal, "indexed column %q needs its values", name)
		}
		op.output.Index = slices.Clone(col.Dictionary())
	}
	return op, nil
}

// Inputs implements SideOperation.
func (o *ColumnOp) Inputs() []string { return []string{o.name} }

// Outputs implements SideOperation.
func (o *ColumnOp) Outputs() []Output { return []Output{o.output} }

// Evaluate implements SideOperation.
func (o *ColumnOp) Evaluate(ctx *Context) ([]Vector, error) {
	v, ok := ctx.Vector(o.name)
	if !ok {
		return nil, errUnbound(o.name)
	}
	return []Vector{v}, nil
}

func (o *ColumnOp) String() string { return o.name }

func errUnbound(name string) error {
	return abxerrors.Newf(abxerrors.ErrorTypeInternal, "variable %q is not bound in context", name)
}

func errRows(name string, got, want int) error {
	return abxerrors.Newf(abxerrors.ErrorTypeData, "variable %q has %d rows, expected %d", name, got, want)
}
