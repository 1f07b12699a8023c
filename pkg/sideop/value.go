package sideop

import (
	"strconv"

	"github.com/ajitpratap0/abxtask/pkg/columnar"
)

// Kind is the dynamic type of a Value.
type Kind uint8

const (
	KindText Kind = iota
	KindNumber
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	default:
		return "text"
	}
}

// Value is one cell of a context or of an operation result. Numbers read
// from the item database keep their original spelling in Text.
type Value struct {
	Kind Kind
	Text string
	Num  float64
	Bool bool
}

// Vector is a column of values.
type Vector []Value

// Text returns a text value.
func Text(s string) Value { return Value{Kind: KindText, Text: s} }

// Number returns a numeric value.
func Number(f float64) Value { return Value{Kind: KindNumber, Num: f} }

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// cell reads one row of a column.
func cell(c *columnar.Column, row int) Value {
	if c.Numeric() {
		return Value{Kind: KindNumber, Num: c.Float(row), Text: c.Value(row)}
	}
	return Text(c.Value(row))
}

// Truthy reports whether the value counts as true in a filter.
func (v Value) Truthy() bool {
	switch v.Kind {
	case KindBool:
		return v.Bool
	case KindNumber:
		return v.Num != 0
	default:
		return v.Text != ""
	}
}

// String returns the text form of the value, as used for dictionary
// lookups.
func (v Value) String() string {
	switch v.Kind {
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindNumber:
		if v.Text != "" {
			return v.Text
		}
		return strconv.FormatFloat(v.Num, 'g', -1, 64)
	default:
		return v.Text
	}
}

// Float returns the numeric form of the value and whether it has one.
func (v Value) Float() (float64, bool) {
	switch v.Kind {
	case KindNumber:
		return v.Num, true
	case KindBool:
		if v.Bool {
			return 1, true
		}
		return 0, true
	default:
		f, err := strconv.ParseFloat(v.Text, 64)
		return f, err == nil
	}
}

// Equal compares values numerically when both are numbers or booleans and
// textually otherwise.
func (v Value) Equal(o Value) bool {
	if v.Kind != KindText && o.Kind != KindText {
		a, _ := v.Float()
		b, _ := o.Float()
		return a == b
	}
	return v.String() == o.String()
}

// Compare orders values, numerically when both have a numeric form.
func (v Value) Compare(o Value) int {
	if v.Kind != KindText || o.Kind != KindText {
		a, okA := v.Float()
		b, okB := o.Float()
		if okA && okB {
			switch {
			case a < b:
				return -1
			case a > b:
				return 1
			default:
				return 0
			}
		}
	}
	a, b := v.String(), o.String()
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
