package sideop

import (
	"strings"

	"github.com/ajitpratap0/abxtask/pkg/abxerrors"
)

// compile turns one filter or regressor definition into an operation: an
// extended column name, a lookup table file or an expression.
func compile(p *Placer, def string, lookups map[string]*LookupOp) (SideOperation, error) {
	def = strings.TrimSpace(def)
	if def == "" {
		return nil, abxerrors.Configuration("empty side operation definition")
	}
	if in, err := ParseInput(def, p.db.Attributes.Has); err == nil {
		col, _ := p.db.Column(in.Radical)
		return NewColumnOp(def, col, p.mode == ModeRegressor)
	}
	if IsLookupFile(def) {
		if lk, ok := lookups[def]; ok {
			return lk, nil
		}
		return LoadLookup(def)
	}
	e, err := ParseExpr(def, p.Env(lookups))
	if err != nil {
		return nil, err
	}
	if kind, ok := e.Kind(); ok && kind == KindText && p.mode == ModeRegressor {
		return nil, abxerrors.Configuration("regressor %q yields text values, only numeric "+
			"or boolean expressions can be regressors", def)
	}
	return e, nil
}

func lookupsByName(tables []*LookupOp) map[string]*LookupOp {
	out := make(map[string]*LookupOp, len(tables))
	for _, t := range tables {
		out[t.Name()] = t
	}
	return out
}

// FilterSet holds the filters of a task, each placed at its earliest
// stage.
type FilterSet struct {
	placer *Placer
}

// NewFilterSet compiles and places filter definitions. lookups are the
// tables expressions may call by name.
func NewFilterSet(layout Layout, defs []string, lookups ...*LookupOp) (*FilterSet, error) {
	p := NewPlacer(layout, ModeFilter)
	env := lookupsByName(lookups)
	for _, def := range defs {
		op, err := compile(p, def, env)
		if err != nil {
			return nil, err
		}
		if n := len(op.Outputs()); n != 1 {
			return nil, abxerrors.Configuration("filter %q has %d outputs, expected 1", def, n)
		}
		if _, err := p.Add(op); err != nil {
			return nil, err
		}
	}
	return &FilterSet{placer: p}, nil
}

// Placer returns the underlying placer.
func (f *FilterSet) Placer() *Placer { return f.placer }

// Has reports whether a filter runs at stage.
func (f *FilterSet) Has(stage Stage) bool { return f.placer.Has(stage) }

// ByFilter reports whether a by-block is kept.
func (f *FilterSet) ByFilter(sc Scope) (bool, error) {
	return f.singleton(StageBy, sc)
}

// GenericFilter returns the rows of a by-block that pass every generic
// filter.
func (f *FilterSet) GenericFilter(sc Scope, rows []int) ([]int, error) {
	kept, err := f.vectorial(StageGeneric, sc, rows)
	if err != nil {
		return nil, err
	}
	return pick(rows, kept), nil
}

// OnAcrossByFilter reports whether an on-across block is kept.
func (f *FilterSet) OnAcrossByFilter(sc Scope) (bool, error) {
	return f.singleton(StageOnAcrossBy, sc)
}

// AFilter returns the A candidates that pass every A filter.
func (f *FilterSet) AFilter(sc Scope, indices []int) ([]int, error) {
	return f.candidates(StageA, sc, indices)
}

// BFilter returns the B candidates that pass every B filter.
func (f *FilterSet) BFilter(sc Scope, indices []int) ([]int, error) {
	return f.candidates(StageB, sc, indices)
}

// XFilter returns the X candidates that pass every X filter.
func (f *FilterSet) XFilter(sc Scope, indices []int) ([]int, error) {
	return f.candidates(StageX, sc, indices)
}

// ABXFilter returns the positions of the triplets of a batch that pass
// every ABX filter.
func (f *FilterSet) ABXFilter(sc Scope, a, b, x []int) ([]int, error) {
	return f.vectorial(StageABX, sc, a, b, x)
}

func (f *FilterSet) candidates(stage Stage, sc Scope, indices []int) ([]int, error) {
	kept, err := f.vectorial(stage, sc, indices)
	if err != nil {
		return nil, err
	}
	return pick(indices, kept), nil
}

func (f *FilterSet) singleton(stage Stage, sc Scope) (bool, error) {
	if !f.placer.Has(stage) {
		return true, nil
	}
	ctx, err := f.placer.Context(stage, sc)
	if err != nil {
		return false, err
	}
	for res, err := range f.placer.Evaluate(stage, func() *Context { return ctx }) {
		if err != nil {
			return false, err
		}
		if !res[0][0].Truthy() {
			return false, nil
		}
	}
	return true, nil
}

// vectorial evaluates the filter chain of a stage and returns the kept
// positions. Each filter only sees the rows kept by the previous ones and
// the chain stops once no row is left.
func (f *FilterSet) vectorial(stage Stage, sc Scope, idx ...[]int) ([]int, error) {
	n := len(idx[0])
	kept := make([]int, n)
	for i := range kept {
		kept[i] = i
	}
	if !f.placer.Has(stage) || n == 0 {
		return kept, nil
	}
	ctx, err := f.placer.Context(stage, sc, idx...)
	if err != nil {
		return nil, err
	}
	for res, err := range f.placer.Evaluate(stage, func() *Context { return ctx }) {
		if err != nil {
			return nil, err
		}
		var still []int
		for i, v := range res[0] {
			if v.Truthy() {
				still = append(still, i)
			}
		}
		kept = pick(kept, still)
		if len(kept) == 0 {
			break
		}
		ctx = ctx.Select(still)
	}
	return kept, nil
}

func pick(values, positions []int) []int {
	out := make([]int, len(positions))
	for i, p := range positions {
		out[i] = values[p]
	}
	return out
}
