package sideop

import (
	"fmt"
	"slices"

	"github.com/ajitpratap0/abxtask/pkg/abxerrors"
)

// Regressor is one output of a regressor operation.
type Regressor struct {
	Name  string
	Stage Stage
	// Index lists the values of an indexed regressor; nil for numeric
	// regressors.
	Index []string

	positions map[string]uint64
}

// Indexed reports whether the regressor is stored as positions in Index.
func (r *Regressor) Indexed() bool { return r.Index != nil }

// Position returns the position of a value in the index.
func (r *Regressor) Position(v Value) (uint64, bool) {
	p, ok := r.positions[v.String()]
	return p, ok
}

// RegressorSet holds the regressors of a task, each placed at its earliest
// stage. Outputs are numbered in stage order.
type RegressorSet struct {
	placer  *Placer
	regs    []*Regressor
	byStage [stageCount][]int
}

// DefaultRegressors returns the regressors every task carries: the on
// column and, when across is given, every across column, each for the
// first and second value of the triplet.
func DefaultRegressors(layout Layout, dummyAcross string) []string {
	defs := []string{layout.On + string(Role1), layout.On + string(Role2)}
	if len(layout.Across) == 1 && layout.Across[0] == dummyAcross {
		return defs
	}
	across := layout.DB.Hierarchy.DescendantsOf(layout.Across...)
	cols := make([]string, 0, len(across))
	for c := range across {
		cols = append(cols, c)
	}
	slices.Sort(cols)
	for _, c := range cols {
		defs = append(defs, c+string(Role1), c+string(Role2))
	}
	return defs
}

// NewRegressorSet compiles and places regressor definitions. Definitions
// repeated verbatim are added once.
func NewRegressorSet(layout Layout, defs []string, lookups ...*LookupOp) (*RegressorSet, error) {
	p := NewPlacer(layout, ModeRegressor)
	env := lookupsByName(lookups)
	seen := make(map[string]bool)
	for _, def := range defs {
		if seen[def] {
			continue
		}
		seen[def] = true
		op, err := compile(p, def, env)
		if err != nil {
			return nil, err
		}
		if _, err := p.Add(op); err != nil {
			return nil, err
		}
	}

	rs := &RegressorSet{placer: p}
	names := make(map[string]bool)
	next := 0
	for _, stage := range Stages {
		for _, op := range p.ops[stage] {
			for _, out := range op.Outputs() {
				name := out.Name
				if name == "" {
					name = fmt.Sprintf("reg_%d", next)
					next++
				}
				if names[name] {
					return nil, abxerrors.Configuration("regressor %q is defined twice", name)
				}
				names[name] = true
				reg := &Regressor{Name: name, Stage: stage, Index: out.Index}
				if out.Indexed() {
					reg.positions = make(map[string]uint64, len(out.Index))
					for i, v := range out.Index {
						reg.positions[v] = uint64(i)
					}
				}
				rs.byStage[stage] = append(rs.byStage[stage], len(rs.regs))
				rs.regs = append(rs.regs, reg)
			}
		}
	}
	return rs, nil
}

// Placer returns the underlying placer.
func (r *RegressorSet) Placer() *Placer { return r.placer }

// Regressors returns every regressor in output order.
func (r *RegressorSet) Regressors() []*Regressor { return slices.Clone(r.regs) }

// Names returns the regressor names in output order.
func (r *RegressorSet) Names() []string {
	names := make([]string, len(r.regs))
	for i, reg := range r.regs {
		names[i] = reg.Name
	}
	return names
}

// Indexes returns the value index of every indexed regressor.
func (r *RegressorSet) Indexes() map[string][]string {
	out := make(map[string][]string)
	for _, reg := range r.regs {
		if reg.Indexed() {
			out[reg.Name] = reg.Index
		}
	}
	return out
}

// StageRegressors returns the positions in Regressors of the outputs
// computed at stage.
func (r *RegressorSet) StageRegressors(stage Stage) []int { return slices.Clone(r.byStage[stage]) }

// Has reports whether a regressor runs at stage.
func (r *RegressorSet) Has(stage Stage) bool { return r.placer.Has(stage) }

// Values evaluates the regressors of a stage and returns one vector per
// output, aligned with StageRegressors(stage). idx is as for
// Placer.Context.
func (r *RegressorSet) Values(stage Stage, sc Scope, idx ...[]int) ([]Vector, error) {
	if !r.placer.Has(stage) {
		return nil, nil
	}
	ctx, err := r.placer.Context(stage, sc, idx...)
	if err != nil {
		return nil, err
	}
	out := make([]Vector, 0, len(r.byStage[stage]))
	for res, err := range r.placer.Evaluate(stage, func() *Context { return ctx }) {
		if err != nil {
			return nil, err
		}
		out = append(out, res...)
	}
	return out, nil
}
