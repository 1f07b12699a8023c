package sideop

import (
	"iter"
	"slices"
	"strings"

	"github.com/ajitpratap0/abxtask/pkg/abxerrors"
	"github.com/ajitpratap0/abxtask/pkg/columnar"
	"github.com/ajitpratap0/abxtask/pkg/database"
)

// Mode selects the placement rules that differ between filters and
// regressors.
type Mode uint8

const (
	ModeFilter Mode = iota
	ModeRegressor
)

// Layout is the on/across/by structure operations are placed against.
type Layout struct {
	DB     *database.Database
	On     string
	Across []string
	By     []string
}

// Scope locates one stage invocation inside a by-block.
type Scope struct {
	// Table holds the rows of the by-block.
	Table *columnar.Table
	// Rep is the row by values and on/across values are read from: any
	// row of the by-block for the by and generic stages, a row of the
	// current on-across block for the later stages.
	Rep int
}

type source uint8

const (
	// srcShared reads the value of Scope.Rep.
	srcShared source = iota
	srcRows
	srcA
	srcB
	srcX
)

type binding struct {
	name    string
	radical string
	src     source
}

// Placer assigns side operations to stages and builds the contexts they
// are evaluated on. A Placer is not safe for concurrent Add but its
// evaluation methods may run concurrently once every operation is added.
type Placer struct {
	mode     Mode
	db       *database.Database
	on       map[string]bool
	across   map[string]bool
	by       map[string]bool
	ops      [stageCount][]SideOperation
	bindings [stageCount]map[string]binding
}

const stageCount = int(StageABX) + 1

// NewPlacer returns an empty placer for the layout.
func NewPlacer(layout Layout, mode Mode) *Placer {
	h := layout.DB.Hierarchy
	p := &Placer{
		mode:   mode,
		db:     layout.DB,
		on:     h.DescendantsOf(layout.On),
		across: h.DescendantsOf(layout.Across...),
		by:     h.DescendantsOf(layout.By...),
	}
	for i := range p.bindings {
		p.bindings[i] = make(map[string]binding)
	}
	return p
}

// Env returns the names an expression placed by p may read: every
// attribute column under each of its extended names.
func (p *Placer) Env(lookups map[string]*LookupOp) Env {
	names := p.db.Attributes.Names()
	cols := make(map[string]Kind, len(names)*(len(suffixes)+1))
	kinds := make(map[string]Kind, len(names))
	for _, name := range names {
		c, _ := p.db.Attributes.Column(name)
		kinds[name] = KindText
		if c.Numeric() {
			kinds[name] = KindNumber
		}
		for _, ext := range ExtendedNames([]string{name}) {
			cols[ext] = kinds[name]
		}
	}
	// a column literally named like an extended name wins
	for name, k := range kinds {
		cols[name] = k
	}
	return Env{Columns: cols, Lookups: lookups}
}

// Add places op and returns its stage.
func (p *Placer) Add(op SideOperation) (Stage, error) {
	names := op.Inputs()
	inputs := make([]Input, 0, len(names))
	for _, name := range names {
		in, err := ParseInput(name, p.db.Attributes.Has)
		if err != nil {
			return 0, err
		}
		if err := p.check(in); err != nil {
			return 0, err
		}
		inputs = append(inputs, in)
	}

	stage, bindings, err := p.classify(inputs)
	if err != nil {
		return 0, abxerrors.Wrap(err, abxerrors.ErrorTypeConfiguration, "cannot place "+describe(op))
	}
	p.ops[stage] = append(p.ops[stage], op)
	for _, b := range bindings {
		p.bindings[stage][b.name] = b
	}
	return stage, nil
}

// check rejects role suffixes that do not name a single value of the
// triplet.
func (p *Placer) check(in Input) error {
	switch in.Role {
	case Role1, Role2:
		if !p.on[in.Radical] && !p.across[in.Radical] {
			return abxerrors.Configuration(
				"%s: columns used with _1 or _2 must be determined by the on or across of the task", in.Name)
		}
	case RoleAX:
		if !p.on[in.Radical] {
			return abxerrors.Configuration(
				"%s: columns used with _AX must be determined by the on of the task", in.Name)
		}
	case RoleAB:
		if !p.across[in.Radical] {
			return abxerrors.Configuration(
				"%s: columns used with _AB must be determined by the across of the task", in.Name)
		}
	}
	return nil
}

func (p *Placer) classify(inputs []Input) (Stage, []binding, error) {
	var bound []binding
	var rest []Input
	for _, in := range inputs {
		if p.by[in.Radical] {
			bound = append(bound, binding{name: in.Name, radical: in.Radical, src: srcShared})
			continue
		}
		rest = append(rest, in)
	}
	if len(rest) == 0 {
		return StageBy, bound, nil
	}

	unsuffixed := true
	for _, in := range rest {
		if in.Role != RoleNone {
			unsuffixed = false
			break
		}
	}
	if unsuffixed {
		if p.mode == ModeRegressor {
			return 0, nil, abxerrors.Configuration(
				"specify which item %s refers to using _A, _B or _X", radicals(rest))
		}
		for _, in := range rest {
			bound = append(bound, binding{name: in.Name, radical: in.Radical, src: srcRows})
		}
		return StageGeneric, bound, nil
	}

	var left []Input
	for _, in := range rest {
		if in.Role == RoleNone {
			return 0, nil, abxerrors.Configuration(
				"use of column %s without extension is ambiguous in this context", in.Radical)
		}
		if p.sharedByBlock(in) {
			bound = append(bound, binding{name: in.Name, radical: in.Radical, src: srcShared})
			continue
		}
		left = append(left, in)
	}
	if len(left) == 0 {
		return StageOnAcrossBy, bound, nil
	}

	roles := make(map[source]bool)
	for _, in := range left {
		src := p.itemSource(in)
		roles[src] = true
		bound = append(bound, binding{name: in.Name, radical: in.Radical, src: src})
	}
	if len(roles) > 1 {
		return StageABX, bound, nil
	}
	for src := range roles {
		switch src {
		case srcA:
			return StageA, bound, nil
		case srcB:
			return StageB, bound, nil
		}
	}
	return StageX, bound, nil
}

// sharedByBlock reports whether an input is constant over an on-across
// block: A and X share on, A and B share across.
func (p *Placer) sharedByBlock(in Input) bool {
	switch in.Role {
	case Role1, RoleAX, RoleAB:
		return true
	case RoleA:
		return p.on[in.Radical] || p.across[in.Radical]
	case RoleX:
		return p.on[in.Radical]
	case RoleB:
		return p.across[in.Radical]
	}
	return false
}

// itemSource returns the item a remaining input is read from. _2 stands
// for B on on-descendants and for X otherwise.
func (p *Placer) itemSource(in Input) source {
	switch in.Role {
	case RoleA:
		return srcA
	case RoleB:
		return srcB
	case Role2:
		if p.on[in.Radical] {
			return srcB
		}
		return srcX
	default:
		return srcX
	}
}

// Has reports whether any operation is placed at stage.
func (p *Placer) Has(stage Stage) bool { return len(p.ops[stage]) > 0 }

// Ops returns the operations placed at stage in insertion order.
func (p *Placer) Ops(stage Stage) []SideOperation { return slices.Clone(p.ops[stage]) }

// Context builds the context of a stage invocation. idx holds the row
// indices of the invocation: the rows for the generic stage, the
// candidates for A, B and X, and the A, B and X columns of a triplet batch
// for ABX.
func (p *Placer) Context(stage Stage, sc Scope, idx ...[]int) (*Context, error) {
	want := 0
	switch stage {
	case StageGeneric, StageA, StageB, StageX:
		want = 1
	case StageABX:
		want = 3
	}
	if len(idx) != want {
		return nil, abxerrors.Newf(abxerrors.ErrorTypeInternal,
			"stage %s takes %d index arrays, got %d", stage, want, len(idx))
	}
	n := 1
	if want > 0 {
		n = len(idx[0])
		for _, v := range idx[1:] {
			if len(v) != n {
				return nil, errRows("triplet", len(v), n)
			}
		}
	}

	ctx := newContext(n)
	for _, b := range p.bindings[stage] {
		col, ok := sc.Table.Column(b.radical)
		if !ok {
			return nil, errUnbound(b.radical)
		}
		if b.src == srcShared {
			ctx.setScalar(b.name, cell(col, sc.Rep))
			continue
		}
		rows := idx[0]
		if stage == StageABX {
			rows = idx[b.src-srcA]
		}
		v := make(Vector, n)
		for i, r := range rows {
			v[i] = cell(col, r)
		}
		ctx.setVector(b.name, v)
	}
	return ctx, nil
}

// Evaluate lazily evaluates the operations of a stage in order. Each
// operation is evaluated on the context current returns when the
// operation is reached, so a consumer may narrow the context between
// results. The sequence stops after the first error.
func (p *Placer) Evaluate(stage Stage, current func() *Context) iter.Seq2[[]Vector, error] {
	return func(yield func([]Vector, error) bool) {
		for _, op := range p.ops[stage] {
			ctx := current()
			out, err := op.Evaluate(ctx)
			if err == nil {
				err = checkResult(op, out, ctx.Len())
			}
			if !yield(out, err) || err != nil {
				return
			}
		}
	}
}

func checkResult(op SideOperation, out []Vector, n int) error {
	if len(out) != len(op.Outputs()) {
		return abxerrors.Newf(abxerrors.ErrorTypeData,
			"%s returned %d outputs, declared %d", describe(op), len(out), len(op.Outputs()))
	}
	for _, v := range out {
		if len(v) != n {
			return errRows(describe(op), len(v), n)
		}
	}
	return nil
}

func describe(op SideOperation) string {
	if s, ok := op.(interface{ String() string }); ok {
		return s.String()
	}
	return strings.Join(op.Inputs(), ",")
}

func radicals(inputs []Input) string {
	names := make([]string, len(inputs))
	for i, in := range inputs {
		names[i] = in.Radical
	}
	return strings.Join(names, ", ")
}
