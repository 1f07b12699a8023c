package sideop

import (
	"errors"
	"math"
	"reflect"
	"slices"
	"strconv"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	"github.com/expr-lang/expr/vm"

	"github.com/ajitpratap0/abxtask/pkg/abxerrors"
)

// Env resolves the names an expression may use.
type Env struct {
	// Columns maps every readable name to the kind of its values.
	Columns map[string]Kind
	// Lookups are the lookup tables callable by name.
	Lookups map[string]*LookupOp
}

// ExprOp evaluates an expr-lang expression row by row. Its single output
// is unnamed and unindexed.
//
// Besides the expr-lang builtins, expressions may call num and str to
// convert between text and numbers, and every lookup table by name:
//
//	phone_A != phone_X and talker_B in ["t1", "t2"]
//	abs(num(rep_A) - num(rep_X)) / 2
//	dist(phone_A, phone_X) > 1.5
type ExprOp struct {
	src     string
	program *vm.Program
	inputs  []string
	kind    Kind
	typed   bool
}

// ParseExpr compiles src. Every name src reads must be in env.Columns.
func ParseExpr(src string, env Env) (*ExprOp, error) {
	tree, err := parser.Parse(src)
	if err != nil {
		return nil, abxerrors.Configuration("invalid expression %q: %v", src, err)
	}
	names := &nameCollector{idents: make(map[string]bool), callees: make(map[string]bool)}
	ast.Walk(&tree.Node, names)
	var inputs []string
	for name := range names.idents {
		if names.callees[name] {
			continue
		}
		if _, ok := env.Columns[name]; !ok {
			return nil, abxerrors.Configuration("unknown name %q in %q", name, src)
		}
		inputs = append(inputs, name)
	}
	slices.Sort(inputs)

	vars := make(map[string]any, len(inputs))
	for _, name := range inputs {
		vars[name] = zero(env.Columns[name])
	}
	opts := []expr.Option{
		expr.Env(vars),
		expr.Function("num", toNumber, new(func(any) float64)),
		expr.Function("str", toText, new(func(any) string)),
	}
	for name, lk := range env.Lookups {
		opts = append(opts, expr.Function(name, lk.call, lk.signature()))
	}
	program, err := expr.Compile(src, opts...)
	if err != nil {
		return nil, abxerrors.Configuration("invalid expression %q: %v", src, err)
	}
	op := &ExprOp{src: src, program: program, inputs: inputs}
	op.kind, op.typed = kindOf(program.Node().Type())
	return op, nil
}

// Inputs implements SideOperation.
func (e *ExprOp) Inputs() []string { return slices.Clone(e.inputs) }

// Outputs implements SideOperation.
func (e *ExprOp) Outputs() []Output { return []Output{{}} }

// Kind returns the kind of the expression's values when it is known
// before evaluation.
func (e *ExprOp) Kind() (Kind, bool) { return e.kind, e.typed }

// Evaluate implements SideOperation.
func (e *ExprOp) Evaluate(ctx *Context) ([]Vector, error) {
	out := make(Vector, ctx.Len())
	vars := make(map[string]any, len(e.inputs))
	var machine vm.VM
	for i := range out {
		for _, name := range e.inputs {
			v, ok := ctx.Value(name, i)
			if !ok {
				return nil, errUnbound(name)
			}
			vars[name] = v.native()
		}
		res, err := machine.Run(e.program, vars)
		if err != nil {
			return nil, e.wrap(err)
		}
		if out[i], err = fromNative(res); err != nil {
			return nil, e.wrap(err)
		}
	}
	return []Vector{out}, nil
}

func (e *ExprOp) wrap(err error) error {
	typ := abxerrors.ErrorTypeData
	var ae *abxerrors.Error
	if errors.As(err, &ae) {
		typ = ae.Type
	}
	return abxerrors.Wrap(err, typ, "failed to evaluate "+strconv.Quote(e.src))
}

func (e *ExprOp) String() string { return e.src }

// nameCollector gathers the identifiers of an expression and the ones used
// as function names.
type nameCollector struct {
	idents  map[string]bool
	callees map[string]bool
}

func (c *nameCollector) Visit(node *ast.Node) {
	switch n := (*node).(type) {
	case *ast.IdentifierNode:
		c.idents[n.Value] = true
	case *ast.CallNode:
		if id, ok := n.Callee.(*ast.IdentifierNode); ok {
			c.callees[id.Value] = true
		}
	}
}

func zero(k Kind) any {
	switch k {
	case KindNumber:
		return float64(0)
	case KindBool:
		return false
	default:
		return ""
	}
}

func kindOf(t reflect.Type) (Kind, bool) {
	if t == nil {
		return 0, false
	}
	switch t.Kind() {
	case reflect.Bool:
		return KindBool, true
	case reflect.String:
		return KindText, true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return KindNumber, true
	default:
		return 0, false
	}
}

// native returns the value as expr-lang sees it.
func (v Value) native() any {
	switch v.Kind {
	case KindNumber:
		return v.Num
	case KindBool:
		return v.Bool
	default:
		return v.Text
	}
}

func fromNative(x any) (Value, error) {
	var f float64
	switch v := x.(type) {
	case bool:
		return Bool(v), nil
	case string:
		return Text(v), nil
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case uint64:
		f = float64(v)
	default:
		return Value{}, abxerrors.Newf(abxerrors.ErrorTypeData, "unsupported result %v of type %T", x, x)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Value{}, abxerrors.Newf(abxerrors.ErrorTypeData, "non-finite result %v", f)
	}
	return Number(f), nil
}

func toNumber(params ...any) (any, error) {
	v, err := fromNative(params[0])
	if err != nil {
		return nil, err
	}
	f, ok := v.Float()
	if !ok {
		return nil, abxerrors.Newf(abxerrors.ErrorTypeData, "%q is not a number", v.String())
	}
	return f, nil
}

func toText(params ...any) (any, error) {
	v, err := fromNative(params[0])
	if err != nil {
		return nil, err
	}
	return v.String(), nil
}
