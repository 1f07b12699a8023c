package sideop

import (
	"bufio"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strings"

	"github.com/ajitpratap0/abxtask/pkg/abxerrors"
	"github.com/ajitpratap0/abxtask/pkg/columnar"
	"github.com/ajitpratap0/abxtask/pkg/keycodec"
)

// LookupSuffixes are the file extensions recognised as lookup tables.
var LookupSuffixes = []string{".lookup", ".dbfun"}

// IsLookupFile reports whether a definition names a lookup table file.
func IsLookupFile(def string) bool {
	for _, s := range LookupSuffixes {
		if strings.HasSuffix(def, s) {
			return true
		}
	}
	return false
}

// LookupOp maps tuples of input values to tuples of output values read
// from a whitespace separated table:
//
//	phone_A phone_B -> distance
//	a       e          1.5
//	a       i          2
//
// Every output is indexed by its sorted distinct values.
type LookupOp struct {
	name    string
	inputs  []string
	outputs []Output
	numeric bool
	inCols  []*columnar.Column
	codec   *keycodec.Codec
	rows    map[uint64]int
	values  [][]Value
}

// LoadLookup reads a lookup table. Its name is the file name without
// extension.
func LoadLookup(path string) (*LookupOp, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, abxerrors.Wrap(err, abxerrors.ErrorTypeIO, "failed to open lookup table").
			WithDetail("path", path)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	var header []string
	var records [][]string
	line := 0
	for scanner.Scan() {
		line++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if header == nil {
			header = fields
			continue
		}
		records = append(records, fields)
	}
	if err := scanner.Err(); err != nil {
		return nil, abxerrors.Wrap(err, abxerrors.ErrorTypeIO, "failed to read lookup table").
			WithDetail("path", path)
	}

	arrow := slices.Index(header, "->")
	if arrow <= 0 || arrow == len(header)-1 {
		return nil, abxerrors.IO("lookup table %s: header must read 'inputs -> outputs'", path)
	}
	ins, outs := header[:arrow], header[arrow+1:]
	width := len(ins) + len(outs)

	columns := make([][]string, width)
	for i, rec := range records {
		if len(rec) != width {
			return nil, abxerrors.IO("lookup table %s: row %d has %d fields, expected %d",
				path, i+1, len(rec), width)
		}
		for j, v := range rec {
			columns[j] = append(columns[j], v)
		}
	}

	base := filepath.Base(path)
	op := &LookupOp{
		name:    strings.TrimSuffix(base, filepath.Ext(base)),
		inputs:  slices.Clone(ins),
		rows:    make(map[uint64]int, len(records)),
		values:  make([][]Value, len(records)),
	}

	cards := make([]uint64, len(ins))
	for j := range ins {
		col := columnar.FromStrings(columns[j])
		op.inCols = append(op.inCols, col)
		cards[j] = uint64(max(col.Cardinality(), 1))
	}
	if op.codec, err = keycodec.NewCodec(cards); err != nil {
		return nil, err
	}

	outCols := make([]*columnar.Column, len(outs))
	for j, name := range outs {
		outCols[j] = columnar.FromStrings(columns[len(ins)+j])
		op.outputs = append(op.outputs, Output{Name: name, Index: slices.Clone(outCols[j].Dictionary())})
	}
	op.numeric = outCols[0].Numeric()

	idx := make([]uint64, len(ins))
	for r := range records {
		for j, col := range op.inCols {
			idx[j] = uint64(col.Code(r))
		}
		key, err := op.codec.Encode(idx)
		if err != nil {
			return nil, err
		}
		if prev, dup := op.rows[key]; dup {
			return nil, abxerrors.IO("lookup table %s: rows %d and %d have the same inputs", path, prev+1, r+1)
		}
		op.rows[key] = r
		vals := make([]Value, len(outs))
		for j, col := range outCols {
			vals[j] = cell(col, r)
		}
		op.values[r] = vals
	}
	return op, nil
}

// Name returns the name expressions call the table by.
func (l *LookupOp) Name() string { return l.name }

// Inputs implements SideOperation.
func (l *LookupOp) Inputs() []string { return slices.Clone(l.inputs) }

// Outputs implements SideOperation.
func (l *LookupOp) Outputs() []Output { return slices.Clone(l.outputs) }

// Evaluate implements SideOperation.
func (l *LookupOp) Evaluate(ctx *Context) ([]Vector, error) {
	out := make([]Vector, len(l.outputs))
	for j := range out {
		out[j] = make(Vector, ctx.Len())
	}
	args := make([]Value, len(l.inputs))
	for i := 0; i < ctx.Len(); i++ {
		for j, name := range l.inputs {
			v, ok := ctx.Value(name, i)
			if !ok {
				return nil, errUnbound(name)
			}
			args[j] = v
		}
		vals, err := l.lookup(args)
		if err != nil {
			return nil, err
		}
		for j, v := range vals {
			out[j][i] = v
		}
	}
	return out, nil
}

// lookup returns the outputs of one input tuple.
func (l *LookupOp) lookup(args []Value) ([]Value, error) {
	idx := make([]uint64, len(args))
	for j, a := range args {
		code, ok := l.inCols[j].Lookup(a.String())
		if !ok {
			return nil, l.missing(args)
		}
		idx[j] = uint64(code)
	}
	key, err := l.codec.Encode(idx)
	if err != nil {
		return nil, err
	}
	r, ok := l.rows[key]
	if !ok {
		return nil, l.missing(args)
	}
	return l.values[r], nil
}

// call is the expression function of the table. It returns the first
// output of the row matching its arguments.
func (l *LookupOp) call(params ...any) (any, error) {
	args := make([]Value, len(params))
	for i, p := range params {
		v, err := fromNative(p)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	vals, err := l.lookup(args)
	if err != nil {
		return nil, err
	}
	return vals[0].native(), nil
}

// signature returns a pointer to the function type of call as seen by
// expressions: one argument per input and a text or numeric result.
func (l *LookupOp) signature() any {
	anyType := reflect.TypeOf((*any)(nil)).Elem()
	in := make([]reflect.Type, len(l.inputs))
	for i := range in {
		in[i] = anyType
	}
	out := reflect.TypeOf("")
	if l.numeric {
		out = reflect.TypeOf(float64(0))
	}
	return reflect.New(reflect.FuncOf(in, []reflect.Type{out}, false)).Interface()
}

func (l *LookupOp) missing(args []Value) error {
	keys := make([]string, len(args))
	for i, a := range args {
		keys[i] = a.String()
	}
	return abxerrors.IO("lookup table %s has no entry for (%s)", l.name, strings.Join(keys, ", "))
}

func (l *LookupOp) String() string { return l.name }
