package database

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/ajitpratap0/abxtask/pkg/abxerrors"
	"github.com/ajitpratap0/abxtask/pkg/columnar"
	"github.com/ajitpratap0/abxtask/pkg/logger"
	"github.com/ajitpratap0/abxtask/pkg/pool"
)

// maxInterned bounds the distinct cell values shared while reading a table.
const maxInterned = 1 << 20

// missingValues are the tokens read as a missing value. A missing cell is
// stored as the empty string.
var missingValues = map[string]bool{
	"NA": true, "N/A": true, "n/a": true, "NaN": true, "nan": true, "-NaN": true, "-nan": true,
	"NULL": true, "null": true, "None": true, "<NA>": true, "#N/A": true, "#NA": true,
}

// rawTable is a parsed text table before dictionary encoding.
type rawTable struct {
	names []string
	rows  [][]string
}

func (t *rawTable) index(name string) int { return slices.Index(t.names, name) }

// LoadOption configures Load.
type LoadOption func(*loadOptions)

type loadOptions struct {
	logger *zap.Logger
}

// WithLogger sets the loader logger.
func WithLogger(l *zap.Logger) LoadOption {
	return func(o *loadOptions) { o.logger = l }
}

// Load reads an item file and its auxiliary files. Items with a missing
// attribute value, including values missing after an auxiliary merge, are
// dropped and listed in <base>-removed<ext>.
func Load(path string, opts ...LoadOption) (*Database, error) {
	o := loadOptions{logger: logger.Get()}
	for _, opt := range opts {
		opt(&o)
	}
	log := o.logger.With(zap.String("database", path))

	if st, err := os.Stat(path); err != nil || st.IsDir() {
		return nil, abxerrors.IO("the file %s cannot be loaded", path).WithDetail("path", path)
	}
	raw, err := readTable(path)
	if err != nil {
		return nil, err
	}

	split, err := markerSplit(raw.names, path)
	if err != nil {
		return nil, err
	}
	for i, name := range raw.names {
		raw.names[i] = strings.TrimPrefix(name, "#")
	}
	features := &rawTable{names: raw.names[:split]}
	attrs := &rawTable{names: raw.names[split:]}
	for _, row := range raw.rows {
		features.rows = append(features.rows, row[:split])
		attrs.rows = append(attrs.rows, row[split:])
	}
	log.Info("item database loaded", zap.Int("items", len(raw.rows)), zap.Strings("attributes", attrs.names))

	base := strings.TrimSuffix(path, filepath.Ext(path))
	forest, err := mergeAux(attrs, attrs.names, path, base, log)
	if err != nil {
		return nil, err
	}

	keep, dropped := splitMissing(attrs)
	if len(dropped) > 0 {
		removedPath := base + "-removed" + filepath.Ext(path)
		if err := writeRemoved(removedPath, attrs, dropped); err != nil {
			return nil, err
		}
		log.Warn("items removed because of missing information",
			zap.Int("removed", len(dropped)), zap.String("listed_in", removedPath))
	}

	attrTable, err := encode(attrs, keep)
	if err != nil {
		return nil, err
	}
	featTable, err := encode(features, keep)
	if err != nil {
		return nil, err
	}
	return &Database{
		Path:       path,
		Attributes: attrTable,
		Features:   featTable,
		Hierarchy:  newHierarchy(forest),
		Removed:    len(dropped),
	}, nil
}

// markerSplit validates the '#' markers of an item file header and returns
// the index of the first attribute column.
func markerSplit(names []string, path string) (int, error) {
	if len(names) == 0 || !strings.HasPrefix(names[0], "#") {
		return 0, abxerrors.IO("the first column in %s must be prefixed with #", path)
	}
	if strings.Count(strings.Join(names, ""), "#") != 2 {
		return 0, abxerrors.IO("exactly two columns in %s must be prefixed with #", path)
	}
	for i := 1; i < len(names); i++ {
		if strings.HasPrefix(names[i], "#") {
			return i, nil
		}
	}
	return 0, abxerrors.IO("exactly two columns in %s must be prefixed with #", path)
}

// readTable parses a whitespace-delimited file with a header line. Blank
// lines are skipped and short rows are padded with missing values.
func readTable(path string) (*rawTable, error) {
	f, err := os.Open(path) //nolint:gosec // item files are named by the user
	if err != nil {
		return nil, abxerrors.Wrap(err, abxerrors.ErrorTypeIO, "failed to open table").WithDetail("path", path)
	}
	defer f.Close()

	t := &rawTable{}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	values := pool.NewInterner(maxInterned)
	line := 0
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if t.names == nil {
			t.names = fields
			continue
		}
		if len(fields) > len(t.names) {
			return nil, abxerrors.IO("%s:%d: %d fields, header has %d", path, line, len(fields), len(t.names))
		}
		row := make([]string, len(t.names))
		for i, v := range fields {
			if !missingValues[v] {
				row[i] = values.Intern(v)
			}
		}
		t.rows = append(t.rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, abxerrors.Wrap(err, abxerrors.ErrorTypeIO, "failed to read table").WithDetail("path", path)
	}
	if t.names == nil {
		return nil, abxerrors.IO("%s has no header", path)
	}
	if dup := duplicate(t.names); dup != "" {
		return nil, abxerrors.IO("column %s appears twice in %s", dup, path)
	}
	return t, nil
}

func duplicate(names []string) string {
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		if seen[n] {
			return n
		}
		seen[n] = true
	}
	return ""
}

// mergeAux left-joins the auxiliary file of every column in columns into t
// and returns the hierarchy forest rooted at those columns.
func mergeAux(t *rawTable, columns []string, path, base string, log *zap.Logger) ([]*node, error) {
	forest := make([]*node, 0, len(columns))
	for _, col := range columns {
		n := &node{name: col}
		forest = append(forest, n)

		auxPath := base + "." + col
		if auxPath == path {
			continue
		}
		if _, err := os.Stat(auxPath); err != nil {
			continue
		}
		aux, err := readTable(auxPath)
		if err != nil {
			return nil, err
		}
		if aux.names[0] != col {
			return nil, abxerrors.IO("first column name in file %s is %s, it should be %s",
				auxPath, aux.names[0], col)
		}
		children, err := mergeAux(aux, aux.names[1:], path, base, log)
		if err != nil {
			return nil, err
		}
		n.children = children
		if err := leftJoin(t, aux, col, auxPath); err != nil {
			return nil, err
		}
		log.Info("read auxiliary file",
			zap.String("file", auxPath),
			zap.String("key", col),
			zap.Strings("columns", aux.names[1:]))
	}
	return forest, nil
}

func leftJoin(t, aux *rawTable, col, auxPath string) error {
	for _, name := range aux.names[1:] {
		if t.index(name) >= 0 {
			return abxerrors.IO("column %s of %s already exists", name, auxPath)
		}
	}
	lookup := make(map[string][]string, len(aux.rows))
	for _, row := range aux.rows {
		if _, dup := lookup[row[0]]; dup {
			return abxerrors.IO("key %s appears twice in %s", row[0], auxPath)
		}
		lookup[row[0]] = row[1:]
	}

	key := t.index(col)
	extra := len(aux.names) - 1
	t.names = append(t.names, aux.names[1:]...)
	for i, row := range t.rows {
		values, ok := lookup[row[key]]
		if !ok || row[key] == "" {
			values = make([]string, extra)
		}
		t.rows[i] = append(row, values...)
	}
	return nil
}

// splitMissing returns the rows without and with missing values.
func splitMissing(t *rawTable) (keep, dropped []int) {
	for i, row := range t.rows {
		if slices.Contains(row, "") {
			dropped = append(dropped, i)
		} else {
			keep = append(keep, i)
		}
	}
	return keep, dropped
}

func writeRemoved(path string, t *rawTable, rows []int) error {
	f, err := os.Create(path) //nolint:gosec // derived from the item file name
	if err != nil {
		return abxerrors.Wrap(err, abxerrors.ErrorTypeIO, "failed to list removed items").WithDetail("path", path)
	}
	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "index\t%s\n", strings.Join(t.names, "\t"))
	for _, r := range rows {
		cells := make([]string, len(t.rows[r]))
		for i, v := range t.rows[r] {
			if v == "" {
				v = "NA"
			}
			cells[i] = v
		}
		fmt.Fprintf(w, "%d\t%s\n", r, strings.Join(cells, "\t"))
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return abxerrors.Wrap(err, abxerrors.ErrorTypeIO, "failed to list removed items")
	}
	if err := f.Close(); err != nil {
		return abxerrors.Wrap(err, abxerrors.ErrorTypeIO, "failed to list removed items")
	}
	return nil
}

func encode(t *rawTable, rows []int) (*columnar.Table, error) {
	table := columnar.NewTable(len(rows))
	for j, name := range t.names {
		b := columnar.NewBuilder(len(rows))
		for _, r := range rows {
			b.Append(t.rows[r][j])
		}
		if err := table.Add(name, b.Build()); err != nil {
			return nil, err
		}
	}
	return table, nil
}
