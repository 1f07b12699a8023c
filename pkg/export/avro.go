package export

import (
	"fmt"
	"io"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/goccy/go-json"
	"github.com/linkedin/goavro/v2"

	"github.com/ajitpratap0/abxtask/pkg/abxerrors"
	"github.com/ajitpratap0/abxtask/pkg/compression"
)

// avroWriter writes record batches as blocks of an Avro object container
// file. Field names are sanitized to the Avro name grammar.
type avroWriter struct {
	ocf     *goavro.OCFWriter
	names   []string
	natives []interface{}
}

func newAvroWriter(w io.Writer, schema *arrow.Schema, alg compression.Algorithm) (*avroWriter, error) {
	names := make([]string, schema.NumFields())
	fields := make([]map[string]interface{}, schema.NumFields())
	seen := make(map[string]bool, len(names))
	for i, f := range schema.Fields() {
		names[i] = avroName(f.Name, i)
		if seen[names[i]] {
			names[i] = fmt.Sprintf("%s_%d", names[i], i)
		}
		seen[names[i]] = true
		fields[i] = map[string]interface{}{"name": names[i], "type": avroType(f.Type)}
		if names[i] != f.Name {
			fields[i]["doc"] = f.Name
		}
	}
	doc := make([]string, 0, schema.Metadata().Len())
	for i, k := range schema.Metadata().Keys() {
		doc = append(doc, k+"="+schema.Metadata().Values()[i])
	}
	raw, err := json.Marshal(map[string]interface{}{
		"type":      "record",
		"name":      "triplet",
		"namespace": "abx",
		"doc":       strings.Join(doc, " "),
		"fields":    fields,
	})
	if err != nil {
		return nil, abxerrors.Wrap(err, abxerrors.ErrorTypeInternal, "failed to encode Avro schema")
	}
	codec, err := goavro.NewCodec(string(raw))
	if err != nil {
		return nil, abxerrors.Wrap(err, abxerrors.ErrorTypeInternal, "failed to create Avro codec")
	}
	ocf, err := goavro.NewOCFWriter(goavro.OCFConfig{
		W:               w,
		Codec:           codec,
		CompressionName: avroCompression(alg),
	})
	if err != nil {
		return nil, abxerrors.Wrap(err, abxerrors.ErrorTypeIO, "failed to create Avro writer")
	}
	return &avroWriter{ocf: ocf, names: names}, nil
}

func (a *avroWriter) Write(rec arrow.Record) error {
	n := int(rec.NumRows())
	a.natives = a.natives[:0]
	for r := 0; r < n; r++ {
		row := make(map[string]interface{}, len(a.names))
		for c, name := range a.names {
			switch col := rec.Column(c).(type) {
			case *array.String:
				row[name] = col.Value(r)
			case *array.Uint64:
				row[name] = int64(col.Value(r))
			case *array.Float64:
				row[name] = col.Value(r)
			default:
				return abxerrors.Newf(abxerrors.ErrorTypeInternal, "no Avro mapping for column %s of type %s",
					name, col.DataType())
			}
		}
		a.natives = append(a.natives, row)
	}
	return a.ocf.Append(a.natives)
}

// Close is a no-op: the OCF writer flushes a block on every Append.
func (a *avroWriter) Close() error { return nil }

func avroType(t arrow.DataType) string {
	switch t.ID() {
	case arrow.STRING:
		return "string"
	case arrow.UINT64:
		return "long"
	default:
		return "double"
	}
}

// avroName maps a column name onto [A-Za-z_][A-Za-z0-9_]*.
func avroName(name string, i int) string {
	var b strings.Builder
	for j, r := range name {
		switch {
		case r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if j == 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 || strings.Trim(b.String(), "_") == "" {
		return fmt.Sprintf("col_%d", i)
	}
	return b.String()
}

func avroCompression(a compression.Algorithm) string {
	switch a {
	case compression.None:
		return goavro.CompressionNullLabel
	case compression.Gzip, compression.Deflate:
		return goavro.CompressionDeflateLabel
	default:
		return goavro.CompressionSnappyLabel
	}
}
