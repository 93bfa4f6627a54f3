package converters

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Codec reads and writes one tabular file format.
type Codec interface {
	Decode(r io.Reader) (*Table, error)
	Encode(w io.Writer, t *Table) error
}

var codecs = map[string]Codec{
	".json":    jsonCodec{},
	".jsonl":   jsonlCodec{},
	".csv":     csvCodec{},
	".parquet": parquetCodec{},
}

func codecFor(format string) (Codec, error) {
	c, ok := codecs[strings.ToLower(format)]
	if !ok {
		return nil, fmt.Errorf("unsupported table format %q", format)
	}
	return c, nil
}

func Decode(format string, r io.Reader) (*Table, error) {
	c, err := codecFor(format)
	if err != nil {
		return nil, err
	}
	return c.Decode(r)
}

func Encode(format string, w io.Writer, t *Table) error {
	c, err := codecFor(format)
	if err != nil {
		return err
	}
	return c.Encode(w, t)
}

// EncodeBytes is Encode into a buffer.
func EncodeBytes(format string, t *Table) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(format, &buf, t); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// FromColumnar turns {"col": [v0, v1, ...]} into rows. Shorter columns yield nulls.
func FromColumnar(columns []string, data map[string][]any) *Table {
	t := NewTable(columns)
	n := 0
	for _, c := range columns {
		if len(data[c]) > n {
			n = len(data[c])
		}
	}
	for i := 0; i < n; i++ {
		rec := make(Record, len(columns))
		for _, c := range columns {
			if i < len(data[c]) {
				rec[c] = data[c][i]
			}
		}
		t.Append(rec)
	}
	return t
}

type jsonCodec struct{}

// Decode accepts an array of objects or a columnar object of arrays.
func (jsonCodec) Decode(r io.Reader) (*Table, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to read json: %w", err)
	}
	switch tok {
	case json.Delim('['):
		b := newTableBuilder()
		for dec.More() {
			rec, keys, err := decodeObject(dec)
			if err != nil {
				return nil, err
			}
			b.add(rec, keys)
		}
		if _, err := dec.Token(); err != nil {
			return nil, fmt.Errorf("failed to read json: %w", err)
		}
		return b.table(), nil
	case json.Delim('{'):
		var cols []string
		data := make(map[string][]any)
		for dec.More() {
			keyTok, err := dec.Token()
			if err != nil {
				return nil, fmt.Errorf("failed to read json key: %w", err)
			}
			key, _ := keyTok.(string)
			var values []any
			if err := dec.Decode(&values); err != nil {
				return nil, fmt.Errorf("column %q is not an array: %w", key, err)
			}
			cols = append(cols, key)
			data[key] = values
		}
		return FromColumnar(cols, data), nil
	}
	return nil, fmt.Errorf("json table must be an array of objects or an object of arrays")
}

func (jsonCodec) Encode(w io.Writer, t *Table) error {
	bw := bufio.NewWriter(w)
	bw.WriteString("[")
	for i, r := range t.Rows {
		if i > 0 {
			bw.WriteString(",")
		}
		bw.WriteString("\n  ")
		if err := writeOrderedObject(bw, t.Columns, r); err != nil {
			return err
		}
	}
	if len(t.Rows) > 0 {
		bw.WriteString("\n")
	}
	bw.WriteString("]\n")
	return bw.Flush()
}

type jsonlCodec struct{}

func (jsonlCodec) Decode(r io.Reader) (*Table, error) {
	b := newTableBuilder()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		dec := json.NewDecoder(strings.NewReader(text))
		dec.UseNumber()
		if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
			return nil, fmt.Errorf("line %d is not a json object", line)
		}
		rec, keys, err := decodeObjectBody(dec)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		b.add(rec, keys)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read jsonl: %w", err)
	}
	return b.table(), nil
}

func (jsonlCodec) Encode(w io.Writer, t *Table) error {
	bw := bufio.NewWriter(w)
	for _, r := range t.Rows {
		if err := writeOrderedObject(bw, t.Columns, r); err != nil {
			return err
		}
		bw.WriteString("\n")
	}
	return bw.Flush()
}

type csvCodec struct{}

func (csvCodec) Decode(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return NewTable(nil), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read csv header: %w", err)
	}
	t := NewTable(header)
	for {
		fields, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read csv: %w", err)
		}
		rec := make(Record, len(header))
		for i, c := range header {
			if i < len(fields) {
				rec[c] = fields[i]
			}
		}
		t.Append(rec)
	}
	return t, nil
}

func (csvCodec) Encode(w io.Writer, t *Table) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Columns); err != nil {
		return err
	}
	fields := make([]string, len(t.Columns))
	for _, r := range t.Rows {
		for i, c := range t.Columns {
			fields[i] = CellString(r[c])
		}
		if err := cw.Write(fields); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

type tableBuilder struct {
	cols []string
	seen map[string]bool
	rows []Record
}

func newTableBuilder() *tableBuilder {
	return &tableBuilder{seen: make(map[string]bool)}
}

func (b *tableBuilder) add(rec Record, keys []string) {
	for _, k := range keys {
		if !b.seen[k] {
			b.seen[k] = true
			b.cols = append(b.cols, k)
		}
	}
	b.rows = append(b.rows, rec)
}

func (b *tableBuilder) table() *Table {
	t := NewTable(b.cols)
	for _, r := range b.rows {
		t.Append(r)
	}
	return t
}

func decodeObject(dec *json.Decoder) (Record, []string, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read json: %w", err)
	}
	if tok != json.Delim('{') {
		return nil, nil, fmt.Errorf("expected json object, got %v", tok)
	}
	return decodeObjectBody(dec)
}

// decodeObjectBody reads the members of an object whose '{' was consumed,
// keeping key order.
func decodeObjectBody(dec *json.Decoder) (Record, []string, error) {
	rec := Record{}
	var keys []string
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read json key: %w", err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, nil, fmt.Errorf("unexpected json key %v", keyTok)
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, nil, fmt.Errorf("failed to read value of %q: %w", key, err)
		}
		if _, dup := rec[key]; !dup {
			keys = append(keys, key)
		}
		rec[key] = v
	}
	if _, err := dec.Token(); err != nil {
		return nil, nil, fmt.Errorf("failed to read json: %w", err)
	}
	return rec, keys, nil
}

func writeOrderedObject(w *bufio.Writer, cols []string, r Record) error {
	w.WriteString("{")
	for i, c := range cols {
		if i > 0 {
			w.WriteString(",")
		}
		k, err := json.Marshal(c)
		if err != nil {
			return err
		}
		v, err := json.Marshal(r[c])
		if err != nil {
			return fmt.Errorf("failed to encode column %q: %w", c, err)
		}
		w.Write(k)
		w.WriteString(":")
		w.Write(v)
	}
	w.WriteString("}")
	return nil
}
