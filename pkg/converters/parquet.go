package converters

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/parquet-go/parquet-go"
)

// parquetCodec stores every column as an optional UTF-8 string so that explicit
// nulls survive a round trip. Numeric and boolean columns written by other tools
// are read back with their native Go types.
//
// Group schemas sort their fields by name, so the table's column order is kept
// in the file's key/value metadata under columnOrderKey.
type parquetCodec struct{}

const (
	columnOrderKey = "dataset_kitchen.columns"
	pandasKey      = "pandas"
)

func (parquetCodec) Encode(w io.Writer, t *Table) error {
	if len(t.Columns) == 0 {
		return fmt.Errorf("parquet: table has no columns")
	}
	group := parquet.Group{}
	for _, c := range t.Columns {
		group[c] = parquet.Optional(parquet.String())
	}
	schema := parquet.NewSchema("record", group)
	leaves := schema.Columns()

	rows := make([]parquet.Row, 0, len(t.Rows))
	for _, rec := range t.Rows {
		row := make(parquet.Row, len(leaves))
		for i, path := range leaves {
			v := rec[path[0]]
			if v == nil {
				row[i] = parquet.Value{}.Level(0, 0, i)
				continue
			}
			row[i] = parquet.ByteArrayValue([]byte(CellString(v))).Level(0, 1, i)
		}
		rows = append(rows, row)
	}

	order, err := json.Marshal(t.Columns)
	if err != nil {
		return fmt.Errorf("parquet: failed to encode column order: %w", err)
	}
	pw := parquet.NewWriter(w, schema, parquet.KeyValueMetadata(columnOrderKey, string(order)))
	if _, err := pw.WriteRows(rows); err != nil {
		return fmt.Errorf("parquet: failed to write rows: %w", err)
	}
	if err := pw.Close(); err != nil {
		return fmt.Errorf("parquet: failed to close writer: %w", err)
	}
	return nil
}

func (parquetCodec) Decode(r io.Reader) (*Table, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("parquet: failed to read: %w", err)
	}
	f, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("parquet: failed to open file: %w", err)
	}

	leaves := f.Schema().Columns()
	names := make([]string, len(leaves))
	var cols []string
	for i, path := range leaves {
		names[i] = strings.Join(path, ".")
		if !strings.HasPrefix(names[i], "__index_level_") {
			cols = append(cols, names[i])
		}
	}
	t := NewTable(orderColumns(cols, storedOrder(f)))

	buf := make([]parquet.Row, 128)
	for _, rg := range f.RowGroups() {
		rows := rg.Rows()
		for {
			n, err := rows.ReadRows(buf)
			for _, row := range buf[:n] {
				rec := make(Record, len(cols))
				for _, v := range row {
					idx := v.Column()
					if idx < 0 || idx >= len(names) || v.IsNull() {
						continue
					}
					rec[names[idx]] = nativeValue(v)
				}
				t.Append(rec)
			}
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				rows.Close()
				return nil, fmt.Errorf("parquet: failed to read rows: %w", err)
			}
			if n == 0 {
				break
			}
		}
		rows.Close()
	}
	return t, nil
}

// storedOrder returns the column order recorded by this codec or by pandas.
func storedOrder(f *parquet.File) []string {
	if v, ok := f.Lookup(columnOrderKey); ok {
		var order []string
		if json.Unmarshal([]byte(v), &order) == nil {
			return order
		}
	}
	if v, ok := f.Lookup(pandasKey); ok {
		var meta struct {
			Columns []struct {
				Name *string `json:"name"`
			} `json:"columns"`
		}
		if json.Unmarshal([]byte(v), &meta) == nil {
			order := make([]string, 0, len(meta.Columns))
			for _, c := range meta.Columns {
				if c.Name != nil {
					order = append(order, *c.Name)
				}
			}
			return order
		}
	}
	return nil
}

// orderColumns puts cols in the order given, followed by any column the order
// does not mention in schema order.
func orderColumns(cols, order []string) []string {
	if len(order) == 0 {
		return cols
	}
	present := make(map[string]bool, len(cols))
	for _, c := range cols {
		present[c] = true
	}
	out := make([]string, 0, len(cols))
	for _, c := range order {
		if present[c] {
			out = append(out, c)
			delete(present, c)
		}
	}
	for _, c := range cols {
		if present[c] {
			out = append(out, c)
		}
	}
	return out
}

func nativeValue(v parquet.Value) any {
	switch v.Kind() {
	case parquet.Boolean:
		return v.Boolean()
	case parquet.Int32, parquet.Int64:
		return v.Int64()
	case parquet.Float:
		return float64(v.Float())
	case parquet.Double:
		return v.Double()
	case parquet.ByteArray, parquet.FixedLenByteArray:
		return string(v.ByteArray())
	}
	return v.String()
}
