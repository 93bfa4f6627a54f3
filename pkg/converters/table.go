package converters

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Record is one row. A nil value is an explicit null.
type Record map[string]any

// Table is an in-memory tabular dataset with ordered columns.
type Table struct {
	Columns []string `json:"columns"`
	Rows    []Record `json:"rows"`
}

func NewTable(columns []string) *Table {
	return &Table{Columns: append([]string(nil), columns...), Rows: []Record{}}
}

func (t *Table) Len() int { return len(t.Rows) }

func (t *Table) HasColumn(col string) bool {
	for _, c := range t.Columns {
		if c == col {
			return true
		}
	}
	return false
}

// AddColumn appends col if missing and fills existing rows with nulls.
func (t *Table) AddColumn(col string) {
	if t.HasColumn(col) {
		return
	}
	t.Columns = append(t.Columns, col)
	for _, r := range t.Rows {
		if _, ok := r[col]; !ok {
			r[col] = nil
		}
	}
}

// Append adds a row holding exactly the table's columns.
func (t *Table) Append(rec Record) {
	row := make(Record, len(t.Columns))
	for _, c := range t.Columns {
		row[c] = rec[c]
	}
	t.Rows = append(t.Rows, row)
}

// DropColumns removes the named columns that exist and returns them in table order.
func (t *Table) DropColumns(cols []string) []string {
	drop := make(map[string]bool, len(cols))
	for _, c := range cols {
		drop[c] = true
	}
	kept := make([]string, 0, len(t.Columns))
	var removed []string
	for _, c := range t.Columns {
		if drop[c] {
			removed = append(removed, c)
			continue
		}
		kept = append(kept, c)
	}
	t.Columns = kept
	for _, r := range t.Rows {
		for _, c := range removed {
			delete(r, c)
		}
	}
	return removed
}

// Page returns the rows of a zero-based page.
func (t *Table) Page(page, perPage int) []Record {
	if page < 0 || perPage <= 0 {
		return []Record{}
	}
	start := page * perPage
	if start >= len(t.Rows) {
		return []Record{}
	}
	end := start + perPage
	if end > len(t.Rows) {
		end = len(t.Rows)
	}
	return t.Rows[start:end]
}

// ApplyEdits sets cell values keyed by row index then column name.
func (t *Table) ApplyEdits(edits map[int]map[string]any) error {
	for idx, cells := range edits {
		if idx < 0 || idx >= len(t.Rows) {
			return fmt.Errorf("row %d out of range [0,%d)", idx, len(t.Rows))
		}
		for col := range cells {
			if !t.HasColumn(col) {
				return fmt.Errorf("unknown column %q", col)
			}
		}
	}
	for idx, cells := range edits {
		for col, v := range cells {
			t.Rows[idx][col] = v
		}
	}
	return nil
}

// Concat stacks tables; the result holds the union of columns in first-seen order.
func Concat(tables ...*Table) *Table {
	var cols []string
	seen := make(map[string]bool)
	total := 0
	for _, t := range tables {
		total += len(t.Rows)
		for _, c := range t.Columns {
			if !seen[c] {
				seen[c] = true
				cols = append(cols, c)
			}
		}
	}
	out := NewTable(cols)
	out.Rows = make([]Record, 0, total)
	for _, t := range tables {
		for _, r := range t.Rows {
			out.Append(r)
		}
	}
	return out
}

// CellString renders a cell for prompts and text formats. Nulls render as "".
func CellString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	case []byte:
		return string(x)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}
