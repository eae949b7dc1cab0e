package feed

import "strings"

// Row is one table row keyed by its created_at timestamp.
type Row struct {
	CreatedAt string
	Values    []string // aligned with Table.Columns
}

// Table is the assembled or cached feed of a sensor. Rows are ascending by
// CreatedAt and no timestamp appears twice.
type Table struct {
	Columns []string
	Rows    []Row
}

// Len returns the number of rows.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// Last returns the newest row.
func (t *Table) Last() (Row, bool) {
	if t.Len() == 0 {
		return Row{}, false
	}
	return t.Rows[len(t.Rows)-1], true
}

// ColumnIndex returns the position of name in Columns, or -1.
func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// IndexFold returns the position of the first column equal, ignoring case, to
// any of names, or -1.
func IndexFold(columns []string, names ...string) int {
	for i, c := range columns {
		for _, n := range names {
			if strings.EqualFold(strings.TrimSpace(c), n) {
				return i
			}
		}
	}
	return -1
}

// Clone returns a deep copy of t.
func (t *Table) Clone() *Table {
	if t == nil {
		return nil
	}
	out := &Table{
		Columns: append([]string(nil), t.Columns...),
		Rows:    make([]Row, len(t.Rows)),
	}
	for i, r := range t.Rows {
		out.Rows[i] = Row{CreatedAt: r.CreatedAt, Values: append([]string(nil), r.Values...)}
	}
	return out
}

// Value returns the cell of row r in column name.
func (t *Table) Value(r Row, name string) (string, bool) {
	i := t.ColumnIndex(name)
	if i < 0 || i >= len(r.Values) {
		return "", false
	}
	return r.Values[i], true
}

// Append adds the rows of other after t's rows. Columns are matched by name;
// columns only present in other are added at the end and backfilled with "".
func (t *Table) Append(other *Table) {
	if other.Len() == 0 {
		return
	}

	mapping := make([]int, len(other.Columns))
	for i, c := range other.Columns {
		idx := t.ColumnIndex(c)
		if idx < 0 {
			t.Columns = append(t.Columns, c)
			idx = len(t.Columns) - 1
		}
		mapping[i] = idx
	}

	for i := range t.Rows {
		t.Rows[i].Values = pad(t.Rows[i].Values, len(t.Columns))
	}

	for _, r := range other.Rows {
		values := make([]string, len(t.Columns))
		for i, v := range r.Values {
			if i < len(mapping) {
				values[mapping[i]] = v
			}
		}
		t.Rows = append(t.Rows, Row{CreatedAt: r.CreatedAt, Values: values})
	}
}

func pad(vs []string, n int) []string {
	for len(vs) < n {
		vs = append(vs, "")
	}
	return vs
}
