package dataset

import (
	"fmt"
	"sort"
	"time"
)

// Table is an in-memory, time-indexed tabular dataset. Times and Target are
// parsed out of the raw rows for the math that happens locally (splitting,
// windowing, metric alignment); the raw cells are kept verbatim so the table
// can be written back out for upload without loss.
type Table struct {
	TimeColumn   string
	TargetColumn string
	Columns      []string   // all columns, file order
	Times        []time.Time
	Target       []float64
	Rows         [][]string // raw cells, aligned with Columns
}

// Len returns the number of rows.
func (t *Table) Len() int {
	return len(t.Rows)
}

// ColumnIndex returns the position of the named column, or -1.
func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// DropColumns returns a copy of the table without the named columns. Dropping
// the time or target column is an error; unknown names are an error too, so a
// typo in a leakage-column list fails loudly instead of silently leaking.
func (t *Table) DropColumns(names []string) (*Table, error) {
	drop := make(map[int]bool, len(names))
	for _, name := range names {
		if name == t.TimeColumn || name == t.TargetColumn {
			return nil, fmt.Errorf("cannot drop %q: it is the time or target column", name)
		}
		idx := t.ColumnIndex(name)
		if idx < 0 {
			return nil, fmt.Errorf("cannot drop unknown column %q", name)
		}
		drop[idx] = true
	}

	out := &Table{
		TimeColumn:   t.TimeColumn,
		TargetColumn: t.TargetColumn,
		Times:        t.Times,
		Target:       t.Target,
	}
	for i, c := range t.Columns {
		if !drop[i] {
			out.Columns = append(out.Columns, c)
		}
	}
	out.Rows = make([][]string, len(t.Rows))
	for r, row := range t.Rows {
		kept := make([]string, 0, len(out.Columns))
		for i, cell := range row {
			if !drop[i] {
				kept = append(kept, cell)
			}
		}
		out.Rows[r] = kept
	}
	return out, nil
}

// SortByTime sorts the rows in place by their timestamp, stable so rows with
// equal timestamps keep their file order.
func (t *Table) SortByTime() {
	order := make([]int, len(t.Rows))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return t.Times[order[a]].Before(t.Times[order[b]])
	})

	times := make([]time.Time, len(order))
	target := make([]float64, len(order))
	rows := make([][]string, len(order))
	for i, idx := range order {
		times[i] = t.Times[idx]
		target[i] = t.Target[idx]
		rows[i] = t.Rows[idx]
	}
	t.Times, t.Target, t.Rows = times, target, rows
}

// SplitAt partitions the table at the cutoff timestamp. Rows at or before the
// cutoff go to train, rows after it to test. The table must be time-sorted.
func (t *Table) SplitAt(cutoff time.Time) (train, test *Table, err error) {
	boundary := sort.Search(len(t.Times), func(i int) bool {
		return t.Times[i].After(cutoff)
	})
	if boundary == 0 {
		return nil, nil, fmt.Errorf("cutoff %s precedes all %d rows", cutoff.Format(time.RFC3339), t.Len())
	}
	if boundary == len(t.Times) {
		return nil, nil, fmt.Errorf("cutoff %s leaves no test rows", cutoff.Format(time.RFC3339))
	}
	return t.slice(0, boundary), t.slice(boundary, len(t.Rows)), nil
}

// Window is a half-open row range [Start, End) within a table.
type Window struct {
	Start int
	End   int
}

// Windows slices the table into consecutive ranges of at most horizon rows.
// The final window may be shorter. Together the windows cover every row in
// order with no overlap.
func (t *Table) Windows(horizon int) ([]Window, error) {
	if horizon < 1 {
		return nil, fmt.Errorf("horizon must be >= 1, got %d", horizon)
	}
	var windows []Window
	for start := 0; start < t.Len(); start += horizon {
		end := start + horizon
		if end > t.Len() {
			end = t.Len()
		}
		windows = append(windows, Window{Start: start, End: end})
	}
	return windows, nil
}

// Slice returns the sub-table for a window.
func (t *Table) Slice(w Window) *Table {
	return t.slice(w.Start, w.End)
}

func (t *Table) slice(start, end int) *Table {
	return &Table{
		TimeColumn:   t.TimeColumn,
		TargetColumn: t.TargetColumn,
		Columns:      t.Columns,
		Times:        t.Times[start:end],
		Target:       t.Target[start:end],
		Rows:         t.Rows[start:end],
	}
}
