// Package offsets holds the per-path row offset table of a genome view.
package offsets

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrPathOutOfRange is returned for a path index outside the loaded table.
	ErrPathOutOfRange = errors.New("path out of range")
	// ErrInvalidOffsets is returned when a table cannot be built from its input.
	ErrInvalidOffsets = errors.New("invalid offsets")
)

// Table maps path indices to the wrapped image rows they occupy.
// It is immutable once built.
type Table struct {
	rows []int
	// cumulative[i] is the number of rows used by paths [0, i); len(rows)+1 entries.
	cumulative []int
}

// New builds a table from per-path row counts.
func New(rows []int) (*Table, error) {
	t := &Table{
		rows:       make([]int, len(rows)),
		cumulative: make([]int, len(rows)+1),
	}
	for i, n := range rows {
		if n < 0 {
			return nil, fmt.Errorf("%w: path %d has negative row count %d", ErrInvalidOffsets, i, n)
		}
		t.rows[i] = n
		t.cumulative[i+1] = t.cumulative[i] + n
	}
	return t, nil
}

// FromCumulative builds a table from cumulative row offsets, where entry i is
// the first image row of path i. The last path's row count is unknown in
// that encoding, so totalRows closes the table.
func FromCumulative(cum []int, totalRows int) (*Table, error) {
	rows := make([]int, len(cum))
	for i, start := range cum {
		end := totalRows
		if i+1 < len(cum) {
			end = cum[i+1]
		}
		if i == 0 && start != 0 {
			return nil, fmt.Errorf("%w: first cumulative offset is %d, want 0", ErrInvalidOffsets, start)
		}
		if end < start {
			return nil, fmt.Errorf("%w: cumulative offsets decrease at path %d", ErrInvalidOffsets, i)
		}
		rows[i] = end - start
	}
	return New(rows)
}

// Len returns the number of paths.
func (t *Table) Len() int {
	return len(t.rows)
}

// TotalRows returns the number of image rows used by all paths.
func (t *Table) TotalRows() int {
	return t.cumulative[len(t.rows)]
}

// OffsetOf returns the number of rows path p occupies.
func (t *Table) OffsetOf(p int) (int, error) {
	if p < 0 || p >= len(t.rows) {
		return 0, fmt.Errorf("%w: %d (paths: %d)", ErrPathOutOfRange, p, len(t.rows))
	}
	return t.rows[p], nil
}

// CumulativeRowsBefore returns the sum of row counts for all paths below p.
// p may equal Len, which yields TotalRows.
func (t *Table) CumulativeRowsBefore(p int) (int, error) {
	if p < 0 || p > len(t.rows) {
		return 0, fmt.Errorf("%w: %d (paths: %d)", ErrPathOutOfRange, p, len(t.rows))
	}
	return t.cumulative[p], nil
}

// PathForRow resolves an image row to the path owning it: the greatest path
// whose cumulative offset is <= row. When several paths share that offset the
// lowest one that occupies at least one row wins, so paths with zero rows
// never own a row. withinRow is the row relative to the path's start.
//
// This differs from scanning the cumulative offsets for the first match,
// which hands the row to an empty path: with rows [2, 1, 0, 3] (offsets
// 0, 2, 3, 3) row 3 resolves to path 3 here, where the scan yields path 2.
func (t *Table) PathForRow(row int) (path, withinRow int, ok bool) {
	if row < 0 || row >= t.TotalRows() {
		return 0, 0, false
	}
	// First path whose row range ends past row.
	i := sort.Search(len(t.rows), func(i int) bool { return t.cumulative[i+1] > row })
	return i, row - t.cumulative[i], true
}

// Rows returns a copy of the per-path row counts.
func (t *Table) Rows() []int {
	out := make([]int, len(t.rows))
	copy(out, t.rows)
	return out
}
