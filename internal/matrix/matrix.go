// Package matrix provides the labelled dense count matrix used throughout the
// analysis: rows are cells or samples, columns are genes.
package matrix

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// Matrix is a dense, row-major matrix with row and column labels.
type Matrix struct {
	RowNames []string
	ColNames []string
	data     []float64

	rowIdx map[string]int
	colIdx map[string]int
}

// New returns a zero-filled matrix with the given labels. Labels are indexed
// up front so a matrix can be read concurrently without further setup.
func New(rows, cols []string) *Matrix {
	m := &Matrix{
		RowNames: append([]string(nil), rows...),
		ColNames: append([]string(nil), cols...),
		data:     make([]float64, len(rows)*len(cols)),
	}
	m.rowIdx = indexOf(m.RowNames)
	m.colIdx = indexOf(m.ColNames)
	return m
}

// WithRowNames returns a matrix sharing m's values under new row labels.
func (m *Matrix) WithRowNames(rows []string) *Matrix {
	if len(rows) != len(m.RowNames) {
		panic(fmt.Sprintf("matrix: %d row names for %d rows", len(rows), len(m.RowNames)))
	}
	out := &Matrix{
		RowNames: append([]string(nil), rows...),
		ColNames: m.ColNames,
		data:     m.data,
		colIdx:   m.colIdx,
	}
	out.rowIdx = indexOf(out.RowNames)
	return out
}

// NewFromRows builds a matrix from per-row value slices. Every row must have
// len(cols) values.
func NewFromRows(rows, cols []string, values [][]float64) (*Matrix, error) {
	if len(values) != len(rows) {
		return nil, fmt.Errorf("matrix: %d row labels for %d rows", len(rows), len(values))
	}
	m := New(rows, cols)
	for i, r := range values {
		if len(r) != len(cols) {
			return nil, fmt.Errorf("matrix: row %q has %d values, want %d", rows[i], len(r), len(cols))
		}
		copy(m.data[i*len(cols):], r)
	}
	return m, nil
}

// Dims returns the number of rows and columns.
func (m *Matrix) Dims() (int, int) { return len(m.RowNames), len(m.ColNames) }

// At returns the value at row i, column j.
func (m *Matrix) At(i, j int) float64 { return m.data[i*len(m.ColNames)+j] }

// Set sets the value at row i, column j.
func (m *Matrix) Set(i, j int, v float64) { m.data[i*len(m.ColNames)+j] = v }

// Row returns a copy of row i.
func (m *Matrix) Row(i int) []float64 {
	c := len(m.ColNames)
	return append([]float64(nil), m.data[i*c:(i+1)*c]...)
}

// RowView returns row i without copying. Callers must not modify it.
func (m *Matrix) RowView(i int) []float64 {
	c := len(m.ColNames)
	return m.data[i*c : (i+1)*c]
}

// Col returns a copy of column j.
func (m *Matrix) Col(j int) []float64 {
	r, c := m.Dims()
	out := make([]float64, r)
	for i := 0; i < r; i++ {
		out[i] = m.data[i*c+j]
	}
	return out
}

// RowIndex returns the index of the named row.
func (m *Matrix) RowIndex(name string) (int, bool) {
	i, ok := m.rowIdx[name]
	return i, ok
}

// ColIndex returns the index of the named column.
func (m *Matrix) ColIndex(name string) (int, bool) {
	i, ok := m.colIdx[name]
	return i, ok
}

func indexOf(names []string) map[string]int {
	idx := make(map[string]int, len(names))
	for i, n := range names {
		idx[n] = i
	}
	return idx
}

// Clone returns a deep copy.
func (m *Matrix) Clone() *Matrix {
	c := New(m.RowNames, m.ColNames)
	copy(c.data, m.data)
	return c
}

// SelectRows returns a new matrix holding rows idx, in that order.
func (m *Matrix) SelectRows(idx []int) *Matrix {
	names := make([]string, len(idx))
	for k, i := range idx {
		names[k] = m.RowNames[i]
	}
	out := New(names, m.ColNames)
	c := len(m.ColNames)
	for k, i := range idx {
		copy(out.data[k*c:(k+1)*c], m.data[i*c:(i+1)*c])
	}
	return out
}

// SubsetRows returns the named rows in the given order.
func (m *Matrix) SubsetRows(names []string) (*Matrix, error) {
	idx := make([]int, len(names))
	for k, n := range names {
		i, ok := m.RowIndex(n)
		if !ok {
			return nil, fmt.Errorf("matrix: unknown row %q", n)
		}
		idx[k] = i
	}
	return m.SelectRows(idx), nil
}

// SelectCols returns a new matrix holding columns idx, in that order.
func (m *Matrix) SelectCols(idx []int) *Matrix {
	names := make([]string, len(idx))
	for k, j := range idx {
		names[k] = m.ColNames[j]
	}
	out := New(m.RowNames, names)
	r, c := m.Dims()
	nc := len(idx)
	for i := 0; i < r; i++ {
		for k, j := range idx {
			out.data[i*nc+k] = m.data[i*c+j]
		}
	}
	return out
}

// SubsetCols keeps the named columns that exist, in the given order.
// Unknown names are skipped.
func (m *Matrix) SubsetCols(names []string) *Matrix {
	idx := make([]int, 0, len(names))
	for _, n := range names {
		if j, ok := m.ColIndex(n); ok {
			idx = append(idx, j)
		}
	}
	return m.SelectCols(idx)
}

// Reindex returns a matrix with exactly the given columns. Columns missing
// from m are zero-filled.
func (m *Matrix) Reindex(cols []string) *Matrix {
	out := New(m.RowNames, cols)
	r, c := m.Dims()
	nc := len(cols)
	for k, name := range cols {
		j, ok := m.ColIndex(name)
		if !ok {
			continue
		}
		for i := 0; i < r; i++ {
			out.data[i*nc+k] = m.data[i*c+j]
		}
	}
	return out
}

// RowSums returns the sum of every row.
func (m *Matrix) RowSums() []float64 {
	r, c := m.Dims()
	out := make([]float64, r)
	for i := 0; i < r; i++ {
		for _, v := range m.data[i*c : (i+1)*c] {
			out[i] += v
		}
	}
	return out
}

// ColSums returns the sum of every column.
func (m *Matrix) ColSums() []float64 {
	r, c := m.Dims()
	out := make([]float64, c)
	for i := 0; i < r; i++ {
		for j, v := range m.data[i*c : (i+1)*c] {
			out[j] += v
		}
	}
	return out
}

// Dense returns a gonum view sharing m's storage, or nil for an empty matrix.
func (m *Matrix) Dense() *mat.Dense {
	r, c := m.Dims()
	if r == 0 || c == 0 {
		return nil
	}
	return mat.NewDense(r, c, m.data)
}

// UnionGenes returns the sorted union of column names across ms.
func UnionGenes(ms []*Matrix) []string {
	seen := make(map[string]struct{})
	for _, m := range ms {
		for _, g := range m.ColNames {
			seen[g] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for g := range seen {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// CommonGenes returns the sorted intersection of column names across ms.
func CommonGenes(ms []*Matrix) []string {
	if len(ms) == 0 {
		return nil
	}
	counts := make(map[string]int)
	for _, m := range ms {
		seen := make(map[string]struct{}, len(m.ColNames))
		for _, g := range m.ColNames {
			if _, dup := seen[g]; dup {
				continue
			}
			seen[g] = struct{}{}
			counts[g]++
		}
	}
	out := make([]string, 0, len(counts))
	for g, n := range counts {
		if n == len(ms) {
			out = append(out, g)
		}
	}
	sort.Strings(out)
	return out
}
