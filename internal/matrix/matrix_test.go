package matrix

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample(t *testing.T) *Matrix {
	t.Helper()
	m, err := NewFromRows(
		[]string{"c1", "c2", "c3"},
		[]string{"GAPDH", "CD3E"},
		[][]float64{{1, 2}, {3, 4}, {5, 6}},
	)
	require.NoError(t, err)
	return m
}

func TestNewFromRows_Mismatch(t *testing.T) {
	_, err := NewFromRows([]string{"a"}, []string{"g1", "g2"}, [][]float64{{1}})
	require.Error(t, err)

	_, err = NewFromRows([]string{"a", "b"}, []string{"g1"}, [][]float64{{1}})
	require.Error(t, err)
}

func TestSumsAndAccess(t *testing.T) {
	m := sample(t)
	r, c := m.Dims()
	assert.Equal(t, 3, r)
	assert.Equal(t, 2, c)
	assert.Equal(t, []float64{3, 7, 11}, m.RowSums())
	assert.Equal(t, []float64{9, 12}, m.ColSums())
	assert.Equal(t, []float64{2, 4, 6}, m.Col(1))

	i, ok := m.RowIndex("c2")
	require.True(t, ok)
	assert.Equal(t, 1, i)
	_, ok = m.ColIndex("MS4A1")
	assert.False(t, ok)
}

func TestSubsetAndReindex(t *testing.T) {
	m := sample(t)

	sub, err := m.SubsetRows([]string{"c3", "c1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"c3", "c1"}, sub.RowNames)
	assert.Equal(t, []float64{5, 6}, sub.Row(0))

	_, err = m.SubsetRows([]string{"nope"})
	require.Error(t, err)

	cols := m.SubsetCols([]string{"CD3E", "MISSING"})
	assert.Equal(t, []string{"CD3E"}, cols.ColNames)
	assert.Equal(t, []float64{2, 4, 6}, cols.Col(0))

	re := m.Reindex([]string{"CD3E", "MS4A1", "GAPDH"})
	assert.Equal(t, []float64{2, 0, 1}, re.Row(0))

	// Clone is independent.
	cl := m.Clone()
	cl.Set(0, 0, 100)
	assert.Equal(t, 1.0, m.At(0, 0))
}

func TestWithRowNames(t *testing.T) {
	m := sample(t)
	renamed := m.WithRowNames([]string{"x", "y", "z"})
	i, ok := renamed.RowIndex("y")
	require.True(t, ok)
	assert.Equal(t, []float64{3, 4}, renamed.Row(i))
	assert.Panics(t, func() { m.WithRowNames([]string{"x"}) })
}

func TestGeneSets(t *testing.T) {
	a, _ := NewFromRows([]string{"r"}, []string{"B", "A"}, [][]float64{{1, 2}})
	b, _ := NewFromRows([]string{"r"}, []string{"C", "B"}, [][]float64{{1, 2}})

	assert.Equal(t, []string{"A", "B", "C"}, UnionGenes([]*Matrix{a, b}))
	assert.Equal(t, []string{"B"}, CommonGenes([]*Matrix{a, b}))
	assert.Nil(t, CommonGenes(nil))
}

func TestDense(t *testing.T) {
	m := sample(t)
	d := m.Dense()
	require.NotNil(t, d)
	assert.Equal(t, 4.0, d.At(1, 1))

	empty := New(nil, []string{"g"})
	assert.Nil(t, empty.Dense())

	d.Set(2, 0, 9)
	assert.Equal(t, 9.0, m.At(2, 0), "view shares storage")
}

func TestReadWriteRoundTrip(t *testing.T) {
	m := sample(t)
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, m, "cell"))

	got, err := Read(&buf)
	require.NoError(t, err)
	assert.Equal(t, m.RowNames, got.RowNames)
	assert.Equal(t, m.ColNames, got.ColNames)
	assert.Equal(t, m.Row(1), got.Row(1))
}

func TestRead_Errors(t *testing.T) {
	_, err := Read(strings.NewReader(""))
	require.Error(t, err)

	_, err = Read(strings.NewReader("cell\tA\tB\nc1\t1\n"))
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 2, pe.Line)

	_, err = Read(strings.NewReader("cell\tA\nc1\tx\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid value")
}

func TestRead_NAIsZero(t *testing.T) {
	m, err := Read(strings.NewReader("cell\tA\tB\nc1\tNA\t3\n"))
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 3}, m.Row(0))
}

func TestReadFile_Gzip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "s1.tsv.gz")

	f, err := os.Create(path)
	require.NoError(t, err)
	gz := gzip.NewWriter(f)
	_, err = gz.Write([]byte("cell\tA\tB\nc1\t1\t2\nc2\t0\t5\n"))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())

	m, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, m.RowNames)
	assert.Equal(t, []float64{3, 5}, m.RowSums())
}

func TestReadFile_Missing(t *testing.T) {
	_, err := ReadFile(filepath.Join(t.TempDir(), "missing.tsv"))
	require.Error(t, err)
}
