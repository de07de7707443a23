package output

import (
	"bytes"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/inodb/vibe-cacoa/internal/de"
	"github.com/inodb/vibe-cacoa/internal/shift"
)

func lines(t *testing.T, buf *bytes.Buffer) [][]string {
	t.Helper()
	var out [][]string
	for _, l := range strings.Split(strings.TrimRight(buf.String(), "\n"), "\n") {
		out = append(out, strings.Split(l, "\t"))
	}
	return out
}

func gene(name string, lfc, p float64, extra map[string]float64) de.GeneStat {
	nan := math.NaN()
	return de.GeneStat{
		Gene: name, Log2FoldChange: lfc, PValue: p, PAdj: math.Min(2*p, 1), Z: 1.5, Za: 0.5,
		Extra: extra, StabMeanRank: nan, StabMedianRank: nan, StabVarRank: nan,
	}
}

func TestWriteDE(t *testing.T) {
	results := map[string]*de.Result{
		"T": {CellType: "T", Genes: []de.GeneStat{
			gene("CD3E", 2, 0.001, map[string]float64{"baseMean": 120.5, "stat": 4.2}),
			gene("ACTB", -0.1, math.NaN(), map[string]float64{"baseMean": 3000}),
		}},
		"B": {CellType: "B", Genes: []de.GeneStat{
			gene("MS4A1", 1, 0.02, map[string]float64{"lfcSE": 0.3}),
		}},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteDE(&buf, results))
	rows := lines(t, &buf)
	require.Len(t, rows, 4)
	assert.Equal(t, []string{"cell_type", "gene", "log2FoldChange", "pvalue", "padj", "z", "za", "baseMean", "lfcSE", "stat"}, rows[0])
	assert.Equal(t, []string{"B", "MS4A1", "1", "0.02", "0.04", "1.5", "0.5", "NA", "0.3", "NA"}, rows[1])
	assert.Equal(t, "CD3E", rows[2][1])
	assert.Equal(t, "120.5", rows[2][7])
	assert.Equal(t, "NA", rows[3][3], "undefined p-value")
}

func TestWriteDE_Stability(t *testing.T) {
	g := gene("CD3E", 2, 0.001, nil)
	g.StabMeanRank, g.StabMedianRank, g.StabVarRank = 1.5, 1, 0.25
	results := map[string]*de.Result{
		"T": {CellType: "T", Genes: []de.GeneStat{g}, Resamples: map[string]*de.Result{"loo.s1": {}}},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteDE(&buf, results))
	rows := lines(t, &buf)
	assert.Equal(t, stabilityColumns, rows[0][len(rows[0])-3:])
	assert.Equal(t, []string{"1.5", "1", "0.25"}, rows[1][len(rows[1])-3:])
}

func TestWriteShift(t *testing.T) {
	nan := math.NaN()
	dm := &shift.DistanceMatrix{
		Samples:    []string{"a", "b", "c"},
		D:          mat.NewSymDense(3, []float64{nan, 1, 2, 1, nan, 3, 2, 3, nan}),
		CellCounts: map[string]int{"a": 10, "c": 7},
	}
	res := &shift.Result{Types: map[string]*shift.TypeResult{
		"T": {CellType: "T", Distances: dm, Distance: shift.L1, Dims: 30, NRef: 1, NTarget: 2,
			Observed: 2.5, Statistic: 0.75, PValue: 0.01, PAdj: 0.02},
		"B": {CellType: "B", Distances: dm, Distance: shift.Cor, Dims: 40, NRef: 1, NTarget: 2,
			Observed: 0.3, Statistic: -0.1, PValue: 0.8, PAdj: 0.8},
	}}

	var buf bytes.Buffer
	require.NoError(t, WriteShift(&buf, res))
	rows := lines(t, &buf)
	require.Len(t, rows, 3)
	assert.Equal(t, shiftColumns, rows[0])
	assert.Equal(t, []string{"T", "1", "2", "l1", "30", "2.5", "0.75", "0.01", "0.02"}, rows[1])
	assert.Equal(t, "B", rows[2][0])

	buf.Reset()
	require.NoError(t, WriteDistances(&buf, res))
	rows = lines(t, &buf)
	require.Len(t, rows, 7)
	assert.Equal(t, []string{"T", "a", "b", "1", "10", "NA"}, rows[1])
	assert.Equal(t, []string{"T", "b", "c", "3", "NA", "7"}, rows[3])
}
