package de

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/inodb/vibe-cacoa/internal/groups"
	"github.com/inodb/vibe-cacoa/internal/matrix"
)

func TestParseTest(t *testing.T) {
	tests := []struct {
		in   string
		want Test
		str  string
	}{
		{"DESeq2", Test{Kind: DESeq2}, "deseq2.wald"},
		{"deseq2.LRT", Test{Kind: DESeq2, Likelihood: LRT}, "deseq2.lrt"},
		{"wilcoxon", Test{Kind: Wilcoxon, Norm: NormTotalCount}, "wilcoxon.totcount"},
		{"wilcoxon.edgeR", Test{Kind: Wilcoxon, Norm: NormEdgeR}, "wilcoxon.edger"},
		{"t-test.pseudobulk", Test{Kind: TTest, Norm: NormLibSize}, "t-test.libsize"},
		{"t-test.deseq2", Test{Kind: TTest, Norm: NormDESeq2}, "t-test.deseq2"},
		{"wilcoxon.UQ", Test{Kind: Wilcoxon, Norm: NormUpperQuartile}, "wilcoxon.uq"},
		{"edgeR", Test{Kind: EdgeR}, "edger"},
		{"limma-voom", Test{Kind: LimmaVoom}, "limma-voom"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTest(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.str, got.String())
		})
	}

	for _, bad := range []string{"", "mast", "deseq2.score", "wilcoxon.tpm", "edger.ql"} {
		_, err := ParseTest(bad)
		assert.ErrorIs(t, err, groups.ErrInvalidArgument, bad)
	}
}

func TestBuildDesign(t *testing.T) {
	sg, err := groups.FromConditions("ctrl", map[string]string{"a": "ctrl", "b": "ctrl", "c": "case", "d": "case", "e": "case"})
	require.NoError(t, err)
	md, err := groups.NewMetadata(sg, []string{"a", "b", "c", "d", "e"}, map[string]map[string]string{
		"age":  {"a": "30", "b": "40", "c": "35", "d": "50", "e": "45"},
		"age2": {"a": "60", "b": "80", "c": "70", "d": "100", "e": "90"},
	})
	require.NoError(t, err)

	d, err := buildDesign(md)
	require.NoError(t, err)
	assert.Equal(t, []string{"(Intercept)", "age", "groupcase"}, d.Columns)
	assert.Equal(t, []string{"age2"}, d.Dropped, "linear in age")
	assert.Equal(t, "~ age + group", d.Formula)
	assert.Equal(t, []bool{false, false, true, true, true}, d.isTarget)
	assert.Equal(t, 1.0, d.X.At(2, d.groupCol()))
	assert.Equal(t, 40.0, d.X.At(1, 1))

	r, c := d.reduced().Dims()
	assert.Equal(t, 5, r)
	assert.Equal(t, 1, c)
}

func TestCovariateColumns(t *testing.T) {
	cols, names := covariateColumns(groups.Covariate{Name: "sex", Values: []string{"M", "F", "M"}})
	assert.Equal(t, []string{"sexM"}, names)
	assert.Equal(t, [][]float64{{1, 0, 1}}, cols)
}

func TestFullRank(t *testing.T) {
	assert.True(t, fullRank([][]float64{{1, 1, 1}, {0, 1, 2}}))
	assert.False(t, fullRank([][]float64{{1, 1, 1}, {2, 2, 2}}))
	assert.False(t, fullRank([][]float64{{1, 1}, {0, 1}, {1, 0}}))
}

func TestMedianOfRatios(t *testing.T) {
	m, err := matrix.NewFromRows([]string{"s1", "s2"}, []string{"a", "b", "c"},
		[][]float64{{10, 20, 30}, {20, 40, 60}})
	require.NoError(t, err)
	sf := medianOfRatios(m)
	assert.InDelta(t, 2, sf[1]/sf[0], 1e-12)
	assert.InDelta(t, 1, sf[0]*sf[1], 1e-12, "geometric mean 1")
}

func TestTMMFactors(t *testing.T) {
	same, err := matrix.NewFromRows([]string{"s1", "s2", "s3"}, []string{"a", "b", "c", "d"},
		[][]float64{{10, 20, 30, 40}, {20, 40, 60, 80}, {5, 10, 15, 20}})
	require.NoError(t, err)
	for _, f := range tmmFactors(same) {
		assert.InDelta(t, 1, f, 1e-12, "proportions are identical")
	}

	// s2 doubles one highly expressed gene, which shrinks the others'
	// share; TMM should scale s2 below 1.
	genes := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}
	base := []float64{50, 60, 70, 80, 90, 100, 110, 120, 130, 2000}
	comp := append([]float64(nil), base...)
	comp[9] = 6000
	m, err := matrix.NewFromRows([]string{"s1", "s2"}, genes, [][]float64{base, comp})
	require.NoError(t, err)
	f := tmmFactors(m)
	assert.Greater(t, f[0], f[1])

	uq := upperQuartileFactors(same)
	assert.InDelta(t, uq[0], uq[1], 1e-12)
}

func TestFitNB_Poisson(t *testing.T) {
	x := mat.NewDense(4, 2, []float64{1, 0, 1, 0, 1, 1, 1, 1})
	y := []float64{10, 10, 20, 20}
	fit, err := fitNB(x, y, make([]float64, 4), 0)
	require.NoError(t, err)
	assert.InDelta(t, math.Log(10), fit.Beta[0], 1e-4)
	assert.InDelta(t, math.Log(2), fit.Beta[1], 1e-4)
	assert.InDelta(t, 0, fit.Deviance, 1e-6)
	assert.InDelta(t, math.Sqrt(1.0/20+1.0/40), fit.SE[1], 1e-3)
}

func TestFitNB_Offsets(t *testing.T) {
	x := mat.NewDense(4, 2, []float64{1, 0, 1, 0, 1, 1, 1, 1})
	y := []float64{10, 20, 20, 40}
	offset := []float64{0, math.Log(2), 0, math.Log(2)}
	fit, err := fitNB(x, y, offset, 0.05)
	require.NoError(t, err)
	assert.InDelta(t, math.Log(2), fit.Beta[1], 1e-4, "depth absorbed by offsets")
}

func TestNBDeviance(t *testing.T) {
	assert.Equal(t, 0.0, nbDeviance([]float64{3, 5}, []float64{3, 5}, 0.1))
	assert.Greater(t, nbDeviance([]float64{0, 9}, []float64{3, 5}, 0.1), 0.0)
	assert.Greater(t, nbDeviance([]float64{0, 9}, []float64{3, 5}, 0), nbDeviance([]float64{0, 9}, []float64{3, 5}, 1))
}

func TestSqueezeVar(t *testing.T) {
	post, d0 := squeezeVar([]float64{2, 2, 2, 2}, 4)
	assert.True(t, math.IsInf(d0, 1))
	for _, v := range post {
		assert.InDelta(t, 2, v, 1e-9)
	}

	s2 := []float64{0.2, 0.5, 1, 2, 5, 10, 0.1, 3}
	post, d0 = squeezeVar(s2, 3)
	assert.False(t, math.IsInf(d0, 1))
	assert.Greater(t, d0, 0.0)
	assert.Less(t, post[5], s2[5], "large variances shrink")
	assert.Greater(t, post[6], s2[6], "small variances grow")
}

func TestTrigammaInverse(t *testing.T) {
	for _, y := range []float64{0.3, 1, 4, 25} {
		assert.InDelta(t, y, trigammaInverse(trigamma(y)), 1e-6*y)
	}
}

func TestFSurvival(t *testing.T) {
	assert.Equal(t, 1.0, fSurvival(0, 1, 10))
	// F(1, d) is the square of t(d): P(F > 4.96) ~ 0.05 at d = 10.
	assert.InDelta(t, 0.05, fSurvival(4.9646, 1, 10), 1e-3)
}
