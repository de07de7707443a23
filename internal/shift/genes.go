package shift

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/inodb/vibe-cacoa/internal/groups"
	"github.com/inodb/vibe-cacoa/internal/matrix"
	"github.com/inodb/vibe-cacoa/internal/stats"
)

// GeneSelection picks the genes distances are computed on.
type GeneSelection string

const (
	AllGenes GeneSelection = ""
	// ByVariance keeps genes whose variance is dominated by the condition.
	ByVariance GeneSelection = "variance"
	// ByRankSum keeps genes with the smallest rank-sum p-values.
	ByRankSum GeneSelection = "ranksum"
	// ByOverdispersion keeps the most overdispersed genes. It ignores
	// condition labels, so it is computed once per cell type.
	ByOverdispersion GeneSelection = "overdispersion"
)

// ParseGeneSelection validates a selection name.
func ParseGeneSelection(s string) (GeneSelection, error) {
	switch g := GeneSelection(strings.ToLower(strings.TrimSpace(s))); g {
	case AllGenes, ByVariance, ByRankSum, ByOverdispersion:
		return g, nil
	case "none", "all":
		return AllGenes, nil
	case "wilcox", "wilcoxon":
		return ByRankSum, nil
	case "od", "odgenes":
		return ByOverdispersion, nil
	}
	return "", fmt.Errorf("%w: unknown gene selection %q", groups.ErrInvalidArgument, s)
}

func (g GeneSelection) labelDependent() bool { return g == ByVariance || g == ByRankSum }

// scored pairs a column index with a score where larger is better.
type scored struct {
	col   int
	gene  string
	score float64
}

// topColumns returns the indexes of the n best-scoring columns, ties broken
// by gene name. NaN scores rank last.
func topColumns(genes []string, score []float64, n int) []int {
	s := make([]scored, len(score))
	for j, v := range score {
		if math.IsNaN(v) {
			v = math.Inf(-1)
		}
		s[j] = scored{col: j, gene: genes[j], score: v}
	}
	sort.SliceStable(s, func(a, b int) bool {
		if s[a].score != s[b].score {
			return s[a].score > s[b].score
		}
		return s[a].gene < s[b].gene
	})
	n = min(n, len(s))
	out := make([]int, n)
	for i := range out {
		out[i] = s[i].col
	}
	sort.Ints(out)
	return out
}

// varianceExplained scores each gene by the share of its variance that
// lies between conditions: 1 - pooled within-condition SS / total SS.
func varianceExplained(x *matrix.Matrix, isTarget []bool) []float64 {
	n, g := x.Dims()
	out := make([]float64, g)
	for j := 0; j < g; j++ {
		var s, s0, s1 float64
		var n1 int
		for i := 0; i < n; i++ {
			v := x.At(i, j)
			s += v
			if isTarget[i] {
				s1 += v
				n1++
			} else {
				s0 += v
			}
		}
		m, m0, m1 := s/float64(n), s0/float64(n-n1), s1/float64(n1)
		var total, within float64
		for i := 0; i < n; i++ {
			v := x.At(i, j)
			total += (v - m) * (v - m)
			if isTarget[i] {
				within += (v - m1) * (v - m1)
			} else {
				within += (v - m0) * (v - m0)
			}
		}
		if total == 0 {
			out[j] = math.NaN()
			continue
		}
		out[j] = 1 - within/total
	}
	return out
}

// rankSumScores is the negated rank-sum p-value of each gene.
func rankSumScores(x *matrix.Matrix, isTarget []bool) []float64 {
	n, g := x.Dims()
	out := make([]float64, g)
	var a, b []float64
	for j := 0; j < g; j++ {
		a, b = a[:0], b[:0]
		for i := 0; i < n; i++ {
			if isTarget[i] {
				a = append(a, x.At(i, j))
			} else {
				b = append(b, x.At(i, j))
			}
		}
		_, p := stats.RankSumTest(a, b)
		out[j] = -p
	}
	return out
}

// overdispersion scores each gene by the residual of its log variance over
// a linear trend of log variance on log mean across genes.
func overdispersion(x *matrix.Matrix) []float64 {
	_, g := x.Dims()
	logM := make([]float64, g)
	logV := make([]float64, g)
	var xs, ys []float64
	for j := 0; j < g; j++ {
		col := x.Col(j)
		m, v := stat.MeanVariance(col, nil)
		logM[j], logV[j] = math.NaN(), math.NaN()
		if m > 0 && v > 0 {
			logM[j], logV[j] = math.Log(m), math.Log(v)
			xs = append(xs, logM[j])
			ys = append(ys, logV[j])
		}
	}
	out := make([]float64, g)
	if len(xs) < 2 {
		copy(out, logV)
		return out
	}
	a, b := stat.LinearRegression(xs, ys, nil, false)
	for j := range out {
		out[j] = logV[j] - (a + b*logM[j])
	}
	return out
}

// pca projects the centered rows of x onto its first k principal components.
func pca(x *mat.Dense, k int) (*mat.Dense, error) {
	n, g := x.Dims()
	k = min(k, n, g)
	var pc stat.PC
	if !pc.PrincipalComponents(x, nil) {
		return nil, fmt.Errorf("pca: decomposition failed")
	}
	var vecs mat.Dense
	pc.VectorsTo(&vecs)

	centered := mat.NewDense(n, g, nil)
	for j := 0; j < g; j++ {
		col := mat.Col(nil, j, x)
		m := stat.Mean(col, nil)
		for i := range col {
			centered.Set(i, j, col[i]-m)
		}
	}
	var proj mat.Dense
	proj.Mul(centered, vecs.Slice(0, g, 0, k))
	return &proj, nil
}
