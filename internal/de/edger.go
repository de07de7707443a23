package de

import (
	"context"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/inodb/vibe-cacoa/internal/matrix"
)

// edgeR runs the quasi-likelihood F test: NB GLM fits at a common
// dispersion on TMM effective library sizes, quasi-likelihood dispersions
// from the residual deviance squeezed by empirical Bayes, and an F test of
// the deviance drop when the group coefficient is removed.
type edgeR struct{}

func (edgeR) fit(ctx context.Context, counts *matrix.Matrix, d *design) ([]GeneStat, error) {
	n, g := counts.Dims()
	lib := effectiveLibSizes(counts)
	offset := make([]float64, n)
	sf := make([]float64, n)
	var totalLib float64
	for i, l := range lib {
		offset[i] = math.Log(l)
		sf[i] = l / 1e6
		totalLib += l
	}

	alpha := dispersionMoments(counts, sf, d.isTarget).common()
	null := withoutColumn(d.X, d.groupCol())
	df := float64(n - d.p())

	out := make([]GeneStat, g)
	dev := make([]float64, g)
	devNull := make([]float64, g)
	s2 := make([]float64, g)
	failed := 0
	for j := 0; j < g; j++ {
		if j%256 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		gs := newGeneStat(counts.ColNames[j])
		y := counts.Col(j)
		var sum float64
		for _, v := range y {
			sum += v
		}
		gs.Extra["logCPM"] = math.Log2((sum + 0.5) / totalLib * 1e6)
		gs.Extra["dispersion"] = alpha
		out[j] = gs
		s2[j] = math.NaN()

		full, err := fitNB(d.X, y, offset, alpha)
		if err != nil {
			failed++
			continue
		}
		red, err := fitNB(null, y, offset, alpha)
		if err != nil {
			failed++
			continue
		}
		out[j].Log2FoldChange = full.Beta[d.groupCol()] / math.Ln2
		dev[j], devNull[j] = full.Deviance, red.Deviance
		s2[j] = full.Deviance / df
	}
	if failed == g {
		return nil, errAllGenesFailed
	}

	post, d0 := squeezeVar(s2, df)
	chi2 := distuv.ChiSquared{K: 1}
	for j := range out {
		if math.IsNaN(s2[j]) {
			continue
		}
		s := math.Max(post[j], 1e-8)
		fs := math.Max(devNull[j]-dev[j], 0) / s
		out[j].Extra["F"] = fs
		if math.IsInf(d0, 1) {
			out[j].PValue = chi2.Survival(fs)
		} else {
			out[j].PValue = fSurvival(fs, 1, df+d0)
		}
	}
	adjust(out)
	return out, nil
}

// withoutColumn drops column c from x.
func withoutColumn(x *mat.Dense, c int) *mat.Dense {
	n, p := x.Dims()
	out := mat.NewDense(n, p-1, nil)
	k := 0
	for j := 0; j < p; j++ {
		if j == c {
			continue
		}
		out.SetCol(k, mat.Col(nil, j, x))
		k++
	}
	return out
}
