package de

import (
	"context"
	"math"

	"github.com/inodb/vibe-cacoa/internal/matrix"
	"github.com/inodb/vibe-cacoa/internal/pseudobulk"
	"github.com/inodb/vibe-cacoa/internal/stats"
)

// pairwise compares normalized expression between the two conditions gene
// by gene with a Wilcoxon rank-sum or Welch t test. Covariates are ignored.
type pairwise struct {
	rankSum bool
	norm    Normalization
}

func (b pairwise) fit(ctx context.Context, counts *matrix.Matrix, d *design) ([]GeneStat, error) {
	n, g := counts.Dims()
	scale, pseudo := b.scaling(counts)

	out := make([]GeneStat, g)
	var ref, target []float64
	for j := 0; j < g; j++ {
		if j%256 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		ref, target = ref[:0], target[:0]
		for i := 0; i < n; i++ {
			v := counts.At(i, j) * scale[i]
			if d.isTarget[i] {
				target = append(target, v)
			} else {
				ref = append(ref, v)
			}
		}

		gs := newGeneStat(counts.ColNames[j])
		mr, mt := stats.Mean(ref), stats.Mean(target)
		gs.Log2FoldChange = math.Log2((mt + pseudo) / (mr + pseudo))
		gs.Extra["meanRef"] = mr
		gs.Extra["meanTarget"] = mt
		if b.rankSum {
			w, p := stats.RankSumTest(target, ref)
			gs.Extra["W"] = w
			gs.PValue = p
		} else {
			t, p := stats.WelchTTest(target, ref)
			gs.Extra["t"] = t
			gs.PValue = p
		}
		out[j] = gs
	}
	adjust(out)
	return out, nil
}

// scaling returns the per-sample multiplier applied to counts and the
// pseudo-count used for fold changes, which is one count at the median depth
// in the normalized units.
func (b pairwise) scaling(counts *matrix.Matrix) ([]float64, float64) {
	lib := pseudobulk.LibrarySizes(counts)
	n := len(lib)
	scale := make([]float64, n)
	switch b.norm {
	case NormDESeq2:
		sf := medianOfRatios(counts)
		for i := range scale {
			scale[i] = 1 / sf[i]
		}
		return scale, 1
	case NormLibSize, NormEdgeR, NormUpperQuartile:
		switch b.norm {
		case NormEdgeR:
			lib = effectiveLibSizes(counts)
		case NormUpperQuartile:
			f := upperQuartileFactors(counts)
			for i := range lib {
				lib[i] *= f[i]
			}
		}
		for i := range scale {
			scale[i] = inverse(lib[i]) * 1e6
		}
		return scale, inverse(stats.Median(lib)) * 1e6
	}
	for i := range scale {
		scale[i] = inverse(lib[i])
	}
	return scale, inverse(stats.Median(lib))
}

// inverse is 1/x, or 0 for an empty library.
func inverse(x float64) float64 {
	if x > 0 {
		return 1 / x
	}
	return 0
}
