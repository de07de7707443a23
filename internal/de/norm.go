package de

import (
	"math"
	"sort"

	"github.com/inodb/vibe-cacoa/internal/matrix"
	"github.com/inodb/vibe-cacoa/internal/stats"
)

// Normalization factors for a samples × genes count matrix. Every function
// returns one factor per sample, scaled to a geometric mean of 1.

// TMM trimming defaults as used by edgeR.
const (
	tmmLogRatioTrim = 0.3
	tmmSumTrim      = 0.05
)

// tmmFactors returns trimmed mean of M-values factors (Robinson and Oshlack
// 2010). The reference sample is the one whose upper quartile is closest to
// the mean upper quartile. Genes are weighted by their asymptotic variance.
func tmmFactors(counts *matrix.Matrix) []float64 {
	n, g := counts.Dims()
	lib := counts.RowSums()
	f := ones(n)
	if n < 2 || g == 0 {
		return f
	}

	uq := upperQuartiles(counts, lib)
	mean := stats.Mean(uq)
	ref := 0
	for i, q := range uq {
		if math.Abs(q-mean) < math.Abs(uq[ref]-mean) {
			ref = i
		}
	}

	refRow := counts.RowView(ref)
	for k := 0; k < n; k++ {
		if k == ref || lib[k] == 0 {
			continue
		}
		f[k] = tmmPair(counts.RowView(k), refRow, lib[k], lib[ref])
	}
	return geoScale(f)
}

func tmmPair(obs, ref []float64, libObs, libRef float64) float64 {
	var logR, absE, v []float64
	for i := range obs {
		if obs[i] == 0 || ref[i] == 0 {
			continue
		}
		po, pr := obs[i]/libObs, ref[i]/libRef
		logR = append(logR, math.Log2(po/pr))
		absE = append(absE, (math.Log2(po)+math.Log2(pr))/2)
		v = append(v, (libObs-obs[i])/libObs/obs[i]+(libRef-ref[i])/libRef/ref[i])
	}
	if len(logR) == 0 {
		return 1
	}

	m := float64(len(logR))
	loR, hiR := math.Floor(m*tmmLogRatioTrim)+1, m-math.Floor(m*tmmLogRatioTrim)
	loA, hiA := math.Floor(m*tmmSumTrim)+1, m-math.Floor(m*tmmSumTrim)
	rR := stats.Rank(logR)
	rA := stats.Rank(absE)

	var num, den float64
	for i := range logR {
		if rR[i] < loR || rR[i] > hiR || rA[i] < loA || rA[i] > hiA {
			continue
		}
		num += logR[i] / v[i]
		den += 1 / v[i]
	}
	if den == 0 || math.IsNaN(num/den) {
		return 1
	}
	return math.Pow(2, num/den)
}

// upperQuartiles returns the 75th percentile of each sample's proportions.
func upperQuartiles(counts *matrix.Matrix, lib []float64) []float64 {
	n, _ := counts.Dims()
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		row := counts.RowView(i)
		p := make([]float64, len(row))
		for j, v := range row {
			if lib[i] > 0 {
				p[j] = v / lib[i]
			}
		}
		out[i] = quantileR7(p, 0.75)
	}
	return out
}

// upperQuartileFactors returns upper-quartile normalization factors.
func upperQuartileFactors(counts *matrix.Matrix) []float64 {
	return geoScale(upperQuartiles(counts, counts.RowSums()))
}

// quantileR7 is the linear-interpolation sample quantile.
func quantileR7(v []float64, p float64) float64 {
	if len(v) == 0 {
		return math.NaN()
	}
	s := append([]float64(nil), v...)
	sort.Float64s(s)
	h := float64(len(s)-1) * p
	i := int(h)
	if i >= len(s)-1 {
		return s[len(s)-1]
	}
	return s[i] + (h-float64(i))*(s[i+1]-s[i])
}

// medianOfRatios returns DESeq2 size factors: for every sample, the median
// ratio of its counts to the per-gene geometric mean over genes expressed in
// every sample. Samples are assigned a factor of 1 when no gene qualifies.
func medianOfRatios(counts *matrix.Matrix) []float64 {
	n, g := counts.Dims()
	logGeo := make([]float64, g)
	usable := make([]bool, g)
	for j := 0; j < g; j++ {
		var s float64
		usable[j] = true
		for i := 0; i < n; i++ {
			v := counts.At(i, j)
			if v <= 0 {
				usable[j] = false
				break
			}
			s += math.Log(v)
		}
		logGeo[j] = s / float64(n)
	}

	sf := make([]float64, n)
	for i := 0; i < n; i++ {
		var ratios []float64
		for j := 0; j < g; j++ {
			if usable[j] {
				ratios = append(ratios, math.Log(counts.At(i, j))-logGeo[j])
			}
		}
		if len(ratios) == 0 {
			sf[i] = 1
			continue
		}
		sf[i] = math.Exp(stats.Median(ratios))
	}
	return geoScale(sf)
}

// geoScale divides f by its geometric mean in place. Non-positive entries
// are reset to 1 first.
func geoScale(f []float64) []float64 {
	var s float64
	for i, v := range f {
		if !(v > 0) || math.IsInf(v, 0) {
			f[i] = 1
		}
		s += math.Log(f[i])
	}
	gm := math.Exp(s / float64(len(f)))
	for i := range f {
		f[i] /= gm
	}
	return f
}

// effectiveLibSizes multiplies library sizes by TMM factors.
func effectiveLibSizes(counts *matrix.Matrix) []float64 {
	lib := counts.RowSums()
	f := tmmFactors(counts)
	for i := range lib {
		lib[i] *= f[i]
	}
	return lib
}
