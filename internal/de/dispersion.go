package de

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/inodb/vibe-cacoa/internal/matrix"
)

const (
	minDispersion = 1e-8
	maxDispersion = 10
)

// moments holds per-gene method-of-moments dispersion terms computed on
// normalized counts around the condition means, so the group effect does
// not inflate the estimate.
type moments struct {
	Mean []float64
	num  []float64
	den  []float64
}

// dispersionMoments uses counts scaled by sf (one factor per sample).
func dispersionMoments(counts *matrix.Matrix, sf []float64, isTarget []bool) moments {
	n, g := counts.Dims()
	m := moments{Mean: make([]float64, g), num: make([]float64, g), den: make([]float64, g)}
	q := make([]float64, n)
	scale := float64(n) / float64(max(n-2, 1))

	for j := 0; j < g; j++ {
		var s, s0, s1 float64
		var n1 int
		for i := 0; i < n; i++ {
			q[i] = counts.At(i, j) / sf[i]
			s += q[i]
			if isTarget[i] {
				s1 += q[i]
				n1++
			} else {
				s0 += q[i]
			}
		}
		m.Mean[j] = s / float64(n)
		mu0, mu1 := s0/float64(n-n1), s1/float64(n1)
		for i := 0; i < n; i++ {
			mu := mu0
			if isTarget[i] {
				mu = mu1
			}
			d := q[i] - mu
			m.num[j] += d*d*scale - mu/sf[i]
			m.den[j] += mu * mu
		}
	}
	return m
}

// gene returns the moment dispersion of gene j, NaN if undefined.
func (m moments) gene(j int) float64 {
	if m.den[j] == 0 {
		return math.NaN()
	}
	return m.num[j] / m.den[j]
}

// common pools the moments of every gene into one dispersion.
func (m moments) common() float64 {
	var num, den float64
	for j := range m.num {
		num += m.num[j]
		den += m.den[j]
	}
	if den == 0 {
		return 0.1
	}
	return clampDispersion(num / den)
}

// shrunkDispersions estimates per-gene dispersions, fits the trend
// a0 + a1/mean across genes and shrinks the log gene-wise estimates toward
// it. df is the residual degrees of freedom of the model.
func shrunkDispersions(m moments, df float64) []float64 {
	g := len(m.Mean)
	raw := make([]float64, g)
	var xs, ys []float64
	for j := 0; j < g; j++ {
		raw[j] = m.gene(j)
		if raw[j] > minDispersion && m.Mean[j] > 0 {
			xs = append(xs, 1/m.Mean[j])
			ys = append(ys, raw[j])
		}
	}

	trend := func(mean float64) float64 { return 0.1 }
	if len(xs) >= 3 {
		a0, a1 := stat.LinearRegression(xs, ys, nil, false)
		if a0 <= 0 {
			a0 = minDispersion
		}
		a1 = math.Max(a1, 0)
		trend = func(mean float64) float64 {
			if mean <= 0 {
				return maxDispersion
			}
			return clampDispersion(a0 + a1/mean)
		}
	}

	// Prior variance of log dispersions around the trend, less the expected
	// sampling variance of a log variance estimate.
	sampling := trigamma(math.Max(df, 1) / 2)
	var res []float64
	for j := 0; j < g; j++ {
		if raw[j] > minDispersion {
			res = append(res, math.Log(raw[j])-math.Log(trend(m.Mean[j])))
		}
	}
	prior := 0.25
	if len(res) >= 3 {
		_, v := stat.MeanVariance(res, nil)
		prior = math.Max(v-sampling, 0.25)
	}

	out := make([]float64, g)
	for j := 0; j < g; j++ {
		t := math.Log(trend(m.Mean[j]))
		if !(raw[j] > minDispersion) {
			out[j] = math.Exp(t)
			continue
		}
		lg := math.Log(clampDispersion(raw[j]))
		post := (lg/sampling + t/prior) / (1/sampling + 1/prior)
		out[j] = clampDispersion(math.Exp(post))
	}
	return out
}

func clampDispersion(a float64) float64 {
	if math.IsNaN(a) {
		return 0.1
	}
	return math.Min(math.Max(a, minDispersion), maxDispersion)
}
