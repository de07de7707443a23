// Package stats provides the small set of statistical primitives shared by the
// differential expression and expression-shift code: multiple-testing
// correction, ranking, robust location estimates and two-sample tests.
package stats

import (
	"math"
	"sort"

	mstats "github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/stat/distuv"
)

// finite returns the non-NaN values of x in a new slice.
func finite(x []float64) []float64 {
	out := make([]float64, 0, len(x))
	for _, v := range x {
		if !math.IsNaN(v) {
			out = append(out, v)
		}
	}
	return out
}

// BH returns Benjamini-Hochberg adjusted p-values. NaN entries are ignored
// when counting tests and stay NaN in the output.
func BH(pvals []float64) []float64 {
	adj := make([]float64, len(pvals))
	idx := make([]int, 0, len(pvals))
	for i, p := range pvals {
		adj[i] = math.NaN()
		if !math.IsNaN(p) {
			idx = append(idx, i)
		}
	}
	n := len(idx)
	if n == 0 {
		return adj
	}

	sort.SliceStable(idx, func(i, j int) bool {
		return pvals[idx[i]] < pvals[idx[j]]
	})

	minP := 1.0
	for i := n - 1; i >= 0; i-- {
		orig := idx[i]
		v := pvals[orig] * float64(n) / float64(i+1)
		if v < minP {
			minP = v
		}
		adj[orig] = minP
	}
	return adj
}

// Rank returns 1-based ranks of x with ties given their average rank.
// NaN values rank after every finite value.
func Rank(x []float64) []float64 {
	n := len(x)
	if n == 0 {
		return nil
	}
	key := func(i int) float64 {
		if math.IsNaN(x[i]) {
			return math.Inf(1)
		}
		return x[i]
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool { return key(order[i]) < key(order[j]) })

	ranks := make([]float64, n)
	for i := 0; i < n; {
		j := i
		for j < n && key(order[j]) == key(order[i]) {
			j++
		}
		avg := float64(i+j+1) / 2
		for k := i; k < j; k++ {
			ranks[order[k]] = avg
		}
		i = j
	}
	return ranks
}

// Median returns the median of the non-NaN values, or NaN if there are none.
func Median(x []float64) float64 {
	m, err := mstats.Median(finite(x))
	if err != nil {
		return math.NaN()
	}
	return m
}

// Mean returns the mean of the non-NaN values, or NaN if there are none.
func Mean(x []float64) float64 {
	m, err := mstats.Mean(finite(x))
	if err != nil {
		return math.NaN()
	}
	return m
}

// Variance returns the sample (n-1) variance of the non-NaN values.
func Variance(x []float64) float64 {
	f := finite(x)
	if len(f) < 2 {
		return math.NaN()
	}
	v, err := mstats.SampleVariance(f)
	if err != nil {
		return math.NaN()
	}
	return v
}

// Quantile returns the nearest-rank p-th quantile (0..1) of the non-NaN
// values.
func Quantile(x []float64, p float64) float64 {
	f := finite(x)
	if len(f) == 0 {
		return math.NaN()
	}
	q, err := mstats.PercentileNearestRank(f, math.Min(math.Max(p, 0), 1)*100)
	if err != nil {
		return math.NaN()
	}
	return q
}

// TrimmedMean drops floor(n*trim) values from each tail of the sorted non-NaN
// values and averages the rest. A trim of 0.5 or more yields the median.
func TrimmedMean(x []float64, trim float64) float64 {
	f := finite(x)
	n := len(f)
	if n == 0 {
		return math.NaN()
	}
	if trim <= 0 {
		return Mean(f)
	}
	if trim >= 0.5 {
		return Median(f)
	}
	sort.Float64s(f)
	lo := int(math.Floor(float64(n) * trim))
	hi := n - lo
	var sum float64
	for _, v := range f[lo:hi] {
		sum += v
	}
	return sum / float64(hi-lo)
}

// NormalQuantile is the inverse standard normal CDF.
func NormalQuantile(p float64) float64 {
	return distuv.UnitNormal.Quantile(p)
}

// ZScore converts a two-sided p-value into a signed normal score:
// -Φ⁻¹(p/2) carrying the sign of lfc. An undefined p-value maps to 0.
func ZScore(p, lfc float64) float64 {
	if math.IsNaN(p) || math.IsNaN(lfc) {
		return 0
	}
	return -NormalQuantile(p/2) * sign(lfc)
}

func sign(x float64) float64 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	}
	return 0
}
