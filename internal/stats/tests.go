package stats

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// exactRankSumLimit is the per-group size below which the rank-sum test uses
// the exact null distribution when there are no ties.
const exactRankSumLimit = 50

// RankSumTest performs a two-sided Wilcoxon rank-sum (Mann-Whitney) test of x
// against y. It returns the W statistic for x and the p-value. Small tie-free
// samples use the exact distribution; otherwise the normal approximation with
// tie and continuity correction is used. The p-value is NaN when every value
// is tied or either sample is empty.
func RankSumTest(x, y []float64) (w, p float64) {
	x, y = finite(x), finite(y)
	m, n := len(x), len(y)
	if m == 0 || n == 0 {
		return math.NaN(), math.NaN()
	}

	all := make([]float64, 0, m+n)
	all = append(all, x...)
	all = append(all, y...)
	r := Rank(all)

	var r1 float64
	for i := 0; i < m; i++ {
		r1 += r[i]
	}
	w = r1 - float64(m*(m+1))/2

	ties := tieCounts(r)
	if m < exactRankSumLimit && n < exactRankSumLimit && len(ties) == 0 {
		return w, exactRankSumP(w, m, n)
	}

	mf, nf := float64(m), float64(n)
	z := w - mf*nf/2
	var tieSum float64
	for _, t := range ties {
		tieSum += t*t*t - t
	}
	N := mf + nf
	sigma := math.Sqrt(mf * nf / 12 * ((N + 1) - tieSum/(N*(N-1))))
	if sigma == 0 {
		return w, math.NaN()
	}
	z = (z - 0.5*sign(z)) / sigma
	p = 2 * math.Min(distuv.UnitNormal.CDF(z), distuv.UnitNormal.Survival(z))
	return w, math.Min(p, 1)
}

// tieCounts returns the sizes of every group of tied ranks larger than one.
func tieCounts(ranks []float64) []float64 {
	counts := make(map[float64]float64, len(ranks))
	for _, v := range ranks {
		counts[v]++
	}
	var out []float64
	for _, c := range counts {
		if c > 1 {
			out = append(out, c)
		}
	}
	return out
}

// exactRankSumP returns the two-sided exact p-value of W for group sizes m, n.
func exactRankSumP(w float64, m, n int) float64 {
	freq := rankSumFrequencies(m, n)
	var total float64
	for _, f := range freq {
		total += f
	}

	q := int(math.Round(w))
	var p float64
	if w > float64(m*n)/2 {
		// P(W >= w)
		for u := q; u < len(freq); u++ {
			p += freq[u]
		}
	} else {
		for u := 0; u <= q && u < len(freq); u++ {
			p += freq[u]
		}
	}
	return math.Min(1, 2*p/total)
}

// rankSumFrequencies returns the number of arrangements giving each value of
// the Mann-Whitney U statistic, using the generating function
// prod_{i=1..m} (1 - q^(n+i)) / (1 - q^i).
func rankSumFrequencies(m, n int) []float64 {
	deg := m * n
	poly := make([]float64, deg+1)
	poly[0] = 1
	for i := 1; i <= m; i++ {
		// multiply by (1 - q^(n+i))
		s := n + i
		for k := deg; k >= s; k-- {
			poly[k] -= poly[k-s]
		}
		// divide by (1 - q^i)
		for k := i; k <= deg; k++ {
			poly[k] += poly[k-i]
		}
	}
	return poly
}

// WelchTTest performs a two-sided unequal-variance t-test and returns the t
// statistic and p-value. Degenerate inputs (fewer than two values per group
// or zero standard error) return NaN.
func WelchTTest(x, y []float64) (t, p float64) {
	x, y = finite(x), finite(y)
	nx, ny := float64(len(x)), float64(len(y))
	if nx < 2 || ny < 2 {
		return math.NaN(), math.NaN()
	}
	mx, my := Mean(x), Mean(y)
	vx, vy := Variance(x)/nx, Variance(y)/ny
	se := math.Sqrt(vx + vy)
	if se < 1e-15 {
		return math.NaN(), math.NaN()
	}
	t = (mx - my) / se
	df := (vx + vy) * (vx + vy) / (vx*vx/(nx-1) + vy*vy/(ny-1))
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	return t, 2 * dist.CDF(-math.Abs(t))
}
