package de

import (
	"context"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/inodb/vibe-cacoa/internal/matrix"
)

// voomTrendDegree is the polynomial degree of the sqrt(sd) trend.
const voomTrendDegree = 3

// limmaVoom fits linear models to log2-CPM values with precision weights
// from the mean-variance trend, then moderates the t statistics of the
// group coefficient by empirical Bayes.
type limmaVoom struct{}

func (limmaVoom) fit(ctx context.Context, counts *matrix.Matrix, d *design) ([]GeneStat, error) {
	n, g := counts.Dims()
	lib := effectiveLibSizes(counts)
	logLib := make([]float64, n)
	var meanLogLib float64
	for i, l := range lib {
		logLib[i] = math.Log2(l + 1)
		meanLogLib += logLib[i] / float64(n)
	}

	// log2 CPM, samples × genes.
	y := mat.NewDense(n, g, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < g; j++ {
			y.Set(i, j, math.Log2((counts.At(i, j)+0.5)/(lib[i]+1)*1e6))
		}
	}

	// Unweighted fit for the mean-variance trend.
	var chol mat.Cholesky
	unit := ones(n)
	sx := make([]float64, 0, g)
	sy := make([]float64, 0, g)
	fitted := mat.NewDense(n, g, nil)
	for j := 0; j < g; j++ {
		col := mat.Col(nil, j, y)
		beta, ok := weightedSolve(&chol, d.X, unit, col)
		if !ok {
			return nil, errSingular
		}
		var rss float64
		for i := 0; i < n; i++ {
			f := rowDot(d.X, i, beta)
			fitted.Set(i, j, f)
			rss += (col[i] - f) * (col[i] - f)
		}
		sd := math.Sqrt(rss / float64(n-d.p()))
		sx = append(sx, mean(col)+meanLogLib-math.Log2(1e6))
		sy = append(sy, math.Sqrt(sd))
	}
	trend := fitTrend(sx, sy, voomTrendDegree)

	df := float64(n - d.p())
	col := d.groupCol()
	out := make([]GeneStat, g)
	coef := make([]float64, g)
	unscaled := make([]float64, g)
	s2 := make([]float64, g)
	w := make([]float64, n)
	for j := 0; j < g; j++ {
		if j%256 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		yj := mat.Col(nil, j, y)
		for i := 0; i < n; i++ {
			lc := fitted.At(i, j) + logLib[i] - math.Log2(1e6)
			w[i] = 1 / math.Pow(trend(lc), 4)
		}
		gs := newGeneStat(counts.ColNames[j])
		gs.Extra["AveExpr"] = mean(yj)
		out[j] = gs
		s2[j] = math.NaN()

		beta, ok := weightedSolve(&chol, d.X, w, yj)
		if !ok {
			continue
		}
		inv, ok := weightedInverse(&chol, d.X, w)
		if !ok {
			continue
		}
		var rss float64
		for i := 0; i < n; i++ {
			r := yj[i] - rowDot(d.X, i, beta)
			rss += w[i] * r * r
		}
		coef[j] = beta[col]
		unscaled[j] = inv.At(col, col)
		s2[j] = rss / df
		out[j].Log2FoldChange = beta[col]
	}

	post, d0 := squeezeVar(s2, df)
	t := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df + d0}
	for j := range out {
		if math.IsNaN(s2[j]) {
			continue
		}
		ts := coef[j] / math.Sqrt(post[j]*unscaled[j])
		out[j].Extra["t"] = ts
		if math.IsInf(d0, 1) {
			out[j].PValue = 2 * distuv.UnitNormal.Survival(math.Abs(ts))
		} else {
			out[j].PValue = 2 * t.Survival(math.Abs(ts))
		}
	}
	adjust(out)
	return out, nil
}

func rowDot(x mat.Matrix, i int, beta []float64) float64 {
	var s float64
	for j, b := range beta {
		s += x.At(i, j) * b
	}
	return s
}

func mean(x []float64) float64 {
	var s float64
	for _, v := range x {
		s += v
	}
	return s / float64(len(x))
}

// fitTrend fits a polynomial of the given degree to (x, y) by least squares
// and returns it as a function clamped to the observed x range. Fitted
// values are floored at a fraction of the smallest observed y so precision
// weights stay finite.
func fitTrend(x, y []float64, degree int) func(float64) float64 {
	type pt struct{ x, y float64 }
	var pts []pt
	for i := range x {
		if !math.IsNaN(x[i]) && !math.IsNaN(y[i]) && !math.IsInf(x[i], 0) {
			pts = append(pts, pt{x[i], y[i]})
		}
	}
	if len(pts) == 0 {
		return func(float64) float64 { return 1 }
	}
	sort.Slice(pts, func(i, j int) bool { return pts[i].x < pts[j].x })
	lo, hi := pts[0].x, pts[len(pts)-1].x

	floor := math.Inf(1)
	for _, p := range pts {
		if p.y > 0 && p.y < floor {
			floor = p.y
		}
	}
	if math.IsInf(floor, 1) {
		floor = 1
	}
	floor /= 4

	degree = min(degree, len(pts)-1)
	mid, span := (lo+hi)/2, math.Max((hi-lo)/2, 1e-8)
	a := mat.NewDense(len(pts), degree+1, nil)
	b := mat.NewVecDense(len(pts), nil)
	for i, p := range pts {
		u := (p.x - mid) / span
		v := 1.0
		for k := 0; k <= degree; k++ {
			a.Set(i, k, v)
			v *= u
		}
		b.SetVec(i, p.y)
	}
	var coef mat.VecDense
	if err := coef.SolveVec(a, b); err != nil {
		var m float64
		for _, p := range pts {
			m += p.y / float64(len(pts))
		}
		return func(float64) float64 { return math.Max(m, floor) }
	}
	return func(x float64) float64 {
		u := (math.Min(math.Max(x, lo), hi) - mid) / span
		var s, v float64 = 0, 1
		for k := 0; k <= degree; k++ {
			s += coef.AtVec(k) * v
			v *= u
		}
		return math.Max(s, floor)
	}
}
