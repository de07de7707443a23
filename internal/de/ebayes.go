package de

import (
	"math"

	"gonum.org/v1/gonum/mathext"

	"github.com/inodb/vibe-cacoa/internal/stats"
)

func trigamma(x float64) float64 { return mathext.Zeta(2, x) }

func tetragamma(x float64) float64 { return -2 * mathext.Zeta(3, x) }

// trigammaInverse solves trigamma(y) = x by Newton iteration.
func trigammaInverse(x float64) float64 {
	switch {
	case x > 1e7:
		return 1 / math.Sqrt(x)
	case x < 1e-6:
		return 1 / x
	}
	y := 0.5 + 1/x
	for range 50 {
		tri := trigamma(y)
		dif := tri * (1 - tri/x) / tetragamma(y)
		y += dif
		if -dif/y < 1e-8 {
			break
		}
	}
	return y
}

// priorVariance fits a scaled F distribution to sample variances s2 that
// each carry df degrees of freedom, returning the prior degrees of freedom
// d0 (+Inf when the variances are no more dispersed than sampling noise)
// and the prior variance s02.
func priorVariance(s2 []float64, df float64) (d0, s02 float64) {
	var pos []float64
	for _, v := range s2 {
		if v > 0 && !math.IsInf(v, 0) {
			pos = append(pos, v)
		}
	}
	if len(pos) == 0 || df <= 0 {
		return 0, math.NaN()
	}
	floor := 1e-5 * stats.Median(pos)

	x := make([]float64, 0, len(s2))
	e := make([]float64, 0, len(s2))
	for _, v := range s2 {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		v = math.Max(v, floor)
		x = append(x, v)
		e = append(e, math.Log(v)-mathext.Digamma(df/2)+math.Log(df/2))
	}
	if len(e) >= 2 {
		if evar := stats.Variance(e) - trigamma(df/2); evar > 0 {
			d0 = 2 * trigammaInverse(evar)
			return d0, math.Exp(stats.Mean(e) + mathext.Digamma(d0/2) - math.Log(d0/2))
		}
	}
	// No excess spread: the pooled variance is the prior.
	return math.Inf(1), stats.Mean(x)
}

// squeezeVar shrinks sample variances toward the fitted prior.
func squeezeVar(s2 []float64, df float64) (post []float64, d0 float64) {
	d0, s02 := priorVariance(s2, df)
	post = make([]float64, len(s2))
	for i, v := range s2 {
		switch {
		case math.IsNaN(s02):
			post[i] = v
		case math.IsInf(d0, 1):
			post[i] = s02
		default:
			post[i] = (d0*s02 + df*v) / (d0 + df)
		}
	}
	return post, d0
}

// fSurvival is P(F > x) for an F(d1, d2) variable.
func fSurvival(x, d1, d2 float64) float64 {
	if !(x > 0) {
		return 1
	}
	return mathext.RegIncBeta(d2/2, d1/2, d2/(d2+d1*x))
}
