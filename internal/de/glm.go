package de

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
)

const (
	glmMaxIter = 50
	glmTol     = 1e-8
	glmRidge   = 1e-6
	minMu      = 1e-10
)

var errSingular = errors.New("singular information matrix")

// nbFit is a negative binomial GLM fit for one gene.
type nbFit struct {
	Beta     []float64
	SE       []float64
	Deviance float64
}

// fitNB fits log(mu) = X·beta + offset by iteratively reweighted least
// squares for negative binomial counts y with dispersion alpha. alpha = 0
// is the Poisson model.
func fitNB(x mat.Matrix, y, offset []float64, alpha float64) (*nbFit, error) {
	n, p := x.Dims()
	beta := initBeta(x, y, offset)
	mu := make([]float64, n)
	eta := make([]float64, n)
	w := make([]float64, n)
	z := make([]float64, n)

	linear := func() {
		for i := 0; i < n; i++ {
			var s float64
			for j := 0; j < p; j++ {
				s += x.At(i, j) * beta[j]
			}
			eta[i] = s + offset[i]
			mu[i] = math.Max(math.Exp(eta[i]), minMu)
		}
	}
	linear()
	dev := nbDeviance(y, mu, alpha)

	var chol mat.Cholesky
	for iter := 0; iter < glmMaxIter; iter++ {
		for i := 0; i < n; i++ {
			w[i] = mu[i] / (1 + alpha*mu[i])
			z[i] = eta[i] - offset[i] + (y[i]-mu[i])/mu[i]
		}
		next, ok := weightedSolve(&chol, x, w, z)
		if !ok {
			return nil, errSingular
		}
		beta = next
		linear()
		nd := nbDeviance(y, mu, alpha)
		if math.Abs(nd-dev)/(math.Abs(nd)+0.1) < glmTol {
			dev = nd
			break
		}
		dev = nd
	}

	for i := 0; i < n; i++ {
		w[i] = mu[i] / (1 + alpha*mu[i])
	}
	cov, ok := weightedInverse(&chol, x, w)
	if !ok {
		return nil, errSingular
	}
	se := make([]float64, p)
	for j := range se {
		se[j] = math.Sqrt(cov.At(j, j))
	}
	return &nbFit{Beta: beta, SE: se, Deviance: dev}, nil
}

// initBeta starts IRLS from the least-squares fit of log counts.
func initBeta(x mat.Matrix, y, offset []float64) []float64 {
	n, p := x.Dims()
	z := make([]float64, n)
	for i := range z {
		z[i] = math.Log(y[i]+0.1) - offset[i]
	}
	var chol mat.Cholesky
	beta, ok := weightedSolve(&chol, x, ones(n), z)
	if !ok {
		return make([]float64, p)
	}
	return beta
}

// xtwx returns X'WX with a small ridge on the diagonal.
func xtwx(x mat.Matrix, w []float64) *mat.SymDense {
	n, p := x.Dims()
	a := mat.NewSymDense(p, nil)
	for j := 0; j < p; j++ {
		for k := j; k < p; k++ {
			var s float64
			for i := 0; i < n; i++ {
				s += x.At(i, j) * w[i] * x.At(i, k)
			}
			if j == k {
				s += glmRidge
			}
			a.SetSym(j, k, s)
		}
	}
	return a
}

// weightedSolve returns the weighted least squares coefficients of z on x.
func weightedSolve(chol *mat.Cholesky, x mat.Matrix, w, z []float64) ([]float64, bool) {
	n, p := x.Dims()
	if !chol.Factorize(xtwx(x, w)) {
		return nil, false
	}
	b := mat.NewVecDense(p, nil)
	for j := 0; j < p; j++ {
		var s float64
		for i := 0; i < n; i++ {
			s += x.At(i, j) * w[i] * z[i]
		}
		b.SetVec(j, s)
	}
	var beta mat.VecDense
	if err := chol.SolveVecTo(&beta, b); err != nil {
		return nil, false
	}
	return beta.RawVector().Data, true
}

// weightedInverse returns (X'WX)^-1.
func weightedInverse(chol *mat.Cholesky, x mat.Matrix, w []float64) (*mat.SymDense, bool) {
	if !chol.Factorize(xtwx(x, w)) {
		return nil, false
	}
	var inv mat.SymDense
	if err := chol.InverseTo(&inv); err != nil {
		return nil, false
	}
	return &inv, true
}

// nbDeviance is the negative binomial deviance, Poisson when alpha is 0.
func nbDeviance(y, mu []float64, alpha float64) float64 {
	var d float64
	for i := range y {
		var t float64
		if y[i] > 0 {
			t = y[i] * math.Log(y[i]/mu[i])
		}
		if alpha > 0 {
			t -= (y[i] + 1/alpha) * math.Log((1+alpha*y[i])/(1+alpha*mu[i]))
		} else {
			t -= y[i] - mu[i]
		}
		d += 2 * t
	}
	return math.Max(d, 0)
}
