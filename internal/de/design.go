package de

import (
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/inodb/vibe-cacoa/internal/groups"
)

// design is a full-rank model matrix: intercept, the kept covariates and
// the group indicator (target = 1) as the last column.
type design struct {
	X        *mat.Dense
	Columns  []string
	Formula  string
	Kept     []string
	Dropped  []string
	isTarget []bool
}

func (d *design) n() int { r, _ := d.X.Dims(); return r }
func (d *design) p() int { _, c := d.X.Dims(); return c }

// groupCol is the index of the group coefficient.
func (d *design) groupCol() int { return d.p() - 1 }

// reduced returns the intercept-only design.
func (d *design) reduced() *mat.Dense {
	n := d.n()
	x := mat.NewDense(n, 1, nil)
	for i := 0; i < n; i++ {
		x.Set(i, 0, 1)
	}
	return x
}

// buildDesign turns the metadata into a model matrix. Covariates that are
// constant or linearly dependent on the columns before them are dropped.
// The group column goes last; if it is dependent on the kept covariates the
// design cannot separate the conditions and ErrSkip is returned.
func buildDesign(md *groups.Metadata) (*design, error) {
	n := len(md.Samples)
	cols := [][]float64{ones(n)}
	names := []string{"(Intercept)"}
	d := &design{isTarget: make([]bool, n)}

	for _, c := range md.Covariates {
		block, blockNames := covariateColumns(c)
		added := 0
		for k, col := range block {
			if isConstant(col) {
				continue
			}
			if fullRank(append(cols, col)) {
				cols = append(cols, col)
				names = append(names, blockNames[k])
				added++
			}
		}
		if added == 0 {
			d.Dropped = append(d.Dropped, c.Name)
			continue
		}
		d.Kept = append(d.Kept, c.Name)
	}

	g := make([]float64, n)
	for i, label := range md.Group {
		if label == md.Target {
			g[i] = 1
			d.isTarget[i] = true
		}
	}
	if isConstant(g) || !fullRank(append(cols, g)) {
		return nil, skipf("group is collinear with covariates %s", strings.Join(d.Kept, ", "))
	}
	cols = append(cols, g)
	names = append(names, groups.GroupColumn+md.Target)

	if n <= len(cols) {
		return nil, skipf("%d samples leave no residual degrees of freedom for %d coefficients", n, len(cols))
	}

	d.X = mat.NewDense(n, len(cols), nil)
	for j, col := range cols {
		d.X.SetCol(j, col)
	}
	d.Columns = names
	d.Formula = formula(d.Kept)
	return d, nil
}

func formula(covariates []string) string {
	terms := append(append([]string(nil), covariates...), groups.GroupColumn)
	return "~ " + strings.Join(terms, " + ")
}

// covariateColumns encodes a covariate: numeric values as one column,
// categorical values as treatment dummies against the first sorted level.
func covariateColumns(c groups.Covariate) ([][]float64, []string) {
	if c.Numeric {
		return [][]float64{append([]float64(nil), c.Num...)}, []string{c.Name}
	}
	seen := map[string]bool{}
	var levels []string
	for _, v := range c.Values {
		if !seen[v] {
			seen[v] = true
			levels = append(levels, v)
		}
	}
	sort.Strings(levels)

	var (
		cols  [][]float64
		names []string
	)
	for _, lvl := range levels[min(1, len(levels)):] {
		col := make([]float64, len(c.Values))
		for i, v := range c.Values {
			if v == lvl {
				col[i] = 1
			}
		}
		cols = append(cols, col)
		names = append(names, c.Name+lvl)
	}
	return cols, names
}

func ones(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 1
	}
	return out
}

func isConstant(x []float64) bool {
	for _, v := range x[1:] {
		if v != x[0] {
			return false
		}
	}
	return true
}

// fullRank reports whether the columns are linearly independent, by the
// singular values of the column matrix.
func fullRank(cols [][]float64) bool {
	n, p := len(cols[0]), len(cols)
	if p > n {
		return false
	}
	a := mat.NewDense(n, p, nil)
	for j, col := range cols {
		a.SetCol(j, col)
	}
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDNone) {
		return false
	}
	vals := svd.Values(nil)
	tol := float64(max(n, p)) * vals[0] * 1e-10
	return vals[len(vals)-1] > tol && !math.IsNaN(vals[len(vals)-1])
}
