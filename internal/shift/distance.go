package shift

import (
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/inodb/vibe-cacoa/internal/groups"
)

// Distance is a sample-to-sample dissimilarity.
type Distance string

const (
	// Auto picks L1 or Cor by dimensionality.
	Auto Distance = ""
	L1   Distance = "l1"
	L2   Distance = "l2"
	// Cor is one minus the Pearson correlation.
	Cor Distance = "cor"
)

// lowDims is the dimensionality below which L1 is preferred over Cor.
const lowDims = 20

// ParseDistance validates a distance name. Empty means Auto.
func ParseDistance(s string) (Distance, error) {
	switch d := Distance(strings.ToLower(strings.TrimSpace(s))); d {
	case Auto, L1, L2, Cor:
		return d, nil
	case "manhattan":
		return L1, nil
	case "euclidean":
		return L2, nil
	case "pearson", "correlation":
		return Cor, nil
	}
	return "", fmt.Errorf("%w: unknown distance %q", groups.ErrInvalidArgument, s)
}

// DefaultDistance is L1 for fewer than 20 dimensions and Cor otherwise.
func DefaultDistance(dims int) Distance {
	if dims < lowDims {
		return L1
	}
	return Cor
}

// resolveDistance fills in Auto and warns about choices that behave poorly
// at the given dimensionality.
func resolveDistance(d Distance, dims int, log *zap.Logger) Distance {
	switch {
	case d == Auto:
		return DefaultDistance(dims)
	case d == L2:
		log.Warn("L2 distance depends on the scale of the data, which varies with cluster size; consider l1 or cor",
			zap.Int("dims", dims))
	case d == Cor && dims < lowDims:
		log.Warn("correlation distance is unreliable in few dimensions; consider l1", zap.Int("dims", dims))
	case d == L1 && dims >= lowDims:
		log.Warn("L1 distance in many dimensions is dominated by noise; consider cor", zap.Int("dims", dims))
	}
	return d
}

// between returns the distance between two equal-length vectors.
func between(d Distance, a, b []float64) float64 {
	switch d {
	case L2:
		var s float64
		for i := range a {
			s += (a[i] - b[i]) * (a[i] - b[i])
		}
		return math.Sqrt(s)
	case Cor:
		c := stat.Correlation(a, b, nil)
		if math.IsNaN(c) {
			return 1
		}
		return 1 - c
	}
	var s float64
	for i := range a {
		s += math.Abs(a[i] - b[i])
	}
	return s
}

// DistanceMatrix is a symmetric samples × samples distance matrix with an
// undefined (NaN) diagonal.
type DistanceMatrix struct {
	Samples []string
	D       *mat.SymDense
	// CellCounts is the number of cells behind every sample's profile.
	CellCounts map[string]int
}

// At returns the distance between samples i and j.
func (m *DistanceMatrix) At(i, j int) float64 { return m.D.At(i, j) }

// Distances computes pairwise distances between the rows of x.
func Distances(d Distance, x mat.Matrix, samples []string, counts map[string]int) *DistanceMatrix {
	n, _ := x.Dims()
	rows := make([][]float64, n)
	for i := range rows {
		rows[i] = mat.Row(nil, i, x)
	}
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		sym.SetSym(i, i, math.NaN())
		for j := i + 1; j < n; j++ {
			sym.SetSym(i, j, between(d, rows[i], rows[j]))
		}
	}
	cc := make(map[string]int, len(samples))
	for _, s := range samples {
		if c, ok := counts[s]; ok {
			cc[s] = c
		}
	}
	return &DistanceMatrix{Samples: append([]string(nil), samples...), D: sym, CellCounts: cc}
}
