// Package shift estimates how far the expression of each cell type moves
// between two conditions, using sample-to-sample distances and a label
// permutation test.
package shift

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/inodb/vibe-cacoa/internal/groups"
	"github.com/inodb/vibe-cacoa/internal/matrix"
	"github.com/inodb/vibe-cacoa/internal/parallel"
	"github.com/inodb/vibe-cacoa/internal/stats"
)

// ErrSkip marks a cell type with too few samples to compare.
var ErrSkip = fmt.Errorf("cell type %w", parallel.ErrSkip)

// Normalization selects the within-condition baseline subtracted from
// distances.
type Normalization string

const (
	// NormBoth subtracts the mean of the two within-condition medians.
	NormBoth Normalization = "both"
	// NormRef subtracts the within-reference median.
	NormRef  Normalization = "ref"
	NormNone Normalization = "none"
)

// ParseNormalization validates a normalization name. Empty means NormBoth.
func ParseNormalization(s string) (Normalization, error) {
	switch n := Normalization(strings.ToLower(strings.TrimSpace(s))); n {
	case "":
		return NormBoth, nil
	case NormBoth, NormRef, NormNone:
		return n, nil
	}
	return "", fmt.Errorf("%w: unknown normalization %q", groups.ErrInvalidArgument, s)
}

// Analysis selects which distances make up the statistic.
type Analysis string

const (
	// Shift compares normalized distances across conditions.
	Shift Analysis = "shift"
	// Total compares raw distances across conditions.
	Total Analysis = "total"
	// Var measures distances among target samples.
	Var Analysis = "var"
)

// ParseAnalysis validates an analysis name. Empty means Shift.
func ParseAnalysis(s string) (Analysis, error) {
	switch a := Analysis(strings.ToLower(strings.TrimSpace(s))); a {
	case "":
		return Shift, nil
	case Shift, Total, Var:
		return a, nil
	}
	return "", fmt.Errorf("%w: unknown analysis %q", groups.ErrInvalidArgument, s)
}

// Options configures Estimate.
type Options struct {
	Distance      Distance
	Norm          Normalization
	Analysis      Analysis
	NPermutations int
	// Trim is the fraction cut from each end before averaging distances.
	// Zero means the default of 0.2; use NoTrim for a plain mean.
	Trim float64
	// TopNGenes limits distances to the best genes under GeneSelection.
	// Zero keeps every gene.
	TopNGenes     int
	GeneSelection GeneSelection
	// NPCs projects expression onto this many principal components first.
	// Zero disables PCA.
	NPCs               int
	MinSamplesPerGroup int
	Seed               int64
}

// NoTrim averages every distance.
const NoTrim = -1

// DefaultOptions returns the standard settings.
func DefaultOptions() Options {
	return Options{
		Norm:               NormBoth,
		Analysis:           Shift,
		NPermutations:      1000,
		Trim:               0.2,
		MinSamplesPerGroup: 2,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Norm == "" {
		o.Norm = d.Norm
	}
	if o.Analysis == "" {
		o.Analysis = d.Analysis
	}
	if o.NPermutations <= 0 {
		o.NPermutations = d.NPermutations
	}
	switch {
	case o.Trim < 0:
		o.Trim = 0
	case o.Trim == 0 || o.Trim >= 0.5:
		o.Trim = d.Trim
	}
	if o.MinSamplesPerGroup < 2 {
		o.MinSamplesPerGroup = d.MinSamplesPerGroup
	}
	return o
}

// TypeResult is the shift estimate for one cell type.
type TypeResult struct {
	CellType  string
	Distances *DistanceMatrix
	Distance  Distance
	// Dims is the number of features distances were computed on.
	Dims int
	// Genes are the genes selected for the observed statistic.
	Genes   []string
	NRef    int
	NTarget int
	// Observed is the raw trimmed mean distance.
	Observed float64
	// Statistic is Observed minus the median of Null.
	Statistic float64
	Null      []float64
	PValue    float64
	PAdj      float64
}

// Result holds per-type estimates.
type Result struct {
	Types   map[string]*TypeResult
	Options Options
	Failed  []*parallel.UnitError
}

// CellTypes returns the estimated cell types sorted by adjusted p-value,
// then name.
func (r *Result) CellTypes() []string {
	names := parallel.Keys(r.Types)
	sort.SliceStable(names, func(i, j int) bool {
		a, b := r.Types[names[i]].PAdj, r.Types[names[j]].PAdj
		if a != b {
			return a < b
		}
		return names[i] < names[j]
	})
	return names
}

// Estimate runs the expression-shift test for every cell type in exprs.
// Rows are samples, columns genes; values should already be normalized.
// cellCounts maps cell type to sample to the number of cells collapsed.
func Estimate(ctx context.Context, exprs map[string]*matrix.Matrix, cellCounts map[string]map[string]int,
	sg groups.SampleGroups, opts Options, exec parallel.Exec) (*Result, error) {
	opts = opts.withDefaults()
	if len(exprs) == 0 {
		return nil, fmt.Errorf("%w: no cell types", groups.ErrInvalidArgument)
	}
	types := parallel.Keys(exprs)
	inner := exec.Sub(len(types))

	res, failed, err := parallel.Map(ctx, exec, types, func(ctx context.Context, ct string) (*TypeResult, error) {
		return estimateType(ctx, ct, exprs[ct], cellCounts[ct], sg, opts, inner)
	})
	if err != nil {
		return nil, err
	}

	names := parallel.Keys(res)
	p := make([]float64, len(names))
	for i, ct := range names {
		p[i] = res[ct].PValue
	}
	for i, adj := range stats.BH(p) {
		if math.IsNaN(adj) {
			adj = 1
		}
		res[names[i]].PAdj = adj
	}
	return &Result{Types: res, Options: opts, Failed: failed}, nil
}

// typeSeed derives a per-type seed that does not depend on which other
// types are present.
func typeSeed(seed int64, ct string) int64 {
	h := fnv.New64a()
	h.Write([]byte(ct))
	return seed ^ int64(h.Sum64()>>1)
}

// typeData is one cell type's expression restricted to labelled samples.
type typeData struct {
	x *matrix.Matrix
	// od holds label-independent overdispersion scores, when selected.
	od []float64
}

func estimateType(ctx context.Context, ct string, x *matrix.Matrix, counts map[string]int,
	sg groups.SampleGroups, opts Options, exec parallel.Exec) (*TypeResult, error) {
	log := exec.Log().With(zap.String("cell_type", ct))

	present := sg.Restrict(x.RowNames)
	nRef, nTarget := len(present.Samples(sg.Ref)), len(present.Samples(sg.Target))
	if nRef < opts.MinSamplesPerGroup || nTarget < opts.MinSamplesPerGroup {
		return nil, fmt.Errorf("%w: %d %s and %d %s samples, need %d of each",
			ErrSkip, nRef, sg.Ref, nTarget, sg.Target, opts.MinSamplesPerGroup)
	}

	if _, g := x.Dims(); g == 0 {
		return nil, fmt.Errorf("%w: no genes", ErrSkip)
	}

	var idx []int
	var isTarget []bool
	for i, s := range x.RowNames {
		if c, ok := present.Condition(s); ok {
			idx = append(idx, i)
			isTarget = append(isTarget, c == sg.Target)
		}
	}
	td := &typeData{x: x.SelectRows(idx)}
	if opts.GeneSelection == ByOverdispersion && opts.TopNGenes > 0 {
		td.od = overdispersion(td.x)
	}

	feat, genes, err := td.features(isTarget, opts)
	if err != nil {
		return nil, err
	}
	_, dims := feat.Dims()
	dist := resolveDistance(opts.Distance, dims, log)
	dm := Distances(dist, feat, td.x.RowNames, counts)
	observed := statistic(dm, isTarget, opts)

	n := len(isTarget)
	keys := make([]string, opts.NPermutations)
	for i := range keys {
		keys[i] = strconv.Itoa(i)
	}
	seed := typeSeed(opts.Seed, ct)
	perms, _, err := parallel.Map(ctx, exec, keys, func(ctx context.Context, key string) (float64, error) {
		i, _ := strconv.Atoi(key)
		rng := rand.New(rand.NewSource(seed + int64(i)))
		labels := make([]bool, n)
		for k, from := range rng.Perm(n) {
			labels[k] = isTarget[from]
		}
		pdm := dm
		if opts.GeneSelection.labelDependent() && opts.TopNGenes > 0 {
			f, _, err := td.features(labels, opts)
			if err != nil {
				return math.NaN(), nil
			}
			pdm = Distances(dist, f, td.x.RowNames, counts)
		}
		return statistic(pdm, labels, opts), nil
	})
	if err != nil {
		return nil, err
	}

	null := make([]float64, 0, len(keys))
	for _, k := range keys {
		if v, ok := perms[k]; ok {
			null = append(null, v)
		}
	}
	p := permutationP(observed, null)
	if math.IsNaN(p) {
		log.Warn("shift statistic is undefined")
	}

	return &TypeResult{
		CellType:  ct,
		Distances: dm,
		Distance:  dist,
		Dims:      dims,
		Genes:     genes,
		NRef:      nRef,
		NTarget:   nTarget,
		Observed:  observed,
		Statistic: observed - stats.Median(null),
		Null:      null,
		PValue:    p,
	}, nil
}

// features selects genes for the given labels and optionally projects them
// onto principal components.
func (td *typeData) features(isTarget []bool, opts Options) (*mat.Dense, []string, error) {
	x := td.x
	_, g := x.Dims()
	if opts.TopNGenes > 0 && opts.TopNGenes < g && opts.GeneSelection != AllGenes {
		var score []float64
		switch opts.GeneSelection {
		case ByVariance:
			score = varianceExplained(x, isTarget)
		case ByRankSum:
			score = rankSumScores(x, isTarget)
		case ByOverdispersion:
			score = td.od
		}
		x = x.SelectCols(topColumns(x.ColNames, score, opts.TopNGenes))
	}
	d := x.Dense()
	if opts.NPCs > 0 {
		proj, err := pca(d, opts.NPCs)
		if err != nil {
			return nil, nil, err
		}
		d = proj
	}
	return d, x.ColNames, nil
}

// statistic is the trimmed mean of the distances the analysis looks at,
// after subtracting the normalization baseline.
func statistic(dm *DistanceMatrix, isTarget []bool, opts Options) float64 {
	var ref, target, cross []float64
	n := len(isTarget)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d := dm.At(i, j)
			if math.IsNaN(d) {
				continue
			}
			switch {
			case isTarget[i] != isTarget[j]:
				cross = append(cross, d)
			case isTarget[i]:
				target = append(target, d)
			default:
				ref = append(ref, d)
			}
		}
	}

	norm := opts.Norm
	if opts.Analysis == Total {
		norm = NormNone
	}
	var baseline float64
	switch norm {
	case NormBoth:
		baseline = (stats.Median(ref) + stats.Median(target)) / 2
	case NormRef:
		baseline = stats.Median(ref)
	}

	vals := cross
	if opts.Analysis == Var {
		vals = target
	}
	out := make([]float64, len(vals))
	for i, v := range vals {
		out[i] = v - baseline
	}
	return stats.TrimmedMean(out, opts.Trim)
}

// permutationP is the add-one permutation p-value of observed against the
// non-NaN entries of null.
func permutationP(observed float64, null []float64) float64 {
	if math.IsNaN(observed) {
		return math.NaN()
	}
	var valid, ge int
	for _, v := range null {
		if math.IsNaN(v) {
			continue
		}
		valid++
		if v >= observed {
			ge++
		}
	}
	return float64(ge+1) / float64(valid+1)
}
