// Package de estimates differential expression between two conditions for
// every cell type, on pseudo-bulk counts, with a choice of backends:
// DESeq2-style NB Wald/LRT, edgeR quasi-likelihood, limma-voom, or pairwise
// Wilcoxon / t tests on normalized counts.
package de

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"go.uber.org/zap"

	"github.com/inodb/vibe-cacoa/internal/groups"
	"github.com/inodb/vibe-cacoa/internal/matrix"
	"github.com/inodb/vibe-cacoa/internal/parallel"
	"github.com/inodb/vibe-cacoa/internal/pseudobulk"
	"github.com/inodb/vibe-cacoa/internal/stats"
)

var (
	// ErrSkip marks a cell type left out of the results: too few samples,
	// a missing condition or a group column lost to collinearity.
	ErrSkip = fmt.Errorf("cell type %w", parallel.ErrSkip)
	// ErrBackend wraps failures of the statistical backend.
	ErrBackend = errors.New("DE backend failed")

	errAllGenesFailed = errors.New("no gene could be fitted")
)

func skipf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrSkip, fmt.Sprintf(format, args...))
}

// backend fits one cell type. counts rows are aligned with the design rows.
type backend interface {
	fit(ctx context.Context, counts *matrix.Matrix, d *design) ([]GeneStat, error)
}

// GeneStat is one row of a DE table.
type GeneStat struct {
	Gene           string
	Log2FoldChange float64
	PValue         float64
	PAdj           float64
	// Z and Za are signed normal scores of PValue and PAdj.
	Z  float64
	Za float64
	// Extra holds backend-specific statistics (baseMean, lfcSE, logCPM, ...).
	Extra map[string]float64

	// Stability ranks, set by SummarizeResampling.
	StabMeanRank   float64
	StabMedianRank float64
	StabVarRank    float64
}

func newGeneStat(gene string) GeneStat {
	nan := math.NaN()
	return GeneStat{
		Gene:           gene,
		Log2FoldChange: nan,
		PValue:         nan,
		PAdj:           nan,
		Extra:          map[string]float64{},
		StabMeanRank:   nan,
		StabMedianRank: nan,
		StabVarRank:    nan,
	}
}

// adjust fills PAdj with Benjamini-Hochberg values; undefined ones become 1.
func adjust(gs []GeneStat) {
	p := make([]float64, len(gs))
	for i := range gs {
		p[i] = gs[i].PValue
	}
	for i, a := range stats.BH(p) {
		if math.IsNaN(a) {
			a = 1
		}
		gs[i].PAdj = a
	}
}

// Result is the DE table of one cell type with the inputs it was fitted on.
type Result struct {
	CellType string
	Test     Test
	// Genes is sorted by ascending p-value, undefined p-values last.
	Genes      []GeneStat
	Pseudobulk *matrix.Matrix
	Metadata   *groups.Metadata
	Formula    string
	// DroppedCovariates were constant or collinear and left out of the model.
	DroppedCovariates []string
	// Resamples holds the per-iteration results behind the stability ranks.
	Resamples map[string]*Result
}


// Options configures the DE driver.
type Options struct {
	Test Test
	// FixNSamples subsamples every condition to this many samples. 0 disables.
	FixNSamples int
	// Seed drives FixNSamples subsampling.
	Seed int64
	// GeneFilter restricts the genes tested per cell type. Cell types
	// without an entry use every gene.
	GeneFilter map[string][]string
	// MinCountsPerGene drops genes whose total count is below it. Genes
	// with no counts at all are always dropped.
	MinCountsPerGene float64
	Logger           *zap.Logger
}

// DefaultOptions uses the DESeq2 Wald test.
func DefaultOptions() Options {
	return Options{Test: DefaultTest}
}

func (o Options) log() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

// EstimateForType runs DE for one cell type on its pseudo-bulk matrix
// (samples × genes). Samples missing from meta are ignored. Returns an error
// wrapping ErrSkip when the cell type cannot be tested.
func EstimateForType(ctx context.Context, cellType string, pb *matrix.Matrix, meta *groups.Metadata, opts Options) (*Result, error) {
	log := opts.log()

	md := meta.Subset(pb.RowNames)
	nRef, nTarget := md.Count(md.Ref), md.Count(md.Target)
	switch {
	case nRef == 0:
		return nil, skipf("reference condition %q has no samples", md.Ref)
	case nTarget == 0:
		return nil, skipf("only condition %q is present", md.Ref)
	case nRef < 2 || nTarget < 2:
		return nil, skipf("need at least 2 samples per condition, have %s=%d %s=%d",
			md.Ref, nRef, md.Target, nTarget)
	}

	if opts.FixNSamples > 0 {
		var err error
		if md, err = subsampleConditions(md, opts.FixNSamples, opts.Seed); err != nil {
			return nil, err
		}
	}

	counts, err := pb.SubsetRows(md.Samples)
	if err != nil {
		return nil, err
	}
	counts = filterGenes(counts, opts.GeneFilter[cellType], opts.MinCountsPerGene)
	if _, g := counts.Dims(); g == 0 {
		return nil, skipf("no genes left after filtering")
	}

	d, err := buildDesign(md)
	if err != nil {
		return nil, err
	}
	if len(d.Dropped) > 0 {
		log.Warn("dropping constant or collinear covariates",
			zap.String("cell_type", cellType), zap.Strings("covariates", d.Dropped))
	}
	if !opts.Test.modelBased() && len(d.Kept) > 0 {
		log.Debug("pairwise test ignores covariates",
			zap.String("cell_type", cellType), zap.Strings("covariates", d.Kept))
	}

	genes, err := opts.Test.backend().fit(ctx, counts, d)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrBackend, opts.Test, err)
	}
	finish(genes)

	return &Result{
		CellType:          cellType,
		Test:              opts.Test,
		Genes:             genes,
		Pseudobulk:        counts,
		Metadata:          md,
		Formula:           d.Formula,
		DroppedCovariates: d.Dropped,
	}, nil
}

// finish normalizes undefined adjusted p-values to 1, adds Z scores and
// sorts by p-value.
func finish(genes []GeneStat) {
	for i := range genes {
		g := &genes[i]
		if math.IsNaN(g.PAdj) {
			g.PAdj = 1
		}
		g.Z = stats.ZScore(g.PValue, g.Log2FoldChange)
		g.Za = stats.ZScore(g.PAdj, g.Log2FoldChange)
	}
	sortGenes(genes, func(g GeneStat) float64 { return g.PValue })
}

// sortGenes orders by ascending key, NaN last, ties by gene name.
func sortGenes(genes []GeneStat, key func(GeneStat) float64) {
	sort.SliceStable(genes, func(i, j int) bool {
		a, b := key(genes[i]), key(genes[j])
		switch {
		case math.IsNaN(a) && math.IsNaN(b):
			return genes[i].Gene < genes[j].Gene
		case math.IsNaN(a):
			return false
		case math.IsNaN(b):
			return true
		case a != b:
			return a < b
		}
		return genes[i].Gene < genes[j].Gene
	})
}

// subsampleConditions keeps n random samples of each condition.
func subsampleConditions(md *groups.Metadata, n int, seed int64) (*groups.Metadata, error) {
	rng := rand.New(rand.NewSource(seed))
	keep := map[string]bool{}
	for _, label := range []string{md.Ref, md.Target} {
		ss := md.SamplesIn(label)
		if len(ss) < n {
			return nil, skipf("condition %q has %d samples, fewer than the fixed %d", label, len(ss), n)
		}
		rng.Shuffle(len(ss), func(i, j int) { ss[i], ss[j] = ss[j], ss[i] })
		for _, s := range ss[:n] {
			keep[s] = true
		}
	}
	var order []string
	for _, s := range md.Samples {
		if keep[s] {
			order = append(order, s)
		}
	}
	return md.Subset(order), nil
}

// filterGenes applies the optional gene list and drops genes with too few
// counts.
func filterGenes(counts *matrix.Matrix, only []string, minCounts float64) *matrix.Matrix {
	if len(only) > 0 {
		counts = counts.SubsetCols(only)
	}
	totals := counts.ColSums()
	var idx []int
	for j, t := range totals {
		if t > 0 && t >= minCounts {
			idx = append(idx, j)
		}
	}
	if len(idx) == len(totals) {
		return counts
	}
	return counts.SelectCols(idx)
}

// EstimatePerCellType runs EstimateForType for every cell type in
// parallel. Skipped or failed cell types are logged and left out unless
// exec.FailOnError turns a backend failure into an error.
func EstimatePerCellType(ctx context.Context, pbs map[string]*matrix.Matrix, meta *groups.Metadata, opts Options, exec parallel.Exec) (map[string]*Result, error) {
	types := parallel.Keys(pbs)
	res, _, err := parallel.Map(ctx, exec, types, func(ctx context.Context, ct string) (*Result, error) {
		o := opts
		o.Logger = exec.Log()
		return EstimateForType(ctx, ct, pbs[ct], meta, o)
	})
	if err != nil {
		return nil, fmt.Errorf("estimate DE per cell type: %w", err)
	}
	return res, nil
}

// Input is everything one DE run reads.
type Input struct {
	Pseudobulk *pseudobulk.Collapsed
	Groups     groups.SampleGroups
	// Covariates maps a metadata column to per-sample values.
	Covariates map[string]map[string]string

	// Cells, CellGroups and Collapse are needed only for fix.cells
	// resampling, which recollapses downsampled cells.
	Cells      map[string]*matrix.Matrix
	CellGroups map[string]string
	Collapse   pseudobulk.Options
}

// Estimate builds the metadata table for the grouped samples and runs DE
// for every cell type.
func Estimate(ctx context.Context, in Input, opts Options, exec parallel.Exec) (map[string]*Result, error) {
	meta, err := groups.NewMetadata(in.Groups, in.Groups.All(), in.Covariates)
	if err != nil {
		return nil, err
	}
	return EstimatePerCellType(ctx, in.Pseudobulk.Matrices, meta, opts, exec)
}
