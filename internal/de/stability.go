package de

import (
	"context"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/inodb/vibe-cacoa/internal/groups"
	"github.com/inodb/vibe-cacoa/internal/parallel"
	"github.com/inodb/vibe-cacoa/internal/resample"
	"github.com/inodb/vibe-cacoa/internal/stats"
)

// Statistic is the per-gene value ranked across resampling iterations.
// Lower values rank first.
type Statistic string

const (
	StatPValue Statistic = "pvalue"
	StatPAdj   Statistic = "padj"
	// StatZ ranks by decreasing |Z|.
	StatZ Statistic = "z"
)

// ParseStatistic validates a statistic name.
func ParseStatistic(s string) (Statistic, error) {
	switch st := Statistic(strings.ToLower(s)); st {
	case StatPValue, StatPAdj, StatZ:
		return st, nil
	case "":
		return StatPValue, nil
	}
	return "", fmt.Errorf("%w: unknown ranking statistic %q", groups.ErrInvalidArgument, s)
}

func (s Statistic) value(g GeneStat) float64 {
	switch s {
	case StatPAdj:
		return g.PAdj
	case StatZ:
		return -math.Abs(g.Z)
	}
	return g.PValue
}

// ResampleOptions configures EstimateResampled.
type ResampleOptions struct {
	resample.Options
	Statistic Statistic
}

// EstimateResampled runs DE on the full data, then once per resampling
// iteration, and attaches the stability ranks of every gene to the full
// results. Iterations run in parallel; the cell types inside an iteration
// share the remaining workers.
func EstimateResampled(ctx context.Context, in Input, ropts ResampleOptions, opts Options, exec parallel.Exec) (map[string]*Result, error) {
	primary, err := Estimate(ctx, in, opts, exec)
	if err != nil {
		return nil, err
	}

	its, err := resample.PrepareSamples(resample.Input{
		Groups:     in.Groups,
		Pseudobulk: in.Pseudobulk,
		Cells:      in.Cells,
		CellGroups: in.CellGroups,
		Collapse:   in.Collapse,
	}, ropts.Options)
	if err != nil {
		return nil, fmt.Errorf("prepare resampling: %w", err)
	}

	byName := make(map[string]resample.Iteration, len(its))
	names := make([]string, len(its))
	for i, it := range its {
		byName[it.Name] = it
		names[i] = it.Name
	}

	inner := exec.Sub(len(its))
	inner.Logger = exec.Log().With(zap.String("stage", "resampling"))
	resampled, _, err := parallel.Map(ctx, exec, names, func(ctx context.Context, name string) (map[string]*Result, error) {
		it := byName[name]
		o := opts
		o.Seed = it.Seed
		if it.FixNSamples > 0 {
			o.FixNSamples = it.FixNSamples
		}
		sub := in
		sub.Pseudobulk = it.Pseudobulk
		sub.Groups = it.Groups
		return Estimate(ctx, sub, o, inner)
	})
	if err != nil {
		return nil, fmt.Errorf("resampled DE: %w", err)
	}

	stat := ropts.Statistic
	if stat == "" {
		stat = StatPValue
	}
	return SummarizeResampling(primary, resampled, stat, exec.Log()), nil
}

// SummarizeResampling attaches stability ranks to copies of the primary
// results. For each cell type, the genes present in every iteration that
// has the cell type are ranked by stat within each iteration, and the mean,
// median and variance of a gene's ranks are recorded. Iterations are joined
// by gene name. Cell types absent from every iteration are logged and
// returned unchanged.
func SummarizeResampling(primary map[string]*Result, resampled map[string]map[string]*Result, stat Statistic, log *zap.Logger) map[string]*Result {
	if log == nil {
		log = zap.NewNop()
	}
	iters := parallel.Keys(resampled)

	out := make(map[string]*Result, len(primary))
	for _, ct := range parallel.Keys(primary) {
		p := primary[ct]
		var with []string
		for _, it := range iters {
			if _, ok := resampled[it][ct]; ok {
				with = append(with, it)
			}
		}
		if len(with) == 0 {
			log.Warn("cell type missing from every resampling iteration, keeping unmodified result",
				zap.String("cell_type", ct))
			out[ct] = p
			continue
		}

		common := geneSet(resampled[with[0]][ct])
		for _, it := range with[1:] {
			next := geneSet(resampled[it][ct])
			for g := range common {
				if !next[g] {
					delete(common, g)
				}
			}
		}

		ranks := make(map[string][]float64, len(common))
		provenance := make(map[string]*Result, len(with))
		for _, it := range with {
			r := resampled[it][ct]
			provenance[it] = r

			var genes []string
			var vals []float64
			for _, g := range r.Genes {
				if common[g.Gene] {
					genes = append(genes, g.Gene)
					vals = append(vals, stat.value(g))
				}
			}
			for k, rk := range stats.Rank(vals) {
				ranks[genes[k]] = append(ranks[genes[k]], rk)
			}
		}

		res := *p
		res.Genes = make([]GeneStat, len(p.Genes))
		for i, g := range p.Genes {
			if rs, ok := ranks[g.Gene]; ok {
				g.StabMeanRank = stats.Mean(rs)
				g.StabMedianRank = stats.Median(rs)
				g.StabVarRank = stats.Variance(rs)
			}
			res.Genes[i] = g
		}
		res.Resamples = provenance
		out[ct] = &res
	}
	return out
}

func geneSet(r *Result) map[string]bool {
	s := make(map[string]bool, len(r.Genes))
	for _, g := range r.Genes {
		s[g.Gene] = true
	}
	return s
}

// StableGenes returns the genes of r ordered by mean stability rank.
func StableGenes(r *Result) []string {
	gs := append([]GeneStat(nil), r.Genes...)
	sortGenes(gs, func(g GeneStat) float64 { return g.StabMeanRank })
	out := make([]string, len(gs))
	for i, g := range gs {
		out[i] = g.Gene
	}
	return out
}
