package de

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/inodb/vibe-cacoa/internal/groups"
	"github.com/inodb/vibe-cacoa/internal/matrix"
	"github.com/inodb/vibe-cacoa/internal/parallel"
)

var shifted = []string{"g03", "g11", "g19", "g27", "g35"}

// poisson draws a Poisson variate; large means use the normal approximation.
func poisson(rng *rand.Rand, lambda float64) float64 {
	if lambda > 30 {
		return math.Max(math.Round(lambda+math.Sqrt(lambda)*rng.NormFloat64()), 0)
	}
	l, k, p := math.Exp(-lambda), 0.0, 1.0
	for {
		p *= rng.Float64()
		if p <= l {
			return k
		}
		k++
	}
}

// simulate builds nRef + nTarget pseudo-bulk samples of 50 genes where the
// genes in shifted have twice the mean in the target condition.
func simulate(t *testing.T, seed int64, nRef, nTarget int) (*matrix.Matrix, groups.SampleGroups) {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	genes := make([]string, 50)
	for j := range genes {
		genes[j] = fmt.Sprintf("g%02d", j)
	}
	up := map[string]bool{}
	for _, g := range shifted {
		up[g] = true
	}

	cond := map[string]string{}
	var samples []string
	for i := range nRef + nTarget {
		s := fmt.Sprintf("s%d", i)
		samples = append(samples, s)
		cond[s] = "ctrl"
		if i >= nRef {
			cond[s] = "case"
		}
	}

	m := matrix.New(samples, genes)
	for i, s := range samples {
		depth := 0.8 + 0.4*rng.Float64()
		for j, g := range genes {
			mu := (60 + 8*float64(j)) * depth * math.Exp(0.1*rng.NormFloat64())
			if up[g] && cond[s] == "case" {
				mu *= 2
			}
			m.Set(i, j, poisson(rng, mu))
		}
	}
	sg, err := groups.FromConditions("ctrl", cond)
	require.NoError(t, err)
	return m, sg
}

func metadata(t *testing.T, sg groups.SampleGroups, cov map[string]map[string]string) *groups.Metadata {
	t.Helper()
	md, err := groups.NewMetadata(sg, sg.All(), cov)
	require.NoError(t, err)
	return md
}

func topGenes(r *Result, n int) []string {
	var out []string
	for _, g := range r.Genes[:n] {
		out = append(out, g.Gene)
	}
	return out
}

func TestEstimateForType_RecoversShiftedGenes(t *testing.T) {
	for _, id := range []string{"deseq2", "deseq2.lrt", "edger", "limma-voom"} {
		t.Run(id, func(t *testing.T) {
			test, err := ParseTest(id)
			require.NoError(t, err)
			hits := 0
			for seed := int64(1); seed <= 10; seed++ {
				pb, sg := simulate(t, seed, 4, 4)
				r, err := EstimateForType(context.Background(), "T", pb, metadata(t, sg, nil), Options{Test: test})
				require.NoError(t, err)
				top := topGenes(r, 10)
				found := 0
				for _, g := range shifted {
					if contains(top, g) {
						found++
					}
				}
				if found == len(shifted) {
					hits++
				}
			}
			assert.GreaterOrEqual(t, hits, 9, "shifted genes in the top 10")
		})
	}
}

func geneOf(r *Result, name string) (GeneStat, bool) {
	for _, g := range r.Genes {
		if g.Gene == name {
			return g, true
		}
	}
	return GeneStat{}, false
}

func contains(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

func TestEstimateForType_Pairwise(t *testing.T) {
	pb, sg := simulate(t, 3, 4, 4)
	for _, id := range []string{"wilcoxon", "wilcoxon.edger", "wilcoxon.uq", "t-test.deseq2", "t-test.libsize"} {
		t.Run(id, func(t *testing.T) {
			test, err := ParseTest(id)
			require.NoError(t, err)
			r, err := EstimateForType(context.Background(), "T", pb, metadata(t, sg, nil), Options{Test: test})
			require.NoError(t, err)
			for _, name := range shifted {
				g, ok := geneOf(r, name)
				require.True(t, ok)
				assert.Greater(t, g.Log2FoldChange, 0.5, name)
				assert.Less(t, g.PValue, 0.05, name)
			}
		})
	}
}

func TestEstimateForType_ResultShape(t *testing.T) {
	pb, sg := simulate(t, 5, 4, 4)
	r, err := EstimateForType(context.Background(), "T", pb, metadata(t, sg, nil), DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, "T", r.CellType)
	assert.Equal(t, "~ group", r.Formula)
	assert.Len(t, r.Genes, 50)

	for i, g := range r.Genes {
		assert.GreaterOrEqual(t, g.PAdj, g.PValue, g.Gene)
		assert.LessOrEqual(t, g.PAdj, 1.0)
		if g.Log2FoldChange > 0 {
			assert.GreaterOrEqual(t, g.Z, 0.0)
		} else {
			assert.LessOrEqual(t, g.Z, 0.0)
		}
		assert.Contains(t, g.Extra, "baseMean")
		if i > 0 {
			assert.LessOrEqual(t, r.Genes[i-1].PValue, g.PValue)
		}
	}
}

func TestEstimateForType_Reproducible(t *testing.T) {
	pb, sg := simulate(t, 9, 4, 5)
	md := metadata(t, sg, nil)
	opts := Options{Test: Test{Kind: EdgeR}, FixNSamples: 3, Seed: 42}
	a, err := EstimateForType(context.Background(), "T", pb, md, opts)
	require.NoError(t, err)
	b, err := EstimateForType(context.Background(), "T", pb, md, opts)
	require.NoError(t, err)
	assert.Equal(t, a.Metadata.Samples, b.Metadata.Samples)
	assert.Len(t, a.Metadata.Samples, 6)
	assert.Equal(t, topGenes(a, 50), topGenes(b, 50))
}

func TestEstimateForType_Skips(t *testing.T) {
	pb, sg := simulate(t, 2, 4, 4)
	md := metadata(t, sg, nil)

	tests := []struct {
		name string
		rows []string
		opts Options
	}{
		{"one ref sample", []string{"s0", "s4", "s5"}, DefaultOptions()},
		{"no ref", []string{"s4", "s5", "s6"}, DefaultOptions()},
		{"no target", []string{"s0", "s1", "s2"}, DefaultOptions()},
		{"fix too large", pb.RowNames, Options{Test: DefaultTest, FixNSamples: 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub, err := pb.SubsetRows(tt.rows)
			require.NoError(t, err)
			_, err = EstimateForType(context.Background(), "T", sub, md, tt.opts)
			require.ErrorIs(t, err, ErrSkip)
			assert.ErrorIs(t, err, parallel.ErrSkip)
		})
	}
}

func TestEstimateForType_Covariates(t *testing.T) {
	pb, sg := simulate(t, 4, 4, 4)

	core, logs := observer.New(zap.WarnLevel)
	md := metadata(t, sg, map[string]map[string]string{
		"batch": {"s0": "a", "s1": "b", "s2": "a", "s3": "b", "s4": "a", "s5": "b", "s6": "a", "s7": "b"},
		"site":  {"s0": "x", "s1": "x", "s2": "x", "s3": "x", "s4": "x", "s5": "x", "s6": "x", "s7": "x"},
	})
	r, err := EstimateForType(context.Background(), "T", pb, md, Options{Test: DefaultTest, Logger: zap.New(core)})
	require.NoError(t, err)
	assert.Equal(t, "~ batch + group", r.Formula)
	assert.Equal(t, []string{"site"}, r.DroppedCovariates)
	assert.Equal(t, 1, logs.Len())

	confounded := metadata(t, sg, map[string]map[string]string{
		"donor": {"s0": "p", "s1": "p", "s2": "p", "s3": "p", "s4": "q", "s5": "q", "s6": "q", "s7": "q"},
	})
	_, err = EstimateForType(context.Background(), "T", pb, confounded, DefaultOptions())
	require.ErrorIs(t, err, ErrSkip)
}

func TestEstimateForType_GeneFilters(t *testing.T) {
	pb, sg := simulate(t, 6, 3, 3)
	j, _ := pb.ColIndex("g00")
	for i := range pb.RowNames {
		pb.Set(i, j, 0)
	}
	md := metadata(t, sg, nil)

	r, err := EstimateForType(context.Background(), "T", pb, md, Options{Test: DefaultTest})
	require.NoError(t, err)
	_, ok := geneOf(r, "g00")
	assert.False(t, ok, "all-zero gene dropped")

	r, err = EstimateForType(context.Background(), "T", pb, md, Options{
		Test:       DefaultTest,
		GeneFilter: map[string][]string{"T": {"g03", "g04", "g05"}},
	})
	require.NoError(t, err)
	assert.Len(t, r.Genes, 3)

	_, err = EstimateForType(context.Background(), "T", pb, md, Options{Test: DefaultTest, MinCountsPerGene: 1e12})
	require.ErrorIs(t, err, ErrSkip)
}

func TestEstimatePerCellType(t *testing.T) {
	a, sg := simulate(t, 7, 4, 4)
	b, err := a.SubsetRows([]string{"s0", "s4", "s5"})
	require.NoError(t, err)

	core, logs := observer.New(zap.WarnLevel)
	exec := parallel.Exec{Workers: 2, FailOnError: true, Logger: zap.New(core)}
	res, err := EstimatePerCellType(context.Background(), map[string]*matrix.Matrix{"A": a, "B": b},
		metadata(t, sg, nil), DefaultOptions(), exec)
	require.NoError(t, err, "skips never escalate")
	assert.Len(t, res, 1)
	assert.Contains(t, res, "A")
	assert.Equal(t, 1, logs.FilterMessage("skipping unit").Len())
}

func TestFinishUndefinedPValue(t *testing.T) {
	genes := []GeneStat{newGeneStat("b"), newGeneStat("a")}
	genes[0].PValue, genes[0].Log2FoldChange = 0.05, -1
	adjust(genes)
	finish(genes)
	assert.Equal(t, "b", genes[0].Gene)
	assert.Less(t, genes[0].Z, 0.0)
	assert.Equal(t, "a", genes[1].Gene)
	assert.Equal(t, 0.0, genes[1].Z)
	assert.Equal(t, 1.0, genes[1].PAdj)
}
