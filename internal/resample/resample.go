// Package resample plans the perturbed sample groupings used to estimate how
// stable a differential-expression ranking is.
package resample

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/inodb/vibe-cacoa/internal/groups"
	"github.com/inodb/vibe-cacoa/internal/matrix"
	"github.com/inodb/vibe-cacoa/internal/pseudobulk"
	"github.com/inodb/vibe-cacoa/internal/stats"
)

// Method is a resampling strategy.
type Method string

const (
	LeaveOneOut Method = "loo"
	Bootstrap   Method = "bootstrap"
	FixCells    Method = "fix.cells"
	FixSamples  Method = "fix.samples"
)

// ParseMethod validates a method name (case-insensitive).
func ParseMethod(s string) (Method, error) {
	switch m := Method(strings.ToLower(strings.TrimSpace(s))); m {
	case LeaveOneOut, Bootstrap, FixCells, FixSamples:
		return m, nil
	}
	return "", fmt.Errorf("%w: unknown resampling method %q", groups.ErrInvalidArgument, s)
}

// Plan maps iteration names to perturbed sample groups.
//
// loo yields one iteration per sample, leaving exactly that sample out.
// bootstrap draws every condition with replacement to its original size;
// repeated draws become distinct pseudo-samples named by
// groups.ReplicateName. fix.cells and fix.samples repeat the unmodified
// groups n times; the fixed-size subsampling is applied later.
func Plan(sg groups.SampleGroups, method Method, n int, rng *rand.Rand) (map[string]groups.SampleGroups, error) {
	switch method {
	case LeaveOneOut:
		out := make(map[string]groups.SampleGroups, sg.Len())
		for _, s := range sg.All() {
			out[string(method)+"."+s] = sg.Without(s)
		}
		return out, nil

	case Bootstrap:
		if rng == nil {
			return nil, fmt.Errorf("%w: bootstrap requires a random source", groups.ErrInvalidArgument)
		}
		out := make(map[string]groups.SampleGroups, n)
		for i := range n {
			ref := draw(sg.Samples(sg.Ref), rng)
			target := draw(sg.Samples(sg.Target), rng)
			out[iterName(method, i)] = sg.With(ref, target)
		}
		return out, nil

	case FixCells, FixSamples:
		out := make(map[string]groups.SampleGroups, n)
		for i := range n {
			out[iterName(method, i)] = sg.With(sg.Samples(sg.Ref), sg.Samples(sg.Target))
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: unknown resampling method %q", groups.ErrInvalidArgument, method)
}

func iterName(m Method, i int) string { return string(m) + "." + strconv.Itoa(i) }

// draw samples len(pool) names with replacement. Every drawn name gets a
// replicate suffix so duplicates stay distinct rows.
func draw(pool []string, rng *rand.Rand) []string {
	seen := make(map[string]int, len(pool))
	out := make([]string, len(pool))
	for i := range pool {
		s := pool[rng.Intn(len(pool))]
		out[i] = groups.ReplicateName(s, seen[s])
		seen[s]++
	}
	return out
}

// Options configures PrepareSamples.
type Options struct {
	Method Method
	// N is the iteration count for bootstrap, fix.cells and fix.samples.
	N int
	// FixNSamples is the per-condition sample count for fix.samples. 0 picks
	// the smaller group size minus one, never below 2.
	FixNSamples int
	// FixNCells is the per-(sample, cell type) cell count for fix.cells. 0
	// picks the 25th percentile of observed cell counts, never below 10.
	FixNCells int
	Seed      int64
}

// Input is the data every iteration is derived from.
type Input struct {
	Groups groups.SampleGroups
	// Pseudobulk is the primary collapse over every sample.
	Pseudobulk *pseudobulk.Collapsed
	// Cells and CellGroups are only needed for fix.cells, which recollapses
	// downsampled cells every iteration.
	Cells      map[string]*matrix.Matrix
	CellGroups map[string]string
	Collapse   pseudobulk.Options
}

// Iteration is one prepared resampling run.
type Iteration struct {
	Name       string
	Groups     groups.SampleGroups
	Pseudobulk *pseudobulk.Collapsed
	// FixNSamples is passed on to the DE driver.
	FixNSamples int
	// Seed drives every random choice made for this iteration.
	Seed int64
}

// PrepareSamples plans the iterations and builds the pseudo-bulk input of
// each one. Iterations are returned sorted by name and seeded from
// opts.Seed so a run is reproducible.
func PrepareSamples(in Input, opts Options) ([]Iteration, error) {
	if in.Pseudobulk == nil {
		return nil, fmt.Errorf("%w: no pseudo-bulk input", groups.ErrInvalidArgument)
	}
	rng := rand.New(rand.NewSource(opts.Seed))
	plan, err := Plan(in.Groups, opts.Method, opts.N, rng)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(plan))
	for n := range plan {
		names = append(names, n)
	}
	sort.Strings(names)

	fixSamples := 0
	if opts.Method == FixSamples {
		fixSamples = opts.FixNSamples
		if fixSamples <= 0 {
			fixSamples = DefaultFixNSamples(in.Groups)
		}
	}
	fixCells := 0
	if opts.Method == FixCells {
		if in.Cells == nil {
			return nil, fmt.Errorf("%w: fix.cells requires per-cell count matrices", groups.ErrInvalidArgument)
		}
		fixCells = opts.FixNCells
		if fixCells <= 0 {
			fixCells = DefaultFixNCells(in.Pseudobulk)
		}
	}

	out := make([]Iteration, 0, len(names))
	for i, name := range names {
		sg := plan[name]
		it := Iteration{
			Name:        name,
			Groups:      sg,
			FixNSamples: fixSamples,
			Seed:        opts.Seed + int64(i),
		}
		switch opts.Method {
		case FixCells:
			co := in.Collapse
			co.FixNCells = fixCells
			co.Rand = rand.New(rand.NewSource(it.Seed))
			if co.Logger != nil {
				co.Logger = co.Logger.With(zap.String("iteration", name))
			}
			it.Pseudobulk, err = pseudobulk.Collapse(in.Cells, in.CellGroups, co)
			if err != nil {
				return nil, fmt.Errorf("collapse %s: %w", name, err)
			}
		default:
			rename := make(map[string]string, sg.Len())
			for _, s := range sg.All() {
				rename[s] = groups.BaseSample(s)
			}
			it.Pseudobulk = in.Pseudobulk.Replicate(rename)
		}
		out = append(out, it)
	}
	return out, nil
}

// DefaultFixNSamples is the smaller group size minus one, never below 2.
func DefaultFixNSamples(sg groups.SampleGroups) int {
	n := min(len(sg.Samples(sg.Ref)), len(sg.Samples(sg.Target))) - 1
	return max(n, 2)
}

// DefaultFixNCells is the 25th percentile of per-(sample, cell type) cell
// counts, never below 10.
func DefaultFixNCells(pb *pseudobulk.Collapsed) int {
	var counts []float64
	for _, byType := range pb.CellCounts {
		for _, n := range byType {
			counts = append(counts, float64(n))
		}
	}
	q := stats.Quantile(counts, 0.25)
	if math.IsNaN(q) {
		return 10
	}
	return max(int(math.Floor(q)), 10)
}
