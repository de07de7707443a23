// Package pseudobulk collapses per-sample single-cell count matrices into
// per-cell-type pseudo-bulk profiles (one row per sample).
package pseudobulk

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"go.uber.org/zap"

	"github.com/inodb/vibe-cacoa/internal/matrix"
)

// Options controls collapsing.
type Options struct {
	// MinCellCount drops a (sample, cell type) profile built from fewer cells. 0 disables.
	MinCellCount int
	// MaxCellCount drops a (sample, cell type) profile built from more cells. 0 disables.
	MaxCellCount int
	// CommonGenes restricts output to genes present in every sample instead
	// of zero-filling the union.
	CommonGenes bool
	// FixNCells downsamples every (sample, cell type) to exactly this many
	// cells; profiles with fewer cells are dropped. Requires Rand.
	FixNCells int
	Rand      *rand.Rand
	// Logger receives a warning per cell type naming the dropped samples.
	Logger *zap.Logger
}

// DefaultOptions mirrors the usual pseudo-bulk settings.
func DefaultOptions() Options {
	return Options{MinCellCount: 10}
}

// Collapsed holds pseudo-bulk matrices keyed by cell type.
type Collapsed struct {
	// Matrices maps cell type to a samples × genes count matrix.
	Matrices map[string]*matrix.Matrix
	// CellCounts maps cell type -> sample -> contributing cell count, for
	// every profile kept in Matrices.
	CellCounts map[string]map[string]int
	Genes      []string
	// Dropped maps cell type to the samples whose profile failed the cell
	// count filters.
	Dropped map[string][]string
}

// CellTypes returns the sorted cell types.
func (c *Collapsed) CellTypes() []string {
	out := make([]string, 0, len(c.Matrices))
	for ct := range c.Matrices {
		out = append(out, ct)
	}
	sort.Strings(out)
	return out
}

// sampleProfile is one sample collapsed to cell types × genes.
type sampleProfile struct {
	types   []string
	dropped []string
	sums    *matrix.Matrix
	counts  map[string]int
}

// Collapse sums the cells of every sample by cell type. samples maps sample
// name to a cells × genes matrix; cellGroups maps cell name to cell type.
// Cells without a type are ignored. Filtering by cell count is applied per
// sample before profiles are merged across samples.
func Collapse(samples map[string]*matrix.Matrix, cellGroups map[string]string, opts Options) (*Collapsed, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("collapse: no samples")
	}
	if opts.FixNCells > 0 && opts.Rand == nil {
		return nil, fmt.Errorf("collapse: FixNCells requires a random source")
	}

	names := make([]string, 0, len(samples))
	for s := range samples {
		names = append(names, s)
	}
	sort.Strings(names)

	profiles := make(map[string]*sampleProfile, len(names))
	var sums []*matrix.Matrix
	for _, s := range names {
		p := collapseSample(samples[s], cellGroups, opts)
		profiles[s] = p
		sums = append(sums, p.sums)
	}

	var genes []string
	if opts.CommonGenes {
		genes = matrix.CommonGenes(sums)
	} else {
		genes = matrix.UnionGenes(sums)
	}

	rows := make(map[string][]string)
	dropped := make(map[string][]string)
	for _, s := range names {
		for _, ct := range profiles[s].types {
			rows[ct] = append(rows[ct], s)
		}
		for _, ct := range profiles[s].dropped {
			dropped[ct] = append(dropped[ct], s)
		}
	}

	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	for _, ct := range sortedKeys(dropped) {
		log.Warn("dropping pseudo-bulk profiles outside cell count limits",
			zap.String("cell_type", ct),
			zap.Strings("samples", dropped[ct]),
			zap.Int("min_cells", opts.MinCellCount),
			zap.Int("max_cells", opts.MaxCellCount),
			zap.Int("fix_cells", opts.FixNCells))
	}

	out := &Collapsed{
		Matrices:   make(map[string]*matrix.Matrix, len(rows)),
		CellCounts: make(map[string]map[string]int, len(rows)),
		Genes:      genes,
		Dropped:    dropped,
	}
	for ct, ss := range rows {
		m := matrix.New(ss, genes)
		counts := make(map[string]int, len(ss))
		for i, s := range ss {
			p := profiles[s]
			r, _ := p.sums.RowIndex(ct)
			src := p.sums.RowView(r)
			for j, g := range genes {
				if k, ok := p.sums.ColIndex(g); ok {
					m.Set(i, j, src[k])
				}
			}
			counts[s] = p.counts[ct]
		}
		out.Matrices[ct] = m
		out.CellCounts[ct] = counts
	}
	return out, nil
}

func collapseSample(cm *matrix.Matrix, cellGroups map[string]string, opts Options) *sampleProfile {
	members := make(map[string][]int)
	for i, cell := range cm.RowNames {
		ct, ok := cellGroups[cell]
		if !ok || ct == "" {
			continue
		}
		members[ct] = append(members[ct], i)
	}

	types := make([]string, 0, len(members))
	for ct := range members {
		types = append(types, ct)
	}
	sort.Strings(types)

	kept := types[:0]
	var dropped []string
	counts := make(map[string]int, len(types))
	for _, ct := range types {
		idx := members[ct]
		if opts.FixNCells > 0 {
			if len(idx) < opts.FixNCells {
				dropped = append(dropped, ct)
				continue
			}
			opts.Rand.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
			idx = idx[:opts.FixNCells]
			members[ct] = idx
		}
		n := len(idx)
		if (opts.MinCellCount > 0 && n < opts.MinCellCount) || (opts.MaxCellCount > 0 && n > opts.MaxCellCount) {
			dropped = append(dropped, ct)
			continue
		}
		kept = append(kept, ct)
		counts[ct] = n
	}

	sums := matrix.New(kept, cm.ColNames)
	_, nc := cm.Dims()
	for r, ct := range kept {
		for _, i := range members[ct] {
			row := cm.RowView(i)
			for j := 0; j < nc; j++ {
				sums.Set(r, j, sums.At(r, j)+row[j])
			}
		}
	}
	return &sampleProfile{types: kept, dropped: dropped, sums: sums, counts: counts}
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Replicate builds a Collapsed for a resampled set of sample names. rename
// maps every new sample name to the original sample it copies; a sample can
// be copied several times. Cell types keep only the renamed samples they have.
func (c *Collapsed) Replicate(rename map[string]string) *Collapsed {
	names := make([]string, 0, len(rename))
	for n := range rename {
		names = append(names, n)
	}
	sort.Strings(names)

	out := &Collapsed{
		Matrices:   make(map[string]*matrix.Matrix, len(c.Matrices)),
		CellCounts: make(map[string]map[string]int, len(c.Matrices)),
		Genes:      c.Genes,
	}
	for ct, m := range c.Matrices {
		var (
			idx  []int
			rows []string
		)
		counts := make(map[string]int)
		for _, n := range names {
			i, ok := m.RowIndex(rename[n])
			if !ok {
				continue
			}
			idx = append(idx, i)
			rows = append(rows, n)
			counts[n] = c.CellCounts[ct][rename[n]]
		}
		if len(idx) == 0 {
			continue
		}
		out.Matrices[ct] = m.SelectRows(idx).WithRowNames(rows)
		out.CellCounts[ct] = counts
	}
	return out
}

// LibrarySizes returns the total counts of every row.
func LibrarySizes(m *matrix.Matrix) []float64 { return m.RowSums() }

// Normalize scales every row to sum to scale and applies log1p, producing
// the log-scaled expression the shift engine works on. Rows with no counts
// stay zero.
func Normalize(m *matrix.Matrix, scale float64) *matrix.Matrix {
	if scale <= 0 {
		scale = 1e6
	}
	out := m.Clone()
	r, c := out.Dims()
	lib := LibrarySizes(m)
	for i := 0; i < r; i++ {
		if lib[i] == 0 {
			continue
		}
		f := scale / lib[i]
		for j := 0; j < c; j++ {
			out.Set(i, j, math.Log1p(out.At(i, j)*f))
		}
	}
	return out
}
