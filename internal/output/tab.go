// Package output provides tab-delimited result formatters.
package output

import (
	"bufio"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/inodb/vibe-cacoa/internal/de"
)

// missing is written for undefined numbers.
const missing = "NA"

func formatFloat(v float64) string {
	if math.IsNaN(v) {
		return missing
	}
	return strconv.FormatFloat(v, 'g', 6, 64)
}

// tabWriter writes rows of a fixed column set.
type tabWriter struct {
	w       *bufio.Writer
	columns []string
}

func newTabWriter(w io.Writer, columns []string) *tabWriter {
	return &tabWriter{w: bufio.NewWriter(w), columns: columns}
}

// WriteHeader writes the header line.
func (tw *tabWriter) WriteHeader() error {
	_, err := tw.w.WriteString(strings.Join(tw.columns, "\t") + "\n")
	return err
}

func (tw *tabWriter) row(values []string) error {
	_, err := tw.w.WriteString(strings.Join(values, "\t") + "\n")
	return err
}

// Flush flushes any buffered data to the underlying writer.
func (tw *tabWriter) Flush() error {
	return tw.w.Flush()
}

// DEWriter writes differential expression tables, one row per cell type
// and gene.
type DEWriter struct {
	*tabWriter
	extras    []string
	stability bool
}

var deColumns = []string{"cell_type", "gene", "log2FoldChange", "pvalue", "padj", "z", "za"}

var stabilityColumns = []string{"stab_mean_rank", "stab_median_rank", "stab_var_rank"}

// NewDEWriter creates a DE writer. extras are backend-specific columns
// (see ExtraColumns); stability adds the resampling rank columns.
func NewDEWriter(w io.Writer, extras []string, stability bool) *DEWriter {
	cols := append([]string(nil), deColumns...)
	cols = append(cols, extras...)
	if stability {
		cols = append(cols, stabilityColumns...)
	}
	return &DEWriter{tabWriter: newTabWriter(w, cols), extras: extras, stability: stability}
}

// Write writes every gene of r in its stored order.
func (dw *DEWriter) Write(r *de.Result) error {
	for _, g := range r.Genes {
		values := []string{
			r.CellType,
			g.Gene,
			formatFloat(g.Log2FoldChange),
			formatFloat(g.PValue),
			formatFloat(g.PAdj),
			formatFloat(g.Z),
			formatFloat(g.Za),
		}
		for _, e := range dw.extras {
			v, ok := g.Extra[e]
			if !ok {
				values = append(values, missing)
				continue
			}
			values = append(values, formatFloat(v))
		}
		if dw.stability {
			values = append(values,
				formatFloat(g.StabMeanRank), formatFloat(g.StabMedianRank), formatFloat(g.StabVarRank))
		}
		if err := dw.row(values); err != nil {
			return err
		}
	}
	return nil
}

// ExtraColumns returns the sorted union of backend-specific statistics
// present in results.
func ExtraColumns(results map[string]*de.Result) []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range results {
		for _, g := range r.Genes {
			for k := range g.Extra {
				if !seen[k] {
					seen[k] = true
					out = append(out, k)
				}
			}
		}
	}
	sort.Strings(out)
	return out
}

// WriteDE writes a complete DE table for results, cell types in sorted
// order.
func WriteDE(w io.Writer, results map[string]*de.Result) error {
	stability := false
	for _, r := range results {
		if len(r.Resamples) > 0 {
			stability = true
		}
	}
	dw := NewDEWriter(w, ExtraColumns(results), stability)
	if err := dw.WriteHeader(); err != nil {
		return err
	}
	names := make([]string, 0, len(results))
	for n := range results {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		if err := dw.Write(results[n]); err != nil {
			return err
		}
	}
	return dw.Flush()
}
