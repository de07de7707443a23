package output

import (
	"io"
	"strconv"

	"github.com/inodb/vibe-cacoa/internal/shift"
)

var shiftColumns = []string{
	"cell_type", "n_ref", "n_target", "distance", "dims",
	"observed", "statistic", "pvalue", "padj",
}

// WriteShift writes one summary row per cell type, most significant first.
func WriteShift(w io.Writer, res *shift.Result) error {
	tw := newTabWriter(w, shiftColumns)
	if err := tw.WriteHeader(); err != nil {
		return err
	}
	for _, ct := range res.CellTypes() {
		r := res.Types[ct]
		err := tw.row([]string{
			ct,
			strconv.Itoa(r.NRef),
			strconv.Itoa(r.NTarget),
			string(r.Distance),
			strconv.Itoa(r.Dims),
			formatFloat(r.Observed),
			formatFloat(r.Statistic),
			formatFloat(r.PValue),
			formatFloat(r.PAdj),
		})
		if err != nil {
			return err
		}
	}
	return tw.Flush()
}

var distanceColumns = []string{"cell_type", "sample1", "sample2", "distance", "cells1", "cells2"}

// WriteDistances writes every cell type's sample pairs in long form. Cell
// counts are NA when unknown.
func WriteDistances(w io.Writer, res *shift.Result) error {
	tw := newTabWriter(w, distanceColumns)
	if err := tw.WriteHeader(); err != nil {
		return err
	}
	cells := func(dm *shift.DistanceMatrix, s string) string {
		if n, ok := dm.CellCounts[s]; ok {
			return strconv.Itoa(n)
		}
		return missing
	}
	for _, ct := range res.CellTypes() {
		dm := res.Types[ct].Distances
		for i, a := range dm.Samples {
			for j := i + 1; j < len(dm.Samples); j++ {
				b := dm.Samples[j]
				err := tw.row([]string{ct, a, b, formatFloat(dm.At(i, j)), cells(dm, a), cells(dm, b)})
				if err != nil {
					return err
				}
			}
		}
	}
	return tw.Flush()
}
