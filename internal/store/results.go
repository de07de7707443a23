package store

import (
	"database/sql"
	"database/sql/driver"
	"fmt"
	"math"

	"github.com/inodb/vibe-cacoa/internal/de"
	"github.com/inodb/vibe-cacoa/internal/shift"
)

// WriteDE batch-inserts the gene tables of results under runID.
// Backend-specific statistics are not stored.
func (s *Store) WriteDE(runID string, results map[string]*de.Result) error {
	var rows [][]driver.Value
	for ct, r := range results {
		test := r.Test.String()
		for _, g := range r.Genes {
			rows = append(rows, []driver.Value{
				runID, ct, test, g.Gene,
				nullable(g.Log2FoldChange), nullable(g.PValue), nullable(g.PAdj),
				nullable(g.Z), nullable(g.Za),
				nullable(g.StabMeanRank), nullable(g.StabMedianRank), nullable(g.StabVarRank),
			})
		}
	}
	return s.appendRows("de_results", rows)
}

// LookupDE returns a cell type's genes in ascending p-value order,
// undefined p-values last.
func (s *Store) LookupDE(runID, cellType string) ([]de.GeneStat, error) {
	return s.queryGenes(`WHERE run_id=? AND cell_type=?
		ORDER BY pvalue ASC NULLS LAST, gene`, runID, cellType)
}

// TopGenes returns up to n genes of a cell type with padj at most maxPadj,
// ordered by adjusted p-value then absolute fold change.
func (s *Store) TopGenes(runID, cellType string, n int, maxPadj float64) ([]de.GeneStat, error) {
	maxPadj = padjOrOne(maxPadj)
	return s.queryGenes(`WHERE run_id=? AND cell_type=? AND padj <= ?
		ORDER BY padj ASC, abs(log2_fold_change) DESC NULLS LAST, gene
		LIMIT ?`, runID, cellType, maxPadj, n)
}

// DECellTypes lists the cell types stored for a run.
func (s *Store) DECellTypes(runID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT cell_type FROM de_results WHERE run_id=? ORDER BY cell_type`, runID)
	if err != nil {
		return nil, fmt.Errorf("query cell types: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var ct string
		if err := rows.Scan(&ct); err != nil {
			return nil, fmt.Errorf("scan cell type: %w", err)
		}
		out = append(out, ct)
	}
	return out, rows.Err()
}

func (s *Store) queryGenes(where string, args ...any) ([]de.GeneStat, error) {
	rows, err := s.db.Query(`SELECT
		gene, log2_fold_change, pvalue, padj, z, za,
		stab_mean_rank, stab_median_rank, stab_var_rank
		FROM de_results `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query de results: %w", err)
	}
	defer rows.Close()

	var out []de.GeneStat
	for rows.Next() {
		var g de.GeneStat
		var lfc, p, padj, z, za, mean, median, variance sql.NullFloat64
		if err := rows.Scan(&g.Gene, &lfc, &p, &padj, &z, &za, &mean, &median, &variance); err != nil {
			return nil, fmt.Errorf("scan de result: %w", err)
		}
		g.Log2FoldChange, g.PValue, g.PAdj = orNaN(lfc), orNaN(p), orNaN(padj)
		g.Z, g.Za = orNaN(z), orNaN(za)
		g.StabMeanRank, g.StabMedianRank, g.StabVarRank = orNaN(mean), orNaN(median), orNaN(variance)
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate de results: %w", err)
	}
	return out, nil
}

// WriteShift inserts the per-type summaries of res under runID.
func (s *Store) WriteShift(runID string, res *shift.Result) error {
	var rows [][]driver.Value
	for ct, r := range res.Types {
		rows = append(rows, []driver.Value{
			runID, ct, int64(r.NRef), int64(r.NTarget), string(r.Distance), int64(r.Dims),
			nullable(r.Observed), nullable(r.Statistic), nullable(r.PValue), nullable(r.PAdj),
		})
	}
	return s.appendRows("expression_shifts", rows)
}

// LookupShift returns a run's per-type summaries ordered by adjusted
// p-value. Distance matrices and null distributions are not stored.
func (s *Store) LookupShift(runID string) ([]*shift.TypeResult, error) {
	rows, err := s.db.Query(`SELECT
		cell_type, n_ref, n_target, distance, dims, observed, statistic, pvalue, padj
		FROM expression_shifts WHERE run_id=?
		ORDER BY padj ASC NULLS LAST, cell_type`, runID)
	if err != nil {
		return nil, fmt.Errorf("query shifts: %w", err)
	}
	defer rows.Close()

	var out []*shift.TypeResult
	for rows.Next() {
		var r shift.TypeResult
		var nRef, nTarget, dims int64
		var dist string
		var obs, stat, p, padj sql.NullFloat64
		if err := rows.Scan(&r.CellType, &nRef, &nTarget, &dist, &dims, &obs, &stat, &p, &padj); err != nil {
			return nil, fmt.Errorf("scan shift: %w", err)
		}
		r.NRef, r.NTarget, r.Dims = int(nRef), int(nTarget), int(dims)
		r.Distance = shift.Distance(dist)
		r.Observed, r.Statistic, r.PValue, r.PAdj = orNaN(obs), orNaN(stat), orNaN(p), orNaN(padj)
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate shifts: %w", err)
	}
	return out, nil
}

// padjOrOne treats a non-positive cutoff as no cutoff.
func padjOrOne(v float64) float64 {
	if v <= 0 || math.IsNaN(v) {
		return 1
	}
	return v
}
