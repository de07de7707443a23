package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/inodb/vibe-cacoa/internal/de"
	"github.com/inodb/vibe-cacoa/internal/output"
	"github.com/inodb/vibe-cacoa/internal/resample"
	"github.com/inodb/vibe-cacoa/internal/store"
)

// deParams are the options that determine a DE run's results. They are
// recorded with every stored run.
type deParams struct {
	Test        string   `yaml:"test"`
	Covariates  []string `yaml:"covariates,omitempty"`
	FixSamples  int      `yaml:"fix_samples,omitempty"`
	Seed        int64    `yaml:"seed"`
	MinCounts   float64  `yaml:"min_counts,omitempty"`
	MinCells    int      `yaml:"min_cells"`
	MaxCells    int      `yaml:"max_cells,omitempty"`
	CommonGenes bool     `yaml:"common_genes,omitempty"`
	Resampling  string   `yaml:"resampling,omitempty"`
	NResamples  int      `yaml:"n_resamples,omitempty"`
	FixCells    int      `yaml:"fix_cells,omitempty"`
	Statistic   string   `yaml:"statistic,omitempty"`
}

func newDECmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "de <dataset-dir>",
		Short: "Differential expression between conditions per cell type",
		Long: `Collapse cells to per-sample pseudo-bulk profiles and test every gene of
every cell type for differential expression between the reference and the
target condition. With --resampling, the analysis is repeated on resampled
data and genes get stability ranks.`,
		Example: `  vibe-cacoa de --ref healthy data/
  vibe-cacoa de --ref healthy --test edger --covariates sex,age -o de.tsv data/
  vibe-cacoa de --ref healthy --resampling loo --db runs.duckdb data/`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := bindFlags(cmd); err != nil {
				return err
			}
			return runDE(cmd.Context(), args[0], cmd.OutOrStdout())
		},
	}

	addDatasetFlags(cmd)
	f := cmd.Flags()
	f.String("test", de.DefaultTest.String(), "DE test: deseq2[.wald|.lrt], edger, limma-voom, wilcoxon.<norm>, t-test.<norm>")
	f.StringSlice("covariates", nil, "samples.tsv columns to include in the model")
	f.Int("fix-samples", 0, "Subsample every condition to this many samples")
	f.Int64("seed", 1, "Random seed")
	f.Float64("min-counts", 0, "Drop genes with fewer total counts in a cell type")
	f.String("resampling", "", "Stability resampling: loo, bootstrap, fix.cells, fix.samples")
	f.Int("n-resamples", 30, "Iterations for bootstrap and fixed-size resampling")
	f.Int("fix-cells", 0, "Cells per profile for fix.cells (default from cell counts)")
	f.String("stat", string(de.StatPValue), "Statistic ranked for stability: pvalue, padj, z")
	f.StringP("output", "o", "", "Output file (default: stdout)")
	f.Bool("reuse", false, "Print a stored run with identical inputs instead of recomputing (requires --db)")
	return cmd
}

func deParamsFromConfig() deParams {
	return deParams{
		Test:        viper.GetString("test"),
		Covariates:  viper.GetStringSlice("covariates"),
		FixSamples:  viper.GetInt("fix-samples"),
		Seed:        viper.GetInt64("seed"),
		MinCounts:   viper.GetFloat64("min-counts"),
		MinCells:    viper.GetInt("min-cells"),
		MaxCells:    viper.GetInt("max-cells"),
		CommonGenes: viper.GetBool("common-genes"),
		Resampling:  viper.GetString("resampling"),
		NResamples:  viper.GetInt("n-resamples"),
		FixCells:    viper.GetInt("fix-cells"),
		Statistic:   viper.GetString("stat"),
	}
}

func runDE(ctx context.Context, dir string, stdout io.Writer) error {
	log := newLogger()
	defer log.Sync() //nolint:errcheck
	exec := newExec(log, true)
	params := deParamsFromConfig()

	test, err := de.ParseTest(params.Test)
	if err != nil {
		return err
	}
	stat, err := de.ParseStatistic(params.Statistic)
	if err != nil {
		return err
	}
	var method resample.Method
	if params.Resampling != "" {
		if method, err = resample.ParseMethod(params.Resampling); err != nil {
			return err
		}
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	if st != nil {
		defer st.Close()
	}
	fp, err := store.StatDataset(dir)
	if err != nil {
		return fmt.Errorf("fingerprint dataset: %w", err)
	}

	if viper.GetBool("reuse") && st != nil {
		run, err := st.FindRun(store.KindDE, fp, params)
		switch {
		case err == nil:
			log.Info("reusing stored run", zap.String("run_id", run.ID))
			return writeStoredDE(st, run.ID, test, params.Resampling != "", viper.GetString("output"), stdout)
		case !errors.Is(err, store.ErrNotFound):
			return err
		}
	}

	ds, err := loadDataset(ctx, dir, exec)
	if err != nil {
		return err
	}
	covariates, err := selectCovariates(ds.covariates, params.Covariates)
	if err != nil {
		return err
	}

	in := de.Input{
		Pseudobulk: ds.collapsed,
		Groups:     ds.groups,
		Covariates: covariates,
		Cells:      ds.cells,
		CellGroups: ds.cellGroups,
		Collapse:   ds.collapse,
	}
	opts := de.Options{
		Test:             test,
		FixNSamples:      params.FixSamples,
		Seed:             params.Seed,
		MinCountsPerGene: params.MinCounts,
		Logger:           log,
	}

	var results map[string]*de.Result
	if method != "" {
		ropts := de.ResampleOptions{
			Options: resample.Options{
				Method:      method,
				N:           params.NResamples,
				FixNSamples: params.FixSamples,
				FixNCells:   params.FixCells,
				Seed:        params.Seed,
			},
			Statistic: stat,
		}
		results, err = de.EstimateResampled(ctx, in, ropts, opts, exec)
	} else {
		results, err = de.Estimate(ctx, in, opts, exec)
	}
	if err != nil {
		return err
	}
	log.Info("differential expression done", zap.String("test", test.String()), zap.Int("cell_types", len(results)))

	out, closeOut, err := openOutputTo(viper.GetString("output"), stdout)
	if err != nil {
		return err
	}
	if err := output.WriteDE(out, results); err != nil {
		closeOut()
		return fmt.Errorf("writing results: %w", err)
	}
	if err := closeOut(); err != nil {
		return err
	}

	if st == nil {
		return nil
	}
	run, err := store.NewRun(store.KindDE, fp, ds.groups.Ref, ds.groups.Target, params)
	if err != nil {
		return err
	}
	if err := st.CreateRun(run); err != nil {
		return fmt.Errorf("recording run: %w", err)
	}
	if err := st.WriteDE(run.ID, results); err != nil {
		return fmt.Errorf("recording results: %w", err)
	}
	log.Info("stored run", zap.String("run_id", run.ID), zap.String("db", st.Path()))
	return nil
}

// writeStoredDE prints a stored run's gene tables.
func writeStoredDE(st *store.Store, runID string, test de.Test, stability bool, path string, stdout io.Writer) error {
	cts, err := st.DECellTypes(runID)
	if err != nil {
		return err
	}
	out, closeOut, err := openOutputTo(path, stdout)
	if err != nil {
		return err
	}
	w := output.NewDEWriter(out, nil, stability)
	if err := w.WriteHeader(); err != nil {
		closeOut()
		return err
	}
	for _, ct := range cts {
		genes, err := st.LookupDE(runID, ct)
		if err != nil {
			closeOut()
			return err
		}
		if err := w.Write(&de.Result{CellType: ct, Test: test, Genes: genes}); err != nil {
			closeOut()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		closeOut()
		return err
	}
	return closeOut()
}
