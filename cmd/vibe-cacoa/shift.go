package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/inodb/vibe-cacoa/internal/matrix"
	"github.com/inodb/vibe-cacoa/internal/output"
	"github.com/inodb/vibe-cacoa/internal/pseudobulk"
	"github.com/inodb/vibe-cacoa/internal/shift"
	"github.com/inodb/vibe-cacoa/internal/store"
)

// shiftParams are the options that determine a shift run's results.
type shiftParams struct {
	Distance      string  `yaml:"distance,omitempty"`
	Norm          string  `yaml:"norm"`
	Analysis      string  `yaml:"analysis"`
	Permutations  int     `yaml:"permutations"`
	Trim          float64 `yaml:"trim"`
	TopNGenes     int     `yaml:"top_n_genes,omitempty"`
	GeneSelection string  `yaml:"gene_selection,omitempty"`
	NPCs          int     `yaml:"n_pcs,omitempty"`
	MinSamples    int     `yaml:"min_samples"`
	Seed          int64   `yaml:"seed"`
	MinCells      int     `yaml:"min_cells"`
	MaxCells      int     `yaml:"max_cells,omitempty"`
	CommonGenes   bool    `yaml:"common_genes,omitempty"`
}

func newShiftCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shift <dataset-dir>",
		Short: "Expression-shift magnitude between conditions per cell type",
		Long: `Measure how far each cell type's pseudo-bulk expression moves between the
reference and the target condition, relative to the variation within
conditions, and test it by permuting condition labels.`,
		Example: `  vibe-cacoa shift --ref healthy data/
  vibe-cacoa shift --ref healthy --distance cor --top-genes 500 --gene-selection variance data/
  vibe-cacoa shift --ref healthy --analysis var --distances dists.tsv data/`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := bindFlags(cmd); err != nil {
				return err
			}
			return runShift(cmd.Context(), args[0], cmd.OutOrStdout())
		},
	}

	addDatasetFlags(cmd)
	d := shift.DefaultOptions()
	f := cmd.Flags()
	f.String("distance", "", "Distance: l1, l2, cor (default by dimensionality)")
	f.String("norm", string(d.Norm), "Within-condition baseline: both, ref, none")
	f.String("analysis", string(d.Analysis), "Statistic: shift, total, var")
	f.Int("permutations", d.NPermutations, "Label permutations per cell type")
	f.Float64("trim", d.Trim, "Fraction trimmed from each end of the distances")
	f.Int("top-genes", 0, "Compute distances on this many selected genes (0 = all)")
	f.String("gene-selection", "", "Gene selection for --top-genes: variance, ranksum, overdispersion")
	f.Int("pcs", 0, "Project onto this many principal components first (0 = none)")
	f.Int("min-samples", d.MinSamplesPerGroup, "Skip cell types with fewer samples per condition")
	f.Int64("seed", 1, "Random seed")
	f.StringP("output", "o", "", "Output file (default: stdout)")
	f.String("distances", "", "Also write pairwise sample distances to this file")
	return cmd
}

func shiftParamsFromConfig() shiftParams {
	return shiftParams{
		Distance:      viper.GetString("distance"),
		Norm:          viper.GetString("norm"),
		Analysis:      viper.GetString("analysis"),
		Permutations:  viper.GetInt("permutations"),
		Trim:          viper.GetFloat64("trim"),
		TopNGenes:     viper.GetInt("top-genes"),
		GeneSelection: viper.GetString("gene-selection"),
		NPCs:          viper.GetInt("pcs"),
		MinSamples:    viper.GetInt("min-samples"),
		Seed:          viper.GetInt64("seed"),
		MinCells:      viper.GetInt("min-cells"),
		MaxCells:      viper.GetInt("max-cells"),
		CommonGenes:   viper.GetBool("common-genes"),
	}
}

func (p shiftParams) options() (shift.Options, error) {
	dist, err := shift.ParseDistance(p.Distance)
	if err != nil {
		return shift.Options{}, err
	}
	norm, err := shift.ParseNormalization(p.Norm)
	if err != nil {
		return shift.Options{}, err
	}
	analysis, err := shift.ParseAnalysis(p.Analysis)
	if err != nil {
		return shift.Options{}, err
	}
	sel, err := shift.ParseGeneSelection(p.GeneSelection)
	if err != nil {
		return shift.Options{}, err
	}
	trim := p.Trim
	if trim == 0 {
		trim = shift.NoTrim
	}
	return shift.Options{
		Distance:           dist,
		Norm:               norm,
		Analysis:           analysis,
		NPermutations:      p.Permutations,
		Trim:               trim,
		TopNGenes:          p.TopNGenes,
		GeneSelection:      sel,
		NPCs:               p.NPCs,
		MinSamplesPerGroup: p.MinSamples,
		Seed:               p.Seed,
	}, nil
}

func runShift(ctx context.Context, dir string, stdout io.Writer) error {
	log := newLogger()
	defer log.Sync() //nolint:errcheck
	exec := newExec(log, true)
	params := shiftParamsFromConfig()
	opts, err := params.options()
	if err != nil {
		return err
	}

	ds, err := loadDataset(ctx, dir, exec)
	if err != nil {
		return err
	}

	exprs := make(map[string]*matrix.Matrix, len(ds.collapsed.Matrices))
	for ct, m := range ds.collapsed.Matrices {
		exprs[ct] = pseudobulk.Normalize(m, 0)
	}
	res, err := shift.Estimate(ctx, exprs, ds.collapsed.CellCounts, ds.groups, opts, exec)
	if err != nil {
		return err
	}
	log.Info("expression shifts done", zap.Int("cell_types", len(res.Types)), zap.Int("failed", len(res.Failed)))

	out, closeOut, err := openOutputTo(viper.GetString("output"), stdout)
	if err != nil {
		return err
	}
	if err := output.WriteShift(out, res); err != nil {
		closeOut()
		return fmt.Errorf("writing results: %w", err)
	}
	if err := closeOut(); err != nil {
		return err
	}

	if path := viper.GetString("distances"); path != "" {
		f, closeDist, err := openOutputTo(path, stdout)
		if err != nil {
			return err
		}
		if err := output.WriteDistances(f, res); err != nil {
			closeDist()
			return fmt.Errorf("writing distances: %w", err)
		}
		if err := closeDist(); err != nil {
			return err
		}
	}

	st, err := openStore()
	if err != nil || st == nil {
		return err
	}
	defer st.Close()
	fp, err := store.StatDataset(dir)
	if err != nil {
		return fmt.Errorf("fingerprint dataset: %w", err)
	}
	run, err := store.NewRun(store.KindShift, fp, ds.groups.Ref, ds.groups.Target, params)
	if err != nil {
		return err
	}
	if err := st.CreateRun(run); err != nil {
		return fmt.Errorf("recording run: %w", err)
	}
	if err := st.WriteShift(run.ID, res); err != nil {
		return fmt.Errorf("recording results: %w", err)
	}
	log.Info("stored run", zap.String("run_id", run.ID), zap.String("db", st.Path()))
	return nil
}
