package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/inodb/vibe-cacoa/internal/groups"
	"github.com/inodb/vibe-cacoa/internal/matrix"
	"github.com/inodb/vibe-cacoa/internal/parallel"
	"github.com/inodb/vibe-cacoa/internal/pseudobulk"
	"github.com/inodb/vibe-cacoa/internal/source"
	"github.com/inodb/vibe-cacoa/internal/store"
)

// dataset is a loaded input directory collapsed to pseudo-bulk.
type dataset struct {
	dir        string
	groups     groups.SampleGroups
	covariates map[string]map[string]string
	cells      map[string]*matrix.Matrix
	cellGroups map[string]string
	collapse   pseudobulk.Options
	collapsed  *pseudobulk.Collapsed
}

// addDatasetFlags registers the input flags shared by the analysis commands.
func addDatasetFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("ref", "", "Reference condition (required unless set in config)")
	f.Int("min-cells", pseudobulk.DefaultOptions().MinCellCount, "Drop sample profiles built from fewer cells")
	f.Int("max-cells", 0, "Drop sample profiles built from more cells (0 = no limit)")
	f.Bool("common-genes", false, "Use genes present in every sample instead of the union")
	f.Int("cache-size", source.DefaultCacheSize, "Sample count matrices kept in memory")
}

// bindFlags makes cmd's flags the source of their viper keys. Subcommands
// share flag names, so binding happens when a command runs rather than when
// it is built.
func bindFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}

// loadDataset reads dir, builds the sample groups and collapses cells to
// pseudo-bulk profiles.
func loadDataset(ctx context.Context, dir string, exec parallel.Exec) (*dataset, error) {
	log := exec.Log()
	ref := viper.GetString("ref")
	if ref == "" {
		return nil, fmt.Errorf("%w: --ref is required", groups.ErrInvalidArgument)
	}

	p, err := source.Open(dir, viper.GetInt("cache-size"), exec)
	if err != nil {
		return nil, err
	}
	design, err := p.Design()
	if err != nil {
		return nil, err
	}
	sg, err := design.Groups(ref)
	if err != nil {
		return nil, err
	}
	if err := sg.Validate(p.Samples()); err != nil {
		return nil, err
	}

	cellGroups, err := p.CellGroups()
	if err != nil {
		return nil, err
	}
	cells, err := p.RawCountMatrices(ctx)
	if err != nil {
		return nil, err
	}
	log.Info("loaded dataset",
		zap.String("dir", dir),
		zap.Int("samples", len(cells)),
		zap.Int("cell_types", len(source.CellTypes(cellGroups))),
		zap.String("groups", sg.String()))

	opts := pseudobulk.Options{
		MinCellCount: viper.GetInt("min-cells"),
		MaxCellCount: viper.GetInt("max-cells"),
		CommonGenes:  viper.GetBool("common-genes"),
		Logger:       log,
	}
	collapsed, err := pseudobulk.Collapse(cells, cellGroups, opts)
	if err != nil {
		return nil, err
	}
	for _, ct := range collapsed.CellTypes() {
		log.Debug("collapsed cell type", zap.String("cell_type", ct),
			zap.Int("samples", len(collapsed.Matrices[ct].RowNames)))
	}

	return &dataset{
		dir:        dir,
		groups:     sg,
		covariates: design.Covariates,
		cells:      cells,
		cellGroups: cellGroups,
		collapse:   opts,
		collapsed:  collapsed,
	}, nil
}

// selectCovariates keeps the named covariate columns.
func selectCovariates(all map[string]map[string]string, names []string) (map[string]map[string]string, error) {
	out := make(map[string]map[string]string, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		col, ok := all[n]
		if !ok {
			return nil, fmt.Errorf("%w: unknown covariate %q", groups.ErrInvalidArgument, n)
		}
		out[n] = col
	}
	return out, nil
}

// openStore opens the run database configured by --db, or returns nil.
func openStore() (*store.Store, error) {
	path := viper.GetString("db")
	if path == "" {
		return nil, nil
	}
	return store.Open(path)
}
