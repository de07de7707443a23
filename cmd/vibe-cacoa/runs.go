package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/inodb/vibe-cacoa/internal/groups"
	"github.com/inodb/vibe-cacoa/internal/store"
)

func requireStore() (*store.Store, error) {
	st, err := openStore()
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, fmt.Errorf("%w: --db is required", groups.ErrInvalidArgument)
	}
	return st, nil
}

func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List analysis runs recorded in the database",
		Example: `  vibe-cacoa runs --db runs.duckdb
  vibe-cacoa runs --db runs.duckdb --kind shift`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := bindFlags(cmd); err != nil {
				return err
			}
			st, err := requireStore()
			if err != nil {
				return err
			}
			defer st.Close()

			runs, err := st.Runs(viper.GetString("kind"))
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintln(w, strings.Join([]string{"run_id", "kind", "created_at", "dataset", "ref", "target"}, "\t"))
			for _, r := range runs {
				fmt.Fprintln(w, strings.Join([]string{
					r.ID, r.Kind, r.CreatedAt.Format(time.RFC3339), r.Dataset.Path, r.Ref, r.Target,
				}, "\t"))
			}
			return nil
		},
	}
	cmd.Flags().String("kind", "", "Only list runs of this kind: de, shift")
	cmd.AddCommand(newRunsRmCmd())
	return cmd
}

func newRunsRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "rm <run-id>...",
		Short:   "Delete stored runs and their results",
		Example: `  vibe-cacoa runs rm --db runs.duckdb 3f2c...`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := bindFlags(cmd); err != nil {
				return err
			}
			st, err := requireStore()
			if err != nil {
				return err
			}
			defer st.Close()

			for _, id := range args {
				if _, err := st.GetRun(id); err != nil {
					return fmt.Errorf("run %s: %w", id, err)
				}
				if err := st.DeleteRun(id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted run %s\n", id)
			}
			return nil
		},
	}
}

func newTopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "top <run-id> [cell-type...]",
		Short: "Show the top differentially expressed genes of a stored run",
		Example: `  vibe-cacoa top --db runs.duckdb 3f2c...
  vibe-cacoa top --db runs.duckdb -n 50 --padj 0.01 3f2c... "CD4 T"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := bindFlags(cmd); err != nil {
				return err
			}
			st, err := requireStore()
			if err != nil {
				return err
			}
			defer st.Close()

			run, err := st.GetRun(args[0])
			if err != nil {
				return err
			}
			if run.Kind != store.KindDE {
				return fmt.Errorf("%w: run %s is a %s run", groups.ErrInvalidArgument, run.ID, run.Kind)
			}
			cts := args[1:]
			if len(cts) == 0 {
				if cts, err = st.DECellTypes(run.ID); err != nil {
					return err
				}
			}

			w := cmd.OutOrStdout()
			fmt.Fprintln(w, "cell_type\tgene\tlog2FoldChange\tpadj")
			for _, ct := range cts {
				genes, err := st.TopGenes(run.ID, ct, viper.GetInt("n"), viper.GetFloat64("padj"))
				if err != nil {
					return err
				}
				for _, g := range genes {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", ct, g.Gene,
						strconv.FormatFloat(g.Log2FoldChange, 'g', 4, 64),
						strconv.FormatFloat(g.PAdj, 'g', 4, 64))
				}
			}
			return nil
		},
	}
	cmd.Flags().IntP("n", "n", 20, "Genes per cell type")
	cmd.Flags().Float64("padj", 0.05, "Adjusted p-value cutoff")
	return cmd
}
