package main

import (
	"bytes"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inodb/vibe-cacoa/internal/groups"
	"github.com/inodb/vibe-cacoa/internal/store"
)

// writeDataset lays out 3 ctrl and 3 case samples with T and B cells; T
// cells of case samples express g00-g02 four times higher.
func writeDataset(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "counts"), 0o755))
	rng := rand.New(rand.NewSource(1))

	genes := make([]string, 20)
	for j := range genes {
		genes[j] = fmt.Sprintf("g%02d", j)
	}
	var cells, samples strings.Builder
	cells.WriteString("cell\tcell_type\n")
	samples.WriteString("sample\tcondition\tsex\n")

	for s := 0; s < 6; s++ {
		name := fmt.Sprintf("s%d", s)
		cond := "ctrl"
		if s >= 3 {
			cond = "case"
		}
		fmt.Fprintf(&samples, "%s\t%s\t%s\n", name, cond, []string{"F", "M"}[s%2])

		var counts strings.Builder
		counts.WriteString("cell\t" + strings.Join(genes, "\t") + "\n")
		for c := 0; c < 30; c++ {
			cell := fmt.Sprintf("%s_c%02d", name, c)
			ct := "T"
			if c >= 15 {
				ct = "B"
			}
			fmt.Fprintf(&cells, "%s\t%s\n", cell, ct)
			counts.WriteString(cell)
			for j := range genes {
				mu := 2 + float64(j%5)
				if ct == "T" && cond == "case" && j < 3 {
					mu *= 4
				}
				fmt.Fprintf(&counts, "\t%d", rng.Intn(int(2*mu)+1))
			}
			counts.WriteString("\n")
		}
		require.NoError(t, os.WriteFile(filepath.Join(dir, "counts", name+".tsv"), []byte(counts.String()), 0o644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cells.tsv"), []byte(cells.String()), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "samples.tsv"), []byte(samples.String()), 0o644))
	return dir
}

// execute runs the CLI with fresh configuration and returns its stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	viper.Reset()
	t.Setenv("HOME", t.TempDir())
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimRight(string(b), "\n"), "\n")
}

func TestDECommand(t *testing.T) {
	data := writeDataset(t)
	work := t.TempDir()
	db := filepath.Join(work, "runs.duckdb")
	tsv := filepath.Join(work, "de.tsv")

	_, err := execute(t, "de", "--ref", "ctrl", "--test", "wilcoxon", "--covariates", "sex",
		"-j", "2", "--db", db, "-o", tsv, data)
	require.NoError(t, err)

	lines := readLines(t, tsv)
	require.Len(t, lines, 1+2*20)
	assert.True(t, strings.HasPrefix(lines[0], "cell_type\tgene\tlog2FoldChange\tpvalue\tpadj"))

	out, err := execute(t, "runs", "--db", db)
	require.NoError(t, err)
	rows := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, rows, 2)
	runID := strings.Split(rows[1], "\t")[0]
	assert.Contains(t, rows[1], "\tde\t")

	out, err = execute(t, "top", "--db", db, "--padj", "1", "-n", "3", runID, "T")
	require.NoError(t, err)
	top := strings.Split(strings.TrimSpace(out), "\n")
	assert.Len(t, top, 4)

	out, err = execute(t, "de", "--ref", "ctrl", "--test", "wilcoxon", "--covariates", "sex",
		"--db", db, "--reuse", data)
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 1+2*20)

	_, err = execute(t, "runs", "rm", "--db", db, runID)
	require.NoError(t, err)
	out, err = execute(t, "runs", "--db", db)
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 1, "header only")

	_, err = execute(t, "runs", "rm", "--db", db, runID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDECommand_Resampling(t *testing.T) {
	data := writeDataset(t)
	out, err := execute(t, "de", "--ref", "ctrl", "--test", "t-test", "--resampling", "loo", data)
	require.NoError(t, err)
	header := strings.Split(strings.SplitN(out, "\n", 2)[0], "\t")
	assert.Contains(t, header, "stab_mean_rank")
}

func TestDECommand_FixSamplesResampling(t *testing.T) {
	data := writeDataset(t)
	// Keeping all 3 samples per condition makes every iteration equal the
	// primary run, so rank variances vanish.
	out, err := execute(t, "de", "--ref", "ctrl", "--test", "wilcoxon", "--resampling", "fix.samples",
		"--fix-samples", "3", "--n-resamples", "4", data)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 1+2*20)
	header := strings.Split(lines[0], "\t")
	col := -1
	for i, h := range header {
		if h == "stab_var_rank" {
			col = i
		}
	}
	require.NotEqual(t, -1, col)
	for _, line := range lines[1:] {
		assert.Equal(t, "0", strings.Split(line, "\t")[col], line)
	}
}

func TestShiftCommand(t *testing.T) {
	data := writeDataset(t)
	work := t.TempDir()
	dists := filepath.Join(work, "dists.tsv")

	out, err := execute(t, "shift", "--ref", "ctrl", "--permutations", "30", "--distances", dists,
		"--db", filepath.Join(work, "runs.duckdb"), data)
	require.NoError(t, err)
	rows := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, rows, 3)
	assert.Equal(t, "cell_type\tn_ref\tn_target\tdistance\tdims\tobserved\tstatistic\tpvalue\tpadj", rows[0])

	assert.Len(t, readLines(t, dists), 1+2*15, "15 sample pairs per cell type")
}

func TestArgumentErrors(t *testing.T) {
	data := writeDataset(t)

	viper.Reset()
	t.Setenv("HOME", t.TempDir())
	assert.Equal(t, ExitUsage, run([]string{"de", data}), "missing --ref")
	viper.Reset()
	assert.Equal(t, ExitUsage, run([]string{"de", "--ref", "ctrl", "--test", "mast", data}))
	viper.Reset()
	assert.Equal(t, ExitUsage, run([]string{"shift", "--ref", "ctrl", "--distance", "cosine", data}))
	viper.Reset()
	assert.Equal(t, ExitUsage, run([]string{"de", "--ref", "ctrl", "--resampling", "loo", "--stat", "lfc", data}))
	viper.Reset()
	assert.Equal(t, ExitError, run([]string{"de", "--ref", "ctrl", t.TempDir()}))
	viper.Reset()
	assert.Equal(t, ExitUsage, run([]string{"runs"}), "missing --db")
}

func TestConfigSetGet(t *testing.T) {
	viper.Reset()
	home := t.TempDir()
	t.Setenv("HOME", home)

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"config", "set", "ref", "healthy"})
	require.NoError(t, root.Execute())
	assert.FileExists(t, filepath.Join(home, configName+".yaml"))

	viper.Reset()
	root = newRootCmd()
	out.Reset()
	root.SetOut(&out)
	root.SetArgs([]string{"config", "get", "ref"})
	require.NoError(t, root.Execute())
	assert.Equal(t, "healthy\n", out.String())
}

func TestConfigSet_Validates(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"permutaions", "100"},
		{"permutations", "abc"},
		{"trim", "lots"},
		{"fail-on-error", "maybe"},
		{"test", "mast"},
		{"distance", "cosine"},
		{"reuse", "true"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			_, err := execute(t, "config", "set", tt.key, tt.value)
			assert.ErrorIs(t, err, groups.ErrInvalidArgument)
		})
	}
}

func TestConfigSet_TypedValues(t *testing.T) {
	viper.Reset()
	home := t.TempDir()
	t.Setenv("HOME", home)

	for _, kv := range [][2]string{{"permutations", "200"}, {"covariates", "sex, age"}, {"test", "edgeR"}} {
		root := newRootCmd()
		root.SetOut(&bytes.Buffer{})
		root.SetArgs([]string{"config", "set", kv[0], kv[1]})
		require.NoError(t, root.Execute())
	}

	b, err := os.ReadFile(filepath.Join(home, configName+".yaml"))
	require.NoError(t, err)
	assert.Contains(t, string(b), "permutations: 200")
	assert.Contains(t, string(b), "- age")

	get := func(key string) string {
		viper.Reset()
		root := newRootCmd()
		var out bytes.Buffer
		root.SetOut(&out)
		root.SetArgs([]string{"config", "get", key})
		require.NoError(t, root.Execute())
		return out.String()
	}
	assert.Equal(t, "200\n", get("permutations"))
	assert.Equal(t, "0.2 (default)\n", get("trim"))
}
