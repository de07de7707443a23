// Package source provides the cell-level inputs of an analysis: per-sample
// count matrices, cell annotations, sample conditions and optional
// embeddings and neighbour graphs.
package source

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/inodb/vibe-cacoa/internal/matrix"
	"github.com/inodb/vibe-cacoa/internal/parallel"
)

// ErrUnsupported is returned for data a provider does not carry.
var ErrUnsupported = errors.New("not provided by this data source")

// Edge is a weighted edge of the cell neighbour graph.
type Edge struct {
	From, To string
	Weight   float64
}

// Provider is what an analysis needs from a single-cell dataset. Optional
// data (embedding, graph) returns ErrUnsupported when absent.
type Provider interface {
	// CellGroups maps cell to cell type.
	CellGroups() (map[string]string, error)
	// SamplePerCell maps cell to the sample it came from.
	SamplePerCell() (map[string]string, error)
	// RawCountMatrices returns a cells × genes count matrix per sample.
	RawCountMatrices(ctx context.Context) (map[string]*matrix.Matrix, error)
	// JointCountMatrix stacks every sample's cells over the union of genes.
	JointCountMatrix(ctx context.Context) (*matrix.Matrix, error)
	Embedding() (*matrix.Matrix, error)
	CellGraph() ([]Edge, error)
	// GeneExpression returns the raw count of gene in every cell.
	GeneExpression(gene string) (map[string]float64, error)
}

// Layout of a dataset directory.
const (
	CountsDir     = "counts"
	CellsFile     = "cells.tsv"
	SamplesFile   = "samples.tsv"
	EmbeddingFile = "embedding.tsv"
	GraphFile     = "graph.tsv"
)

var countSuffixes = []string{".tsv.gz", ".tsv.zst", ".tsv"}

// DefaultCacheSize is the number of sample matrices kept in memory.
const DefaultCacheSize = 32

// FileProvider reads a dataset directory laid out as
//
//	counts/<sample>.tsv[.gz|.zst]   cells × genes counts
//	cells.tsv                       cell, cell_type
//	samples.tsv                     sample, condition[, covariates...]
//	embedding.tsv                   optional, cells × dimensions
//	graph.tsv                       optional, cell, cell, weight
type FileProvider struct {
	dir    string
	files  map[string]string // sample -> counts path
	cache  *lru.Cache[string, *matrix.Matrix]
	exec   parallel.Exec
	logger *zap.Logger
}

var _ Provider = (*FileProvider)(nil)

// Open scans dir and returns a provider. cacheSize <= 0 uses
// DefaultCacheSize.
func Open(dir string, cacheSize int, exec parallel.Exec) (*FileProvider, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	entries, err := os.ReadDir(filepath.Join(dir, CountsDir))
	if err != nil {
		return nil, fmt.Errorf("read counts directory: %w", err)
	}
	files := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		for _, suf := range countSuffixes {
			if strings.HasSuffix(name, suf) {
				sample := strings.TrimSuffix(name, suf)
				if prev, dup := files[sample]; dup {
					return nil, fmt.Errorf("sample %q has two count files: %s and %s", sample, filepath.Base(prev), name)
				}
				files[sample] = filepath.Join(dir, CountsDir, name)
				break
			}
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no count matrices in %s", filepath.Join(dir, CountsDir))
	}

	cache, err := lru.New[string, *matrix.Matrix](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create matrix cache: %w", err)
	}
	return &FileProvider{dir: dir, files: files, cache: cache, exec: exec, logger: exec.Log()}, nil
}

// Samples returns the sample names that have count matrices, sorted.
func (p *FileProvider) Samples() []string {
	return parallel.Keys(p.files)
}

// Counts returns one sample's count matrix, reading it on first use.
func (p *FileProvider) Counts(sample string) (*matrix.Matrix, error) {
	if m, ok := p.cache.Get(sample); ok {
		return m, nil
	}
	path, ok := p.files[sample]
	if !ok {
		return nil, fmt.Errorf("unknown sample %q", sample)
	}
	m, err := matrix.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("sample %s: %w", sample, err)
	}
	p.logger.Debug("loaded count matrix", zap.String("sample", sample),
		zap.Int("cells", len(m.RowNames)), zap.Int("genes", len(m.ColNames)))
	p.cache.Add(sample, m)
	return m, nil
}

// RawCountMatrices loads every sample concurrently. A sample that fails
// to load fails the whole call.
func (p *FileProvider) RawCountMatrices(ctx context.Context) (map[string]*matrix.Matrix, error) {
	exec := p.exec
	exec.FailOnError = true
	exec.Progress = nil
	out, _, err := parallel.Map(ctx, exec, p.Samples(), func(_ context.Context, s string) (*matrix.Matrix, error) {
		return p.Counts(s)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SamplePerCell maps every cell in the count matrices to its sample.
func (p *FileProvider) SamplePerCell() (map[string]string, error) {
	out := make(map[string]string)
	for _, s := range p.Samples() {
		m, err := p.Counts(s)
		if err != nil {
			return nil, err
		}
		for _, c := range m.RowNames {
			if prev, dup := out[c]; dup {
				return nil, fmt.Errorf("cell %q appears in samples %s and %s", c, prev, s)
			}
			out[c] = s
		}
	}
	return out, nil
}

// JointCountMatrix concatenates every sample's cells in sample order over
// the sorted union of genes. Genes missing from a sample count as zero.
func (p *FileProvider) JointCountMatrix(ctx context.Context) (*matrix.Matrix, error) {
	all, err := p.RawCountMatrices(ctx)
	if err != nil {
		return nil, err
	}
	samples := parallel.Keys(all)
	ms := make([]*matrix.Matrix, len(samples))
	var cells []string
	for i, s := range samples {
		ms[i] = all[s]
		cells = append(cells, all[s].RowNames...)
	}
	genes := matrix.UnionGenes(ms)
	out := matrix.New(cells, genes)
	row := 0
	for _, m := range ms {
		r := m.Reindex(genes)
		for i := range r.RowNames {
			for j := range genes {
				out.Set(row, j, r.At(i, j))
			}
			row++
		}
	}
	return out, nil
}

// GeneExpression returns gene's count in every cell of every sample. Cells
// of samples that lack the gene are reported as zero.
func (p *FileProvider) GeneExpression(gene string) (map[string]float64, error) {
	out := make(map[string]float64)
	found := false
	for _, s := range p.Samples() {
		m, err := p.Counts(s)
		if err != nil {
			return nil, err
		}
		j, ok := m.ColIndex(gene)
		found = found || ok
		for i, c := range m.RowNames {
			if ok {
				out[c] = m.At(i, j)
			} else {
				out[c] = 0
			}
		}
	}
	if !found {
		return nil, fmt.Errorf("gene %q not found in any sample", gene)
	}
	return out, nil
}

// CellGroups reads cells.tsv.
func (p *FileProvider) CellGroups() (map[string]string, error) {
	rows, err := readTable(filepath.Join(p.dir, CellsFile), "cell", "cell_type")
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.key] = r.values[0]
	}
	return out, nil
}

// Embedding reads embedding.tsv, if present.
func (p *FileProvider) Embedding() (*matrix.Matrix, error) {
	path := filepath.Join(p.dir, EmbeddingFile)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("embedding: %w", ErrUnsupported)
	}
	return matrix.ReadFile(path)
}

// CellGraph reads graph.tsv, if present.
func (p *FileProvider) CellGraph() ([]Edge, error) {
	path := filepath.Join(p.dir, GraphFile)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("cell graph: %w", ErrUnsupported)
	}
	return readGraph(path)
}

// CellTypes returns the sorted distinct cell types in groups.
func CellTypes(groups map[string]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range groups {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}
