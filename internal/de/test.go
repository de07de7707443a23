package de

import (
	"fmt"
	"strings"

	"github.com/inodb/vibe-cacoa/internal/groups"
)

// Kind is the DE method family.
type Kind int

const (
	Wilcoxon Kind = iota
	TTest
	DESeq2
	EdgeR
	LimmaVoom
)

var kindNames = map[Kind]string{
	Wilcoxon:  "wilcoxon",
	TTest:     "t-test",
	DESeq2:    "deseq2",
	EdgeR:     "edger",
	LimmaVoom: "limma-voom",
}

// Normalization selects how the pairwise tests scale counts.
type Normalization int

const (
	// NormTotalCount divides counts by the sample total (proportions).
	NormTotalCount Normalization = iota
	// NormLibSize scales counts to counts per million of library size.
	NormLibSize
	// NormEdgeR scales by TMM-adjusted library sizes.
	NormEdgeR
	// NormDESeq2 divides by median-of-ratios size factors.
	NormDESeq2
	// NormUpperQuartile scales by upper-quartile adjusted library sizes.
	NormUpperQuartile
)

var normNames = map[string]Normalization{
	"totcount":   NormTotalCount,
	"pseudobulk": NormLibSize,
	"libsize":    NormLibSize,
	"edger":      NormEdgeR,
	"deseq2":     NormDESeq2,
	"uq":         NormUpperQuartile,
}

// LikelihoodTest is the DESeq2 test type.
type LikelihoodTest int

const (
	Wald LikelihoodTest = iota
	LRT
)

// Test is a validated DE method selection.
type Test struct {
	Kind Kind
	// Norm applies to Wilcoxon and TTest.
	Norm Normalization
	// Likelihood applies to DESeq2.
	Likelihood LikelihoodTest
}

// DefaultTest is DESeq2 with the Wald test.
var DefaultTest = Test{Kind: DESeq2, Likelihood: Wald}

// ParseTest parses a method[.subtype] identifier, case-insensitively.
// Accepted forms: wilcoxon[.totcount|.pseudobulk|.libsize|.edger|.deseq2|.uq],
// t-test[...same], deseq2[.wald|.lrt], edger, limma-voom.
func ParseTest(s string) (Test, error) {
	id := strings.ToLower(strings.TrimSpace(s))
	method, sub, _ := strings.Cut(id, ".")

	switch method {
	case "wilcoxon", "t-test":
		t := Test{Kind: Wilcoxon, Norm: NormTotalCount}
		if method == "t-test" {
			t.Kind = TTest
		}
		if sub != "" {
			n, ok := normNames[sub]
			if !ok {
				return Test{}, fmt.Errorf("%w: unknown normalization %q for %s", groups.ErrInvalidArgument, sub, method)
			}
			t.Norm = n
		}
		return t, nil
	case "deseq2":
		switch sub {
		case "", "wald":
			return Test{Kind: DESeq2, Likelihood: Wald}, nil
		case "lrt":
			return Test{Kind: DESeq2, Likelihood: LRT}, nil
		}
		return Test{}, fmt.Errorf("%w: unknown deseq2 test %q", groups.ErrInvalidArgument, sub)
	case "edger", "limma-voom":
		if sub != "" {
			return Test{}, fmt.Errorf("%w: %s takes no subtype, got %q", groups.ErrInvalidArgument, method, sub)
		}
		if method == "edger" {
			return Test{Kind: EdgeR}, nil
		}
		return Test{Kind: LimmaVoom}, nil
	}
	return Test{}, fmt.Errorf("%w: unknown DE test %q", groups.ErrInvalidArgument, s)
}

// String returns the canonical identifier.
func (t Test) String() string {
	name := kindNames[t.Kind]
	switch t.Kind {
	case Wilcoxon, TTest:
		for k, v := range normNames {
			if v == t.Norm && k != "pseudobulk" {
				return name + "." + k
			}
		}
	case DESeq2:
		if t.Likelihood == LRT {
			return name + ".lrt"
		}
		return name + ".wald"
	}
	return name
}

// backend returns the implementation for t.
func (t Test) backend() backend {
	switch t.Kind {
	case Wilcoxon, TTest:
		return pairwise{rankSum: t.Kind == Wilcoxon, norm: t.Norm}
	case EdgeR:
		return edgeR{}
	case LimmaVoom:
		return limmaVoom{}
	}
	return deseq2{lrt: t.Likelihood == LRT}
}

// modelBased reports whether the backend fits the full design.
func (t Test) modelBased() bool { return t.Kind != Wilcoxon && t.Kind != TTest }
