package groups

import (
	"sort"
	"strconv"
	"strings"
)

// GroupColumn is the name of the mandatory condition column.
const GroupColumn = "group"

// replicateSep separates a sample name from its bootstrap replicate index.
const replicateSep = "~"

// ReplicateName names the k-th bootstrap draw of a sample.
func ReplicateName(sample string, k int) string {
	return sample + replicateSep + strconv.Itoa(k)
}

// BaseSample strips a bootstrap replicate suffix from a sample name.
func BaseSample(name string) string {
	i := strings.LastIndex(name, replicateSep)
	if i < 0 {
		return name
	}
	if _, err := strconv.Atoi(name[i+len(replicateSep):]); err != nil {
		return name
	}
	return name[:i]
}

// Covariate is one extra per-sample metadata column.
type Covariate struct {
	Name    string
	Values  []string
	Numeric bool
	Num     []float64
}

// Metadata is the per-sample design table: the condition of every sample
// plus optional covariates, aligned with Samples.
type Metadata struct {
	Samples    []string
	Group      []string
	Ref        string
	Target     string
	Covariates []Covariate
}

// NewMetadata builds the design table for samples. covariates maps a column
// name to per-sample values; columns are ordered by name. Every sample must
// have a condition and a value for every covariate.
func NewMetadata(sg SampleGroups, samples []string, covariates map[string]map[string]string) (*Metadata, error) {
	md := &Metadata{
		Samples: append([]string(nil), samples...),
		Group:   make([]string, len(samples)),
		Ref:     sg.Ref,
		Target:  sg.Target,
	}
	for i, s := range samples {
		c, ok := sg.Condition(s)
		if !ok {
			c, ok = sg.Condition(BaseSample(s))
		}
		if !ok {
			return nil, invalid("sample %q has no condition", s)
		}
		md.Group[i] = c
	}

	names := make([]string, 0, len(covariates))
	for n := range covariates {
		if n == GroupColumn {
			return nil, invalid("covariate name %q is reserved", GroupColumn)
		}
		names = append(names, n)
	}
	sort.Strings(names)

	for _, n := range names {
		col := covariates[n]
		cov := Covariate{Name: n, Values: make([]string, len(samples))}
		for i, s := range samples {
			v, ok := col[s]
			if !ok {
				v, ok = col[BaseSample(s)]
			}
			if !ok {
				return nil, invalid("covariate %q has no value for sample %q", n, s)
			}
			cov.Values[i] = v
		}
		cov.Num, cov.Numeric = parseNumeric(cov.Values)
		md.Covariates = append(md.Covariates, cov)
	}
	return md, nil
}

func parseNumeric(values []string) ([]float64, bool) {
	out := make([]float64, len(values))
	for i, v := range values {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, false
		}
		out[i] = f
	}
	return out, true
}

// Subset returns the metadata rows for the given samples, in that order.
func (m *Metadata) Subset(samples []string) *Metadata {
	idx := make(map[string]int, len(m.Samples))
	for i, s := range m.Samples {
		idx[s] = i
	}
	out := &Metadata{Ref: m.Ref, Target: m.Target}
	for _, s := range samples {
		i, ok := idx[s]
		if !ok {
			continue
		}
		out.Samples = append(out.Samples, s)
		out.Group = append(out.Group, m.Group[i])
	}
	for _, c := range m.Covariates {
		nc := Covariate{Name: c.Name, Numeric: c.Numeric}
		for _, s := range out.Samples {
			i := idx[s]
			nc.Values = append(nc.Values, c.Values[i])
			if c.Numeric {
				nc.Num = append(nc.Num, c.Num[i])
			}
		}
		out.Covariates = append(out.Covariates, nc)
	}
	return out
}

// Count returns how many samples are in the given condition.
func (m *Metadata) Count(label string) int {
	n := 0
	for _, g := range m.Group {
		if g == label {
			n++
		}
	}
	return n
}

// SamplesIn returns the samples of one condition in table order.
func (m *Metadata) SamplesIn(label string) []string {
	var out []string
	for i, g := range m.Group {
		if g == label {
			out = append(out, m.Samples[i])
		}
	}
	return out
}
