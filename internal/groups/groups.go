// Package groups defines the sample-level experimental design: the two-way
// sample grouping (reference vs target condition) and the per-sample
// metadata table derived from it.
package groups

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrInvalidArgument marks malformed input that fails a whole call: bad
// sample groups, unknown identifiers or a missing grouping.
var ErrInvalidArgument = errors.New("invalid argument")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// SampleGroups assigns biological samples to exactly two conditions. Ref is
// the baseline condition that fold changes are computed against.
type SampleGroups struct {
	Ref     string
	Target  string
	samples map[string][]string
}

// New validates and builds a SampleGroups. groups must hold exactly two
// non-empty, disjoint, named sample sets and ref must be one of the names.
func New(ref string, groups map[string][]string) (SampleGroups, error) {
	if len(groups) != 2 {
		return SampleGroups{}, invalid("sample groups must have exactly two conditions, got %d", len(groups))
	}

	var target string
	seen := make(map[string]string)
	out := make(map[string][]string, 2)
	for label, ss := range groups {
		if strings.TrimSpace(label) == "" {
			return SampleGroups{}, invalid("sample group labels must be non-empty")
		}
		if len(ss) == 0 {
			return SampleGroups{}, invalid("sample group %q is empty", label)
		}
		uniq := make([]string, 0, len(ss))
		for _, s := range ss {
			if strings.Contains(s, replicateSep) {
				return SampleGroups{}, invalid("sample name %q must not contain %q", s, replicateSep)
			}
			if other, dup := seen[s]; dup {
				if other == label {
					continue
				}
				return SampleGroups{}, invalid("sample %q is in both %q and %q", s, other, label)
			}
			seen[s] = label
			uniq = append(uniq, s)
		}
		sort.Strings(uniq)
		out[label] = uniq
		if label != ref {
			target = label
		}
	}
	if _, ok := out[ref]; !ok {
		return SampleGroups{}, invalid("reference level %q is not a sample group", ref)
	}

	return SampleGroups{Ref: ref, Target: target, samples: out}, nil
}

// FromConditions builds SampleGroups from a sample -> condition mapping.
func FromConditions(ref string, conditions map[string]string) (SampleGroups, error) {
	g := make(map[string][]string)
	for s, c := range conditions {
		g[c] = append(g[c], s)
	}
	return New(ref, g)
}

// Validate checks that every grouped sample is among known.
func (sg SampleGroups) Validate(known []string) error {
	k := make(map[string]struct{}, len(known))
	for _, s := range known {
		k[s] = struct{}{}
	}
	var missing []string
	for _, s := range sg.All() {
		if _, ok := k[s]; !ok {
			missing = append(missing, s)
		}
	}
	if len(missing) > 0 {
		return invalid("samples not found in count matrices: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Samples returns the sorted samples of a condition.
func (sg SampleGroups) Samples(label string) []string {
	return append([]string(nil), sg.samples[label]...)
}

// All returns every grouped sample, sorted.
func (sg SampleGroups) All() []string {
	out := append(sg.Samples(sg.Ref), sg.samples[sg.Target]...)
	sort.Strings(out)
	return out
}

// Len returns the total number of grouped samples.
func (sg SampleGroups) Len() int { return len(sg.samples[sg.Ref]) + len(sg.samples[sg.Target]) }

// Condition returns the condition of a sample.
func (sg SampleGroups) Condition(sample string) (string, bool) {
	for label, ss := range sg.samples {
		i := sort.SearchStrings(ss, sample)
		if i < len(ss) && ss[i] == sample {
			return label, true
		}
	}
	return "", false
}

// Conditions returns the sample -> condition mapping.
func (sg SampleGroups) Conditions() map[string]string {
	out := make(map[string]string, sg.Len())
	for label, ss := range sg.samples {
		for _, s := range ss {
			out[s] = label
		}
	}
	return out
}

// With returns a copy using the given per-condition sample lists. Lists are
// taken as-is, so resampled groups may repeat a sample name.
func (sg SampleGroups) With(ref, target []string) SampleGroups {
	r := append([]string(nil), ref...)
	t := append([]string(nil), target...)
	sort.Strings(r)
	sort.Strings(t)
	return SampleGroups{
		Ref:     sg.Ref,
		Target:  sg.Target,
		samples: map[string][]string{sg.Ref: r, sg.Target: t},
	}
}

// Without returns a copy with one sample removed.
func (sg SampleGroups) Without(sample string) SampleGroups {
	drop := func(ss []string) []string {
		out := make([]string, 0, len(ss))
		for _, s := range ss {
			if s != sample {
				out = append(out, s)
			}
		}
		return out
	}
	return sg.With(drop(sg.samples[sg.Ref]), drop(sg.samples[sg.Target]))
}

// Restrict keeps only samples present in keep.
func (sg SampleGroups) Restrict(keep []string) SampleGroups {
	k := make(map[string]struct{}, len(keep))
	for _, s := range keep {
		k[s] = struct{}{}
	}
	filter := func(ss []string) []string {
		var out []string
		for _, s := range ss {
			if _, ok := k[s]; ok {
				out = append(out, s)
			}
		}
		return out
	}
	return sg.With(filter(sg.samples[sg.Ref]), filter(sg.samples[sg.Target]))
}

// String formats the groups for log messages.
func (sg SampleGroups) String() string {
	return fmt.Sprintf("%s(ref)=[%s] %s=[%s]",
		sg.Ref, strings.Join(sg.samples[sg.Ref], ","),
		sg.Target, strings.Join(sg.samples[sg.Target], ","))
}
