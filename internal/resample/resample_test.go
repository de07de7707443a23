package resample

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inodb/vibe-cacoa/internal/groups"
	"github.com/inodb/vibe-cacoa/internal/matrix"
	"github.com/inodb/vibe-cacoa/internal/pseudobulk"
)

func sampleGroups(t *testing.T, nRef, nTarget int) groups.SampleGroups {
	t.Helper()
	g := map[string][]string{}
	for i := range nRef {
		g["ctrl"] = append(g["ctrl"], fmt.Sprintf("c%d", i))
	}
	for i := range nTarget {
		g["case"] = append(g["case"], fmt.Sprintf("t%d", i))
	}
	sg, err := groups.New("ctrl", g)
	require.NoError(t, err)
	return sg
}

func TestParseMethod(t *testing.T) {
	for _, s := range []string{"loo", "Bootstrap", " fix.cells ", "FIX.SAMPLES"} {
		_, err := ParseMethod(s)
		assert.NoError(t, err, s)
	}
	_, err := ParseMethod("jackknife")
	require.ErrorIs(t, err, groups.ErrInvalidArgument)
}

func TestPlan_LeaveOneOut(t *testing.T) {
	for _, sizes := range [][2]int{{2, 2}, {3, 5}, {4, 4}} {
		sg := sampleGroups(t, sizes[0], sizes[1])
		plan, err := Plan(sg, LeaveOneOut, 0, nil)
		require.NoError(t, err)
		require.Len(t, plan, sg.Len())

		var removed []string
		for name, it := range plan {
			assert.Equal(t, sg.Len()-1, it.Len(), name)
			s := strings.TrimPrefix(name, "loo.")
			_, ok := it.Condition(s)
			assert.False(t, ok, "%s still holds %s", name, s)
			removed = append(removed, s)
		}
		sort.Strings(removed)
		assert.Equal(t, sg.All(), removed)
	}
}

func TestPlan_Bootstrap(t *testing.T) {
	sg := sampleGroups(t, 3, 4)
	plan, err := Plan(sg, Bootstrap, 5, rand.New(rand.NewSource(7)))
	require.NoError(t, err)
	require.Len(t, plan, 5)
	for name, it := range plan {
		assert.True(t, strings.HasPrefix(name, "bootstrap."))
		assert.Len(t, it.Samples("ctrl"), 3)
		assert.Len(t, it.Samples("case"), 4)
		for _, s := range it.Samples("ctrl") {
			assert.True(t, strings.HasPrefix(groups.BaseSample(s), "c"), s)
		}
	}

	again, err := Plan(sg, Bootstrap, 5, rand.New(rand.NewSource(7)))
	require.NoError(t, err)
	assert.Equal(t, plan["bootstrap.3"].All(), again["bootstrap.3"].All())

	_, err = Plan(sg, Bootstrap, 5, nil)
	require.ErrorIs(t, err, groups.ErrInvalidArgument)
}

func TestPlan_Fixed(t *testing.T) {
	sg := sampleGroups(t, 2, 3)
	for _, m := range []Method{FixCells, FixSamples} {
		plan, err := Plan(sg, m, 4, nil)
		require.NoError(t, err)
		require.Len(t, plan, 4)
		assert.Equal(t, sg.All(), plan[string(m)+".0"].All())
	}
}

func TestPlan_Unknown(t *testing.T) {
	_, err := Plan(sampleGroups(t, 2, 2), Method("nope"), 1, nil)
	require.ErrorIs(t, err, groups.ErrInvalidArgument)
}

func TestDefaults(t *testing.T) {
	assert.Equal(t, 3, DefaultFixNSamples(sampleGroups(t, 4, 6)))
	assert.Equal(t, 2, DefaultFixNSamples(sampleGroups(t, 2, 2)))

	pb := &pseudobulk.Collapsed{CellCounts: map[string]map[string]int{
		"A": {"s1": 40, "s2": 80},
		"B": {"s1": 120, "s2": 200},
	}}
	assert.Equal(t, 40, DefaultFixNCells(pb))
	small := &pseudobulk.Collapsed{CellCounts: map[string]map[string]int{"A": {"s1": 3}}}
	assert.Equal(t, 10, DefaultFixNCells(small))
}

// fixture builds one cell type "A" with 12 cells per sample.
func fixture(t *testing.T, sg groups.SampleGroups) Input {
	t.Helper()
	cells := map[string]*matrix.Matrix{}
	labels := map[string]string{}
	for _, s := range sg.All() {
		var rows []string
		var vals [][]float64
		for i := range 12 {
			c := fmt.Sprintf("%s_%d", s, i)
			rows = append(rows, c)
			vals = append(vals, []float64{float64(i), 1})
			labels[c] = "A"
		}
		m, err := matrix.NewFromRows(rows, []string{"g1", "g2"}, vals)
		require.NoError(t, err)
		cells[s] = m
	}
	pb, err := pseudobulk.Collapse(cells, labels, pseudobulk.Options{})
	require.NoError(t, err)
	return Input{Groups: sg, Pseudobulk: pb, Cells: cells, CellGroups: labels}
}

func TestPrepareSamples_LeaveOneOut(t *testing.T) {
	sg := sampleGroups(t, 2, 3)
	its, err := PrepareSamples(fixture(t, sg), Options{Method: LeaveOneOut, Seed: 3})
	require.NoError(t, err)
	require.Len(t, its, 5)
	assert.Equal(t, "loo.c0", its[0].Name)
	assert.Equal(t, int64(3), its[0].Seed)
	assert.Equal(t, int64(4), its[1].Seed)
	assert.Equal(t, its[0].Groups.All(), its[0].Pseudobulk.Matrices["A"].RowNames)
}

func TestPrepareSamples_Bootstrap(t *testing.T) {
	sg := sampleGroups(t, 3, 3)
	its, err := PrepareSamples(fixture(t, sg), Options{Method: Bootstrap, N: 4, Seed: 11})
	require.NoError(t, err)
	require.Len(t, its, 4)
	for _, it := range its {
		m := it.Pseudobulk.Matrices["A"]
		assert.Len(t, m.RowNames, 6)
		for i, s := range m.RowNames {
			assert.Equal(t, 66.0, m.At(i, 0), s)
		}
	}
}

func TestPrepareSamples_FixSamples(t *testing.T) {
	sg := sampleGroups(t, 4, 5)
	its, err := PrepareSamples(fixture(t, sg), Options{Method: FixSamples, N: 2})
	require.NoError(t, err)
	require.Len(t, its, 2)
	assert.Equal(t, 3, its[0].FixNSamples)
}

func TestPrepareSamples_FixCells(t *testing.T) {
	sg := sampleGroups(t, 2, 2)
	in := fixture(t, sg)
	its, err := PrepareSamples(in, Options{Method: FixCells, N: 3, FixNCells: 5, Seed: 1})
	require.NoError(t, err)
	require.Len(t, its, 3)
	for _, it := range its {
		for _, n := range it.Pseudobulk.CellCounts["A"] {
			assert.Equal(t, 5, n)
		}
	}

	in.Cells = nil
	_, err = PrepareSamples(in, Options{Method: FixCells, N: 1})
	require.ErrorIs(t, err, groups.ErrInvalidArgument)
}
