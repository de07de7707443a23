package groups

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	sg, err := New("ctrl", map[string][]string{
		"ctrl": {"s2", "s1"},
		"case": {"s3", "s4", "s3"},
	})
	require.NoError(t, err)
	assert.Equal(t, "ctrl", sg.Ref)
	assert.Equal(t, "case", sg.Target)
	assert.Equal(t, []string{"s1", "s2"}, sg.Samples("ctrl"))
	assert.Equal(t, []string{"s3", "s4"}, sg.Samples("case"))
	assert.Equal(t, 4, sg.Len())
	assert.Equal(t, []string{"s1", "s2", "s3", "s4"}, sg.All())

	c, ok := sg.Condition("s4")
	require.True(t, ok)
	assert.Equal(t, "case", c)
	_, ok = sg.Condition("s9")
	assert.False(t, ok)
}

func TestNew_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		ref    string
		groups map[string][]string
	}{
		{"one group", "a", map[string][]string{"a": {"s1"}}},
		{"three groups", "a", map[string][]string{"a": {"s1"}, "b": {"s2"}, "c": {"s3"}}},
		{"empty group", "a", map[string][]string{"a": {"s1"}, "b": nil}},
		{"overlap", "a", map[string][]string{"a": {"s1"}, "b": {"s1"}}},
		{"unnamed", "a", map[string][]string{"a": {"s1"}, " ": {"s2"}}},
		{"ref missing", "x", map[string][]string{"a": {"s1"}, "b": {"s2"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.ref, tt.groups)
			require.ErrorIs(t, err, ErrInvalidArgument)
		})
	}
}

func TestValidate(t *testing.T) {
	sg, err := New("a", map[string][]string{"a": {"s1"}, "b": {"s2"}})
	require.NoError(t, err)
	require.NoError(t, sg.Validate([]string{"s1", "s2", "s3"}))

	err = sg.Validate([]string{"s1"})
	require.ErrorIs(t, err, ErrInvalidArgument)
	assert.Contains(t, err.Error(), "s2")
}

func TestWithoutRestrict(t *testing.T) {
	sg, err := FromConditions("a", map[string]string{"s1": "a", "s2": "a", "s3": "b"})
	require.NoError(t, err)

	w := sg.Without("s2")
	assert.Equal(t, []string{"s1"}, w.Samples("a"))
	assert.Equal(t, 3, sg.Len(), "original unchanged")

	r := sg.Restrict([]string{"s2", "s3"})
	assert.Equal(t, []string{"s2", "s3"}, r.All())
	assert.Contains(t, sg.String(), "a(ref)")
}

func TestReplicateName(t *testing.T) {
	n := ReplicateName("s1", 2)
	assert.Equal(t, "s1~2", n)
	assert.Equal(t, "s1", BaseSample(n))
	assert.Equal(t, "s1", BaseSample("s1"))
	assert.Equal(t, "a~b", BaseSample(ReplicateName("a~b", 1)))
	assert.Equal(t, "a~b", BaseSample("a~b"))

	_, err := New("x", map[string][]string{"x": {"a~b"}, "y": {"c"}})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestNewMetadata(t *testing.T) {
	sg, err := FromConditions("ctrl", map[string]string{"s1": "ctrl", "s2": "ctrl", "s3": "case"})
	require.NoError(t, err)

	md, err := NewMetadata(sg, []string{"s1", "s3", "s2~1"}, map[string]map[string]string{
		"sex": {"s1": "F", "s2": "M", "s3": "F"},
		"age": {"s1": "30", "s2": "41", "s3": "55"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"ctrl", "case", "ctrl"}, md.Group)
	require.Len(t, md.Covariates, 2)
	assert.Equal(t, "age", md.Covariates[0].Name)
	assert.True(t, md.Covariates[0].Numeric)
	assert.Equal(t, []float64{30, 55, 41}, md.Covariates[0].Num)
	assert.False(t, md.Covariates[1].Numeric)
	assert.Equal(t, 2, md.Count("ctrl"))
	assert.Equal(t, []string{"s3"}, md.SamplesIn("case"))

	sub := md.Subset([]string{"s3", "s1"})
	assert.Equal(t, []string{"s3", "s1"}, sub.Samples)
	assert.Equal(t, []string{"case", "ctrl"}, sub.Group)
	assert.Equal(t, []float64{55, 30}, sub.Covariates[0].Num)
}

func TestNewMetadata_Errors(t *testing.T) {
	sg, err := FromConditions("a", map[string]string{"s1": "a", "s2": "b"})
	require.NoError(t, err)

	_, err = NewMetadata(sg, []string{"s1", "s9"}, nil)
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = NewMetadata(sg, []string{"s1", "s2"}, map[string]map[string]string{"batch": {"s1": "x"}})
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = NewMetadata(sg, []string{"s1", "s2"}, map[string]map[string]string{GroupColumn: {}})
	require.ErrorIs(t, err, ErrInvalidArgument)
}
