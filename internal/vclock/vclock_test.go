package vclock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIncAndApply(t *testing.T) {
	c := New()
	c = c.Inc("local")
	assert.Equal(t, uint64(1), c["local"])

	c2 := c.Apply("remote", 5)
	assert.Equal(t, uint64(5), c2["remote"])
	assert.Equal(t, uint64(1), c2["local"], "apply must not disturb other actors")

	// Apply with a lower dot than already stored is a no-op.
	c3 := c2.Apply("remote", 2)
	assert.Equal(t, uint64(5), c3["remote"])
}

func TestMergeIsElementwiseMax(t *testing.T) {
	a := Clock{"local": 2, "remote": 1}
	b := Clock{"local": 1, "remote": 3, "third": 7}

	merged := a.Merge(b)
	require.Equal(t, uint64(2), merged["local"])
	require.Equal(t, uint64(3), merged["remote"])
	require.Equal(t, uint64(7), merged["third"])
}

func TestCompare(t *testing.T) {
	cases := []struct {
		name     string
		a, b     Clock
		expected Relation
	}{
		{"both empty", Clock{}, Clock{}, Equal},
		{"equal", Clock{"a": 2}, Clock{"a": 2}, Equal},
		{"a less", Clock{"a": 1}, Clock{"a": 2}, Less},
		{"a greater", Clock{"a": 3}, Clock{"a": 2}, Greater},
		{"concurrent", Clock{"a": 2}, Clock{"b": 1}, None},
		{"concurrent mixed", Clock{"a": 2, "b": 0}, Clock{"a": 1, "b": 1}, None},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, Compare(tc.a, tc.b))
		})
	}
}

func TestCopyIsIndependent(t *testing.T) {
	c := Clock{"a": 1}
	cp := c.Copy()
	cp["a"] = 99
	assert.Equal(t, uint64(1), c["a"])
}
