package selector

import (
	"testing"

	"dpn/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pool = []types.NodeID{"aptrust", "chron", "hathi", "sdr"}

func TestSelect_ReturnsExactlyKDistinct(t *testing.T) {
	for _, policy := range []Policy{NewRandomPolicy(42), NewPreferredPolicy([]types.NodeID{"sdr"})} {
		s := New(policy)
		for k := 0; k <= len(pool); k++ {
			for i := 0; i < 20; i++ {
				got, err := s.Select(pool, k)
				require.NoError(t, err)
				require.Len(t, got, k, "%s k=%d", policy.Name(), k)

				seen := map[types.NodeID]bool{}
				for _, n := range got {
					assert.Contains(t, pool, n)
					assert.False(t, seen[n], "duplicate %s", n)
					seen[n] = true
				}
			}
		}
	}
}

func TestSelect_Errors(t *testing.T) {
	s := New(nil)

	_, err := s.Select(pool, 5)
	assert.Error(t, err)

	_, err = s.Select(pool, -1)
	assert.Error(t, err)

	_, err = s.Select([]types.NodeID{"chron", "chron"}, 2)
	assert.Error(t, err)
}

func TestPreferredPolicy_Order(t *testing.T) {
	p := NewPreferredPolicy([]types.NodeID{"sdr", "chron", "sdr"})
	assert.Equal(t, []types.NodeID{"sdr", "chron", "aptrust", "hathi"}, p.Rank(pool))

	got, err := New(p).Select(pool, 2)
	require.NoError(t, err)
	assert.Equal(t, []types.NodeID{"sdr", "chron"}, got)
}

func TestRandomPolicy_DoesNotMutateInput(t *testing.T) {
	in := append([]types.NodeID(nil), pool...)
	NewRandomPolicy(7).Rank(in)
	assert.Equal(t, pool, in)
}

func TestPolicyByName(t *testing.T) {
	p, err := PolicyByName("", nil)
	require.NoError(t, err)
	assert.Equal(t, "random", p.Name())

	p, err = PolicyByName("preferred", []types.NodeID{"hathi"})
	require.NoError(t, err)
	assert.Equal(t, "preferred", p.Name())

	_, err = PolicyByName("weighted", nil)
	assert.Error(t, err)
}
