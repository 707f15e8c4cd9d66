package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterMatches(t *testing.T) {
	filter := Filter{
		"type":     {"order", "refund"},
		"priority": {"high"},
	}

	t.Run("all keys must match", func(t *testing.T) {
		assert.True(t, filter.Matches(map[string]string{"type": "order", "priority": "high"}))
		assert.True(t, filter.Matches(map[string]string{"type": "refund", "priority": "high", "extra": "ignored"}))
	})

	t.Run("missing key rejects", func(t *testing.T) {
		assert.False(t, filter.Matches(map[string]string{"type": "order"}))
	})

	t.Run("wrong value rejects", func(t *testing.T) {
		assert.False(t, filter.Matches(map[string]string{"type": "order", "priority": "low"}))
	})

	t.Run("empty filter matches everything", func(t *testing.T) {
		assert.True(t, Filter{}.Matches(nil))
		assert.True(t, Filter(nil).Matches(map[string]string{"any": "thing"}))
		assert.True(t, Filter(nil).MatchAll())
		assert.False(t, filter.MatchAll())
	})
}

func TestFilterPolicyRoundTrip(t *testing.T) {
	filter := Filter{"order_type": {"standard", "express"}}

	policy, err := filter.Policy()
	require.NoError(t, err)

	parsed, err := ParseFilter(policy)
	require.NoError(t, err)
	assert.Equal(t, filter, parsed)
}

func TestFilterClone(t *testing.T) {
	filter := Filter{"type": {"order"}}
	cloned := filter.Clone()

	cloned["type"][0] = "mutated"
	cloned["added"] = []string{"x"}

	assert.Equal(t, "order", filter["type"][0])
	assert.NotContains(t, filter, "added")
	assert.Nil(t, Filter(nil).Clone())
}

func TestParseFilterRejectsGarbage(t *testing.T) {
	_, err := ParseFilter([]byte(`{"type": 42}`))
	assert.Error(t, err)
}
