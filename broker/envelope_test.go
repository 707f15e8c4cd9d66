package broker

import (
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope(t *testing.T) {
	t.Run("assigns id and publish time", func(t *testing.T) {
		env, err := NewEnvelope([]byte("order#1"), map[string]string{"type": "order"})
		require.NoError(t, err)

		_, err = ulid.Parse(env.ID)
		assert.NoError(t, err, "envelope id should be a ULID")
		assert.False(t, env.PublishedAt.IsZero())
		assert.Equal(t, []byte("order#1"), env.Payload)
		assert.Equal(t, "order", env.Attributes["type"])
	})

	t.Run("rejects empty payload", func(t *testing.T) {
		_, err := NewEnvelope(nil, nil)
		require.Error(t, err)

		var invalid *InvalidMessageError
		require.ErrorAs(t, err, &invalid)
		assert.Contains(t, invalid.Error(), "payload")
	})

	t.Run("rejects empty attribute key", func(t *testing.T) {
		_, err := NewEnvelope([]byte("x"), map[string]string{"": "v"})

		var invalid *InvalidMessageError
		require.ErrorAs(t, err, &invalid)
	})

	t.Run("copies payload and attributes", func(t *testing.T) {
		payload := []byte("order#1")
		attrs := map[string]string{"type": "order"}

		env, err := NewEnvelope(payload, attrs)
		require.NoError(t, err)

		payload[0] = 'X'
		attrs["type"] = "mutated"

		assert.Equal(t, []byte("order#1"), env.Payload)
		assert.Equal(t, "order", env.Attributes["type"])
	})

	t.Run("ids are unique per publish", func(t *testing.T) {
		a, err := NewEnvelope([]byte("x"), nil)
		require.NoError(t, err)
		b, err := NewEnvelope([]byte("x"), nil)
		require.NoError(t, err)
		assert.NotEqual(t, a.ID, b.ID)
	})
}

func TestEnvelopeClone(t *testing.T) {
	env, err := NewEnvelope([]byte("order#1"), map[string]string{"type": "order"})
	require.NoError(t, err)

	cloned := env.Clone()
	assert.Equal(t, env.ID, cloned.ID)
	assert.Equal(t, env.Payload, cloned.Payload)
	assert.Equal(t, env.Attributes, cloned.Attributes)

	cloned.Payload[0] = 'X'
	cloned.Attributes["type"] = "mutated"
	assert.Equal(t, []byte("order#1"), env.Payload, "clone must not share payload storage")
	assert.Equal(t, "order", env.Attributes["type"], "clone must not share attribute storage")
}
