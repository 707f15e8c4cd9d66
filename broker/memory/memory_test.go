package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/fanflow/broker"
	"github.com/drblury/fanflow/internal/runtime"
	"github.com/drblury/fanflow/internal/runtime/config"
	"github.com/drblury/fanflow/internal/runtime/logging"
)

func newBackend(t *testing.T) broker.Backend {
	t.Helper()
	cfg := &config.Config{
		BackendSystem:     BackendName,
		VisibilityTimeout: 30 * time.Second,
		MaxReceives:       3,
	}
	backend, err := broker.Build(context.Background(), cfg, logging.NewNopLogger())
	require.NoError(t, err)
	return backend
}

func TestBackendIsRegistered(t *testing.T) {
	assert.True(t, broker.DefaultRegistry.Has(BackendName))

	caps := broker.GetCapabilities(BackendName)
	assert.True(t, caps.SupportsFanOutOutcomes)
	assert.True(t, caps.SupportsDeadLetterIntrospection)
	assert.True(t, caps.SupportsQueueIntrospection)
}

func TestBackendPublishReceiveAcknowledge(t *testing.T) {
	backend := newBackend(t)
	ctx := context.Background()

	require.NoError(t, backend.Admin.CreateTopic(ctx, "orders"))
	require.NoError(t, backend.Admin.CreateQueue(ctx, "q1"))
	require.NoError(t, backend.Admin.Subscribe(ctx, "orders", "q1", nil))

	env, err := broker.NewEnvelope([]byte(`{"order_id":"o-1"}`), map[string]string{"region": "eu"})
	require.NoError(t, err)

	result, err := backend.Topics.Publish(ctx, "orders", env)
	require.NoError(t, err)
	require.NoError(t, result.Err())

	got, err := backend.Queues.Receive(ctx, "q1", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, env.ID, got[0].Envelope.ID)

	require.NoError(t, backend.Queues.Acknowledge(ctx, "q1", got[0].Receipt))
}

func TestBackendExposesOptionalInterfaces(t *testing.T) {
	backend := newBackend(t)

	_, ok := backend.Queues.(broker.DeadLetterManager)
	assert.True(t, ok, "memory backend should implement DeadLetterManager")

	_, ok = backend.Queues.(broker.QueueIntrospector)
	assert.True(t, ok, "memory backend should implement QueueIntrospector")
}

func TestBuildAppliesQueueSettings(t *testing.T) {
	cfg := &config.Config{
		BackendSystem: BackendName,
		QueueCapacity: 1,
	}
	backend, err := Build(context.Background(), cfg, logging.NewNopLogger())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, backend.Admin.CreateQueue(ctx, "q1"))

	env, err := broker.NewEnvelope([]byte("a"), nil)
	require.NoError(t, err)
	require.NoError(t, backend.Queues.Enqueue(ctx, "q1", env))

	overflow, err := broker.NewEnvelope([]byte("b"), nil)
	require.NoError(t, err)
	assert.ErrorIs(t, backend.Queues.Enqueue(ctx, "q1", overflow), broker.ErrQueueFull)
}

func TestFactoryOverride(t *testing.T) {
	original := Factory
	defer func() { Factory = original }()

	var captured runtime.BusOptions
	Factory = func(opts runtime.BusOptions, logger logging.ServiceLogger) *runtime.Bus {
		captured = opts
		return runtime.NewBus(opts, logger)
	}

	cfg := &config.Config{BackendSystem: BackendName, MaxReceives: 7}
	_, err := Build(context.Background(), cfg, logging.NewNopLogger())
	require.NoError(t, err)
	assert.Equal(t, 7, captured.QueueOptions.MaxReceives)
}
