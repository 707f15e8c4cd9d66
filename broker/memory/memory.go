// Package memory provides the in-process fanflow backend. It backs topics
// and queues with the runtime bus, so the full delivery surface, including
// dead-letter management and queue introspection, works without any external
// infrastructure. This backend is the default and is also what the test
// suites run against.
package memory

import (
	"context"

	"github.com/drblury/fanflow/broker"
	"github.com/drblury/fanflow/internal/runtime"
	"github.com/drblury/fanflow/internal/runtime/logging"
)

// BackendName is the name used to register this backend.
const BackendName = "memory"

// Factory allows overriding the bus creation for testing.
var Factory = func(opts runtime.BusOptions, logger logging.ServiceLogger) *runtime.Bus {
	return runtime.NewBus(opts, logger)
}

func init() {
	broker.RegisterWithCapabilities(BackendName, Build, broker.MemoryCapabilities)
}

// Build creates a new in-process backend from the queue settings in cfg.
func Build(_ context.Context, cfg broker.Config, logger logging.ServiceLogger) (broker.Backend, error) {
	bus := Factory(runtime.BusOptions{
		QueueOptions: runtime.QueueOptions{
			Capacity:          cfg.GetQueueCapacity(),
			VisibilityTimeout: cfg.GetVisibilityTimeout(),
			MaxReceives:       cfg.GetMaxReceives(),
		},
	}, logger)

	return broker.Backend{
		Topics: bus,
		Queues: bus,
		Admin:  bus,
	}, nil
}

// Capabilities returns the capabilities of this backend.
func Capabilities() broker.Capabilities {
	return broker.MemoryCapabilities
}
