// Package broker defines the queue/topic capability interfaces fanflow
// components are written against. Each backend implementation (memory,
// awssns, ...) lives in its own sub-package and registers itself with the
// backend registry, so the production and test implementations are selected
// by name at startup.
package broker

import (
	"context"
	"time"

	loggingpkg "github.com/drblury/fanflow/internal/runtime/logging"
)

// Delivery is one receive attempt of an envelope from a queue. The receipt
// identifies exactly this attempt and is required to acknowledge it; it is
// invalidated if the entry's visibility timeout elapses and the entry is
// received again.
type Delivery struct {
	Envelope     Envelope
	Queue        string
	Receipt      string
	ReceiveCount int
}

// SubscriberOutcome records what happened to one subscriber during a single
// fan-out.
type SubscriberOutcome struct {
	Queue string
	// Enqueued is true when the envelope landed on the subscriber's queue.
	Enqueued bool
	// Filtered is true when the subscription's filter rejected the envelope.
	// Filtered outcomes carry no error; they are the filter doing its job.
	Filtered bool
	Err      error
}

// PublishResult reports a publish call: the assigned envelope ID plus one
// outcome per subscriber in the registry snapshot the fan-out used. A topic
// with zero subscribers yields an empty outcome list and no error.
type PublishResult struct {
	EnvelopeID string
	Outcomes   []SubscriberOutcome
}

// FailedQueues returns the names of subscribers whose enqueue failed.
func (r PublishResult) FailedQueues() []string {
	var failed []string
	for _, outcome := range r.Outcomes {
		if outcome.Err != nil {
			failed = append(failed, outcome.Queue)
		}
	}
	return failed
}

// Err returns a PartialDeliveryError when any subscriber failed, nil
// otherwise.
func (r PublishResult) Err() error {
	failed := r.FailedQueues()
	if len(failed) == 0 {
		return nil
	}
	return &PartialDeliveryError{EnvelopeID: r.EnvelopeID, FailedQueues: failed}
}

// TopicClient publishes envelopes to named topics.
type TopicClient interface {
	// Publish fans the envelope out to every queue subscribed to the topic.
	// One subscriber's failure does not block delivery to the others; the
	// result carries per-subscriber outcomes and result.Err() reports
	// partial failure. Publishing to a topic with zero subscribers succeeds
	// with an empty outcome list.
	Publish(ctx context.Context, topic string, env Envelope) (PublishResult, error)
}

// QueueClient receives from and acknowledges named queues.
type QueueClient interface {
	// Enqueue appends the envelope directly to a queue, bypassing topics.
	// Fails with ErrQueueFull when the queue is at capacity.
	Enqueue(ctx context.Context, queue string, env Envelope) error

	// Receive returns up to maxMessages currently-visible deliveries,
	// oldest-available-first, marking each invisible until now+visibility
	// and incrementing its receive count. An empty slice means nothing is
	// visible; callers poll with their own backoff.
	Receive(ctx context.Context, queue string, maxMessages int, visibility time.Duration) ([]Delivery, error)

	// Acknowledge permanently removes the delivery identified by receipt.
	// Fails with ErrInvalidReceipt when the receipt is stale.
	Acknowledge(ctx context.Context, queue string, receipt string) error
}

// Admin is the operator boundary: deployment tooling uses it to wire topics
// to queues. It is not a hot path.
type Admin interface {
	CreateTopic(ctx context.Context, topic string) error
	DeleteTopic(ctx context.Context, topic string) error
	CreateQueue(ctx context.Context, queue string) error
	DeleteQueue(ctx context.Context, queue string) error

	// Subscribe binds the queue to the topic, optionally with a filter.
	// Subscribing an already-subscribed queue updates its filter.
	Subscribe(ctx context.Context, topic, queue string, filter Filter) error

	// Unsubscribe removes the binding. Unsubscribing a queue that is not
	// subscribed is a no-op success.
	Unsubscribe(ctx context.Context, topic, queue string) error
}

// Backend bundles the capability clients produced by a builder.
type Backend struct {
	Topics TopicClient
	Queues QueueClient
	Admin  Admin
}

// Builder is the function signature for creating a backend from config.
// Each backend package provides a Builder and registers it by name.
type Builder func(ctx context.Context, cfg Config, logger loggingpkg.ServiceLogger) (Backend, error)

// Config exposes the configuration values backends need. The narrow
// interface lets backends read only their own keys without depending on the
// full config package.
type Config interface {
	// GetBackendSystem returns the backend name ("memory", "aws").
	GetBackendSystem() string

	// Queue defaults.
	GetQueueCapacity() int
	GetVisibilityTimeout() time.Duration
	GetMaxReceives() int
	GetDeadLetterSuffix() string

	// AWS.
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// DeadLetterEntry describes a message parked on a dead-letter queue.
type DeadLetterEntry struct {
	Envelope    Envelope
	SourceQueue string
	// Receives is the receive count the entry had accumulated when the
	// redrive policy moved it.
	Receives int
	MovedAt  time.Time
}

// DeadLetterManager is implemented by backends that expose dead-letter
// introspection and recovery.
type DeadLetterManager interface {
	DeadLetterCount(ctx context.Context, queue string) (int, error)
	ListDeadLetters(ctx context.Context, queue string, limit, offset int) ([]DeadLetterEntry, error)
	// RedriveDeadLetters moves every parked entry back onto its source
	// queue with a reset receive count, returning how many moved.
	RedriveDeadLetters(ctx context.Context, queue string) (int, error)
	PurgeDeadLetters(ctx context.Context, queue string) (int, error)
}

// QueueIntrospector is implemented by backends that can report queue depth.
type QueueIntrospector interface {
	PendingCount(ctx context.Context, queue string) (int, error)
}
