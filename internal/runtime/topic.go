package runtime

import (
	"sync"

	"github.com/drblury/fanflow/broker"
	"github.com/drblury/fanflow/internal/runtime/logging"
)

// QueueResolver looks up a live queue by name. The bus provides it so topics
// never hold queue references of their own; a deleted queue simply stops
// resolving.
type QueueResolver func(name string) (*Queue, bool)

// Topic fans published envelopes out to subscribed queues. Each subscriber's
// enqueue is independent, so the fan-out runs them in parallel and one
// subscriber's failure never blocks the others.
type Topic struct {
	name     string
	registry *SubscriptionRegistry
	resolve  QueueResolver
	logger   logging.ServiceLogger
}

// NewTopic creates a topic backed by the given registry and queue resolver.
func NewTopic(name string, registry *SubscriptionRegistry, resolve QueueResolver, logger logging.ServiceLogger) *Topic {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Topic{
		name:     name,
		registry: registry,
		resolve:  resolve,
		logger:   logger.With(logging.LogFields{"topic": name}),
	}
}

// Name returns the topic name.
func (t *Topic) Name() string {
	return t.name
}

// Publish delivers the envelope to every queue in the registry snapshot
// taken at the start of the call. Subscribers whose filter rejects the
// envelope's attributes are skipped without error. The result holds one
// outcome per snapshot entry, in snapshot order; result.Err() reports
// subscribers whose enqueue failed.
func (t *Topic) Publish(env broker.Envelope) broker.PublishResult {
	snapshot := t.registry.Snapshot(t.name)

	result := broker.PublishResult{
		EnvelopeID: env.ID,
		Outcomes:   make([]broker.SubscriberOutcome, len(snapshot)),
	}

	var wg sync.WaitGroup
	for i, sub := range snapshot {
		wg.Add(1)
		go func(i int, sub Subscription) {
			defer wg.Done()
			result.Outcomes[i] = t.deliver(env, sub)
		}(i, sub)
	}
	wg.Wait()

	for _, outcome := range result.Outcomes {
		if outcome.Err != nil {
			t.logger.Error("fan-out delivery failed", outcome.Err, logging.LogFields{
				"envelope_id": env.ID,
				"queue":       outcome.Queue,
			})
		}
	}
	return result
}

func (t *Topic) deliver(env broker.Envelope, sub Subscription) broker.SubscriberOutcome {
	outcome := broker.SubscriberOutcome{Queue: sub.Queue}

	if !sub.Filter.Matches(env.Attributes) {
		outcome.Filtered = true
		return outcome
	}

	queue, ok := t.resolve(sub.Queue)
	if !ok {
		// The queue was deleted after the snapshot was taken.
		outcome.Err = broker.ErrQueueNotFound
		return outcome
	}

	if err := queue.Enqueue(env); err != nil {
		outcome.Err = err
		return outcome
	}
	outcome.Enqueued = true
	return outcome
}
