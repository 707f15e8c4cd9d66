package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/drblury/fanflow/broker"
	"github.com/drblury/fanflow/internal/runtime/logging"
)

// BusOptions configures the in-process bus.
type BusOptions struct {
	// QueueOptions are applied to every queue the bus creates.
	QueueOptions QueueOptions
}

// Bus is the in-process broker core: it owns the queues, the topics, and the
// subscription registry, and implements the full client surface, including
// dead-letter management and queue introspection. Topics and queues are
// created through the admin methods; publish and receive resolve them by
// name at call time.
type Bus struct {
	opts   BusOptions
	logger logging.ServiceLogger

	mu     sync.RWMutex
	topics map[string]*Topic
	queues map[string]*Queue

	registry *SubscriptionRegistry

	// metrics is optional; a nil bus-wide collector disables recording.
	metrics *Metrics
}

// NewBus creates an empty bus.
func NewBus(opts BusOptions, logger logging.ServiceLogger) *Bus {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Bus{
		opts:     opts,
		logger:   logger,
		topics:   make(map[string]*Topic),
		queues:   make(map[string]*Queue),
		registry: NewSubscriptionRegistry(),
	}
}

// SetMetrics attaches a metrics collector. Called by the service during
// wiring; safe to skip entirely.
func (b *Bus) SetMetrics(m *Metrics) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metrics = m
}

func (b *Bus) getMetrics() *Metrics {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.metrics
}

func (b *Bus) resolveQueue(name string) (*Queue, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.queues[name]
	return q, ok
}

// CreateTopic registers a topic. Creating an existing topic is a no-op.
func (b *Bus) CreateTopic(_ context.Context, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.topics[topic]; ok {
		return nil
	}
	b.topics[topic] = NewTopic(topic, b.registry, b.resolveQueue, b.logger)
	b.logger.Info("topic created", logging.LogFields{"topic": topic})
	return nil
}

// DeleteTopic removes a topic and all its subscriptions.
func (b *Bus) DeleteTopic(_ context.Context, topic string) error {
	b.mu.Lock()
	delete(b.topics, topic)
	b.registry.DropTopic(topic)
	b.mu.Unlock()

	b.logger.Info("topic deleted", logging.LogFields{"topic": topic})
	return nil
}

// CreateQueue registers a queue with the bus-wide queue options. Creating an
// existing queue is a no-op.
func (b *Bus) CreateQueue(_ context.Context, queue string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.queues[queue]; ok {
		return nil
	}
	b.queues[queue] = NewQueue(queue, b.opts.QueueOptions)
	b.logger.Info("queue created", logging.LogFields{"queue": queue})
	return nil
}

// DeleteQueue removes a queue and detaches it from every topic. Messages on
// the queue, including dead letters, are dropped.
func (b *Bus) DeleteQueue(_ context.Context, queue string) error {
	b.mu.Lock()
	delete(b.queues, queue)
	b.registry.DropQueue(queue)
	b.mu.Unlock()

	b.logger.Info("queue deleted", logging.LogFields{"queue": queue})
	return nil
}

// Subscribe binds the queue to the topic. Both must exist. Re-subscribing
// updates the filter. The existence check and the registry write happen
// under one lock, so a concurrent DeleteQueue cannot leave a binding to a
// queue that is already gone.
func (b *Bus) Subscribe(_ context.Context, topic, queue string, filter broker.Filter) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.topics[topic]; !ok {
		return broker.ErrTopicNotFound
	}
	if _, ok := b.queues[queue]; !ok {
		return broker.ErrQueueNotFound
	}

	b.registry.Subscribe(topic, queue, filter)
	b.logger.Info("queue subscribed", logging.LogFields{
		"topic":    topic,
		"queue":    queue,
		"filtered": !filter.MatchAll(),
	})
	return nil
}

// Unsubscribe removes the binding. Unsubscribing a queue that is not bound
// is a no-op success.
func (b *Bus) Unsubscribe(_ context.Context, topic, queue string) error {
	b.registry.Unsubscribe(topic, queue)
	return nil
}

// Publish fans the envelope out to the topic's current subscribers. The
// returned result carries one outcome per subscriber; result.Err() reports
// partial failure without masking successful deliveries.
func (b *Bus) Publish(ctx context.Context, topic string, env broker.Envelope) (broker.PublishResult, error) {
	if err := ctx.Err(); err != nil {
		return broker.PublishResult{}, err
	}

	b.mu.RLock()
	t, ok := b.topics[topic]
	b.mu.RUnlock()
	if !ok {
		return broker.PublishResult{}, broker.ErrTopicNotFound
	}

	result := t.Publish(env)
	if m := b.getMetrics(); m != nil {
		m.RecordPublish(topic, result)
		for _, outcome := range result.Outcomes {
			if outcome.Enqueued {
				if q, ok := b.resolveQueue(outcome.Queue); ok {
					m.SetPending(outcome.Queue, q.Pending())
				}
			}
		}
	}
	return result, nil
}

// Enqueue places the envelope directly on a queue, bypassing topics.
func (b *Bus) Enqueue(ctx context.Context, queue string, env broker.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q, ok := b.resolveQueue(queue)
	if !ok {
		return broker.ErrQueueNotFound
	}
	if err := q.Enqueue(env); err != nil {
		return err
	}
	if m := b.getMetrics(); m != nil {
		m.RecordEnqueue(queue)
		m.SetPending(queue, q.Pending())
	}
	return nil
}

// Receive claims up to maxMessages visible deliveries from the queue.
func (b *Bus) Receive(ctx context.Context, queue string, maxMessages int, visibility time.Duration) ([]broker.Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q, ok := b.resolveQueue(queue)
	if !ok {
		return nil, broker.ErrQueueNotFound
	}

	deliveries, parked := q.Receive(maxMessages, visibility)
	if m := b.getMetrics(); m != nil {
		m.RecordReceives(queue, len(deliveries))
		m.RecordDeadLettered(queue, parked)
		m.SetPending(queue, q.Pending())
	}
	if parked > 0 {
		b.logger.Info("entries moved to dead-letter store", logging.LogFields{
			"queue": queue,
			"count": parked,
		})
	}
	return deliveries, nil
}

// Acknowledge deletes the delivery identified by the receipt.
func (b *Bus) Acknowledge(ctx context.Context, queue string, receipt string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q, ok := b.resolveQueue(queue)
	if !ok {
		return broker.ErrQueueNotFound
	}

	receives, err := q.Acknowledge(receipt)
	if err != nil {
		return err
	}
	if m := b.getMetrics(); m != nil {
		m.RecordAck(queue, receives)
		m.SetPending(queue, q.Pending())
	}
	return nil
}

// PendingCount reports live entries on the queue, visible plus in-flight.
func (b *Bus) PendingCount(_ context.Context, queue string) (int, error) {
	q, ok := b.resolveQueue(queue)
	if !ok {
		return 0, broker.ErrQueueNotFound
	}
	return q.Pending(), nil
}

// DeadLetterCount reports parked entries for the queue.
func (b *Bus) DeadLetterCount(_ context.Context, queue string) (int, error) {
	q, ok := b.resolveQueue(queue)
	if !ok {
		return 0, broker.ErrQueueNotFound
	}
	return q.DeadLetterCount(), nil
}

// ListDeadLetters returns a page of the queue's parked entries.
func (b *Bus) ListDeadLetters(_ context.Context, queue string, limit, offset int) ([]broker.DeadLetterEntry, error) {
	q, ok := b.resolveQueue(queue)
	if !ok {
		return nil, broker.ErrQueueNotFound
	}
	return q.ListDeadLetters(limit, offset), nil
}

// RedriveDeadLetters moves every parked entry back onto the live queue with
// a reset receive count.
func (b *Bus) RedriveDeadLetters(_ context.Context, queue string) (int, error) {
	q, ok := b.resolveQueue(queue)
	if !ok {
		return 0, broker.ErrQueueNotFound
	}

	moved, err := q.RedriveDeadLetters()
	if m := b.getMetrics(); m != nil && moved > 0 {
		m.RecordRedriven(queue, moved)
		m.SetPending(queue, q.Pending())
	}
	if moved > 0 {
		b.logger.Info("dead letters redriven", logging.LogFields{
			"queue": queue,
			"count": moved,
		})
	}
	return moved, err
}

// PurgeDeadLetters drops every parked entry for the queue.
func (b *Bus) PurgeDeadLetters(_ context.Context, queue string) (int, error) {
	q, ok := b.resolveQueue(queue)
	if !ok {
		return 0, broker.ErrQueueNotFound
	}
	return q.PurgeDeadLetters(), nil
}
