// Package wmbridge adapts a fanflow backend to the Watermill publisher and
// subscriber interfaces, so services already written against Watermill can
// publish to fanflow topics and consume fanflow queues without touching the
// broker API directly.
package wmbridge

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/fanflow/broker"
	"github.com/drblury/fanflow/internal/runtime/logging"
)

// ErrSubscriberClosed is returned by Subscribe after Close.
var ErrSubscriberClosed = errors.New("fanflow: subscriber is closed")

// ReceiveCountMetadataKey carries the delivery's receive count into message
// metadata, so Watermill handlers can implement their own retry cutoffs.
const ReceiveCountMetadataKey = "fanflow_receive_count"

// Publisher publishes Watermill messages to fanflow topics. Message metadata
// becomes envelope attributes, so subscription filters apply to bridged
// messages the same way they apply to native ones.
type Publisher struct {
	topics broker.TopicClient
	logger logging.ServiceLogger
}

// NewPublisher creates a publisher over the backend's topic client.
func NewPublisher(topics broker.TopicClient, logger logging.ServiceLogger) *Publisher {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Publisher{topics: topics, logger: logger}
}

// Publish fans each message out to the topic's subscribers. Partial delivery
// failures are returned; the messages that did land stay delivered.
func (p *Publisher) Publish(topic string, messages ...*message.Message) error {
	for _, msg := range messages {
		attributes := make(map[string]string, len(msg.Metadata))
		for k, v := range msg.Metadata {
			attributes[k] = v
		}

		env, err := broker.NewEnvelope(msg.Payload, attributes)
		if err != nil {
			return err
		}

		ctx := msg.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		result, err := p.topics.Publish(ctx, topic, env)
		if err != nil {
			return err
		}
		if err := result.Err(); err != nil {
			return err
		}

		p.logger.Debug("bridged message published", logging.LogFields{
			"topic":       topic,
			"message_id":  msg.UUID,
			"envelope_id": result.EnvelopeID,
		})
	}
	return nil
}

// Close is a no-op; the publisher holds no resources of its own.
func (p *Publisher) Close() error {
	return nil
}

// SubscriberOptions tunes the bridge's poll loop.
type SubscriberOptions struct {
	// PollInterval is the delay between empty polls. Defaults to 100ms.
	PollInterval time.Duration
	// VisibilityTimeout is requested per receive. Zero uses the queue
	// default.
	VisibilityTimeout time.Duration
}

func (o SubscriberOptions) withDefaults() SubscriberOptions {
	if o.PollInterval <= 0 {
		o.PollInterval = 100 * time.Millisecond
	}
	return o
}

// Subscriber surfaces a fanflow queue as a Watermill message stream. Each
// delivery is sent on the channel and held until the consumer acks or nacks:
// an ack acknowledges the delivery on the queue, a nack abandons it so it
// reappears after the visibility timeout.
type Subscriber struct {
	queues broker.QueueClient
	opts   SubscriberOptions
	logger logging.ServiceLogger

	closed     bool
	closedMu   sync.Mutex
	closedChan chan struct{}
	wg         sync.WaitGroup
}

// NewSubscriber creates a subscriber over the backend's queue client.
func NewSubscriber(queues broker.QueueClient, opts SubscriberOptions, logger logging.ServiceLogger) *Subscriber {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Subscriber{
		queues:     queues,
		opts:       opts.withDefaults(),
		logger:     logger,
		closedChan: make(chan struct{}),
	}
}

// Subscribe starts a poll loop on the named queue. The stream closes when
// the context is cancelled or the subscriber is closed.
func (s *Subscriber) Subscribe(ctx context.Context, queue string) (<-chan *message.Message, error) {
	s.closedMu.Lock()
	if s.closed {
		s.closedMu.Unlock()
		return nil, ErrSubscriberClosed
	}
	s.wg.Add(1)
	s.closedMu.Unlock()

	out := make(chan *message.Message)
	go func() {
		defer s.wg.Done()
		defer close(out)
		s.pollLoop(ctx, queue, out)
	}()
	return out, nil
}

func (s *Subscriber) pollLoop(ctx context.Context, queue string, out chan<- *message.Message) {
	timer := time.NewTimer(s.opts.PollInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closedChan:
			return
		default:
		}

		deliveries, err := s.queues.Receive(ctx, queue, 1, s.opts.VisibilityTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("bridge receive failed", err, logging.LogFields{"queue": queue})
		}

		if len(deliveries) == 0 {
			timer.Reset(s.opts.PollInterval)
			select {
			case <-ctx.Done():
				return
			case <-s.closedChan:
				return
			case <-timer.C:
			}
			continue
		}

		if !s.handleDelivery(ctx, queue, deliveries[0], out) {
			return
		}
	}
}

// handleDelivery sends the delivery as a Watermill message and settles it
// per the consumer's ack or nack. Returns false when the loop should stop.
func (s *Subscriber) handleDelivery(ctx context.Context, queue string, d broker.Delivery, out chan<- *message.Message) bool {
	msg := message.NewMessage(d.Envelope.ID, d.Envelope.Payload)
	for k, v := range d.Envelope.Attributes {
		msg.Metadata.Set(k, v)
	}
	msg.Metadata.Set(ReceiveCountMetadataKey, strconv.Itoa(d.ReceiveCount))
	msg.SetContext(ctx)

	select {
	case out <- msg:
	case <-ctx.Done():
		return false
	case <-s.closedChan:
		return false
	}

	select {
	case <-msg.Acked():
		if err := s.queues.Acknowledge(ctx, queue, d.Receipt); err != nil {
			s.logger.Error("bridge acknowledge failed", err, logging.LogFields{
				"queue":       queue,
				"envelope_id": d.Envelope.ID,
			})
		}
	case <-msg.Nacked():
		// Abandoned: the entry becomes visible again after its timeout.
	case <-ctx.Done():
		return false
	case <-s.closedChan:
		return false
	}
	return true
}

// Close stops every subscription and waits for the poll loops to exit.
func (s *Subscriber) Close() error {
	s.closedMu.Lock()
	if s.closed {
		s.closedMu.Unlock()
		return nil
	}
	s.closed = true
	close(s.closedChan)
	s.closedMu.Unlock()

	s.wg.Wait()
	return nil
}
