package runtime

import (
	"context"

	"github.com/drblury/fanflow/broker"
	runtimeerrors "github.com/drblury/fanflow/internal/runtime/errors"
	"github.com/drblury/fanflow/internal/runtime/jsoncodec"
	"github.com/drblury/fanflow/internal/runtime/logging"
)

// Producer builds envelopes and publishes them to one topic. It holds only
// the topic name; the topic itself is resolved by the client on every call,
// so a producer created before its topic stays valid once the topic exists.
type Producer struct {
	topic  string
	topics broker.TopicClient
	logger logging.ServiceLogger
}

// NewProducer creates a producer bound to a topic name.
func NewProducer(topic string, topics broker.TopicClient, logger logging.ServiceLogger) (*Producer, error) {
	if topic == "" {
		return nil, runtimeerrors.ErrTopicRequired
	}
	if topics == nil {
		return nil, runtimeerrors.ErrTopicsRequired
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Producer{
		topic:  topic,
		topics: topics,
		logger: logger.With(logging.LogFields{"topic": topic}),
	}, nil
}

// Topic returns the topic name the producer publishes to.
func (p *Producer) Topic() string {
	return p.topic
}

// Send builds an envelope from payload and attributes and publishes it.
// Validation failures surface as *broker.InvalidMessageError; partial
// delivery is reported through result.Err(), not through the error return.
func (p *Producer) Send(ctx context.Context, payload []byte, attributes map[string]string) (broker.PublishResult, error) {
	env, err := broker.NewEnvelope(payload, attributes)
	if err != nil {
		return broker.PublishResult{}, err
	}

	result, err := p.topics.Publish(ctx, p.topic, env)
	if err != nil {
		return result, err
	}

	p.logger.Debug("envelope published", logging.LogFields{
		"envelope_id": result.EnvelopeID,
		"subscribers": len(result.Outcomes),
	})
	return result, nil
}

// SendJSON marshals v and publishes it as the envelope payload.
func (p *Producer) SendJSON(ctx context.Context, v any, attributes map[string]string) (broker.PublishResult, error) {
	payload, err := jsoncodec.Marshal(v)
	if err != nil {
		return broker.PublishResult{}, err
	}
	return p.Send(ctx, payload, attributes)
}
