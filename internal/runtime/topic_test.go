package runtime

import (
	"errors"
	"testing"
	"time"

	"github.com/drblury/fanflow/broker"
	"github.com/drblury/fanflow/internal/runtime/logging"
)

func newTestTopic(t *testing.T, queues map[string]*Queue) (*Topic, *SubscriptionRegistry) {
	t.Helper()
	registry := NewSubscriptionRegistry()
	resolve := func(name string) (*Queue, bool) {
		q, ok := queues[name]
		return q, ok
	}
	return NewTopic("orders", registry, resolve, logging.NewNopLogger()), registry
}

func TestTopicFanOut(t *testing.T) {
	queues := map[string]*Queue{
		"q1": NewQueue("q1", QueueOptions{}),
		"q2": NewQueue("q2", QueueOptions{}),
	}
	topic, registry := newTestTopic(t, queues)
	registry.Subscribe("orders", "q1", nil)
	registry.Subscribe("orders", "q2", nil)

	env := mustEnvelope(t, `{"order_id":"o-1"}`)
	result := topic.Publish(env)

	if err := result.Err(); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if len(result.Outcomes) != 2 {
		t.Fatalf("Outcomes = %d, want 2", len(result.Outcomes))
	}
	for _, q := range queues {
		got, _ := q.Receive(1, time.Minute)
		if len(got) != 1 {
			t.Fatalf("queue %s received %d deliveries, want 1", q.Name(), len(got))
		}
		if got[0].Envelope.ID != env.ID {
			t.Fatalf("queue %s got envelope %s, want %s", q.Name(), got[0].Envelope.ID, env.ID)
		}
	}
}

func TestTopicZeroSubscribers(t *testing.T) {
	topic, _ := newTestTopic(t, nil)

	result := topic.Publish(mustEnvelope(t, "payload"))
	if err := result.Err(); err != nil {
		t.Fatalf("Publish() with no subscribers error = %v", err)
	}
	if len(result.Outcomes) != 0 {
		t.Fatalf("Outcomes = %d, want 0", len(result.Outcomes))
	}
}

func TestTopicFilteredSubscriber(t *testing.T) {
	queues := map[string]*Queue{
		"eu": NewQueue("eu", QueueOptions{}),
		"us": NewQueue("us", QueueOptions{}),
	}
	topic, registry := newTestTopic(t, queues)
	registry.Subscribe("orders", "eu", broker.Filter{"region": {"eu"}})
	registry.Subscribe("orders", "us", broker.Filter{"region": {"us"}})

	env, err := broker.NewEnvelope([]byte("payload"), map[string]string{"region": "eu"})
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}

	result := topic.Publish(env)
	if err := result.Err(); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	byQueue := make(map[string]broker.SubscriberOutcome)
	for _, outcome := range result.Outcomes {
		byQueue[outcome.Queue] = outcome
	}
	if !byQueue["eu"].Enqueued {
		t.Fatal("eu subscriber should have been enqueued")
	}
	if !byQueue["us"].Filtered {
		t.Fatal("us subscriber should have been filtered")
	}
	if got, _ := queues["us"].Receive(1, time.Minute); len(got) != 0 {
		t.Fatalf("filtered queue received %d deliveries, want 0", len(got))
	}
}

func TestTopicPartialFailureIsolation(t *testing.T) {
	queues := map[string]*Queue{
		"full": NewQueue("full", QueueOptions{Capacity: 1}),
		"ok":   NewQueue("ok", QueueOptions{}),
	}
	if err := queues["full"].Enqueue(mustEnvelope(t, "filler")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	topic, registry := newTestTopic(t, queues)
	registry.Subscribe("orders", "full", nil)
	registry.Subscribe("orders", "ok", nil)

	env := mustEnvelope(t, "payload")
	result := topic.Publish(env)

	err := result.Err()
	if err == nil {
		t.Fatal("Publish() should report partial failure")
	}
	var partial *broker.PartialDeliveryError
	if !errors.As(err, &partial) {
		t.Fatalf("error type = %T, want *PartialDeliveryError", err)
	}
	if len(partial.FailedQueues) != 1 || partial.FailedQueues[0] != "full" {
		t.Fatalf("FailedQueues = %v, want [full]", partial.FailedQueues)
	}

	// The healthy subscriber still got the envelope.
	got, _ := queues["ok"].Receive(1, time.Minute)
	if len(got) != 1 || got[0].Envelope.ID != env.ID {
		t.Fatalf("healthy queue deliveries = %v", got)
	}
}

func TestTopicEnvelopeIsolationAcrossSubscribers(t *testing.T) {
	queues := map[string]*Queue{
		"q1": NewQueue("q1", QueueOptions{}),
		"q2": NewQueue("q2", QueueOptions{}),
	}
	topic, registry := newTestTopic(t, queues)
	registry.Subscribe("orders", "q1", nil)
	registry.Subscribe("orders", "q2", nil)

	topic.Publish(mustEnvelope(t, "payload"))

	d1, _ := queues["q1"].Receive(1, time.Minute)
	d2, _ := queues["q2"].Receive(1, time.Minute)

	// Mutating one delivery's payload must not leak into the other queue's
	// copy.
	d1[0].Envelope.Payload[0] = 'X'
	if d2[0].Envelope.Payload[0] == 'X' {
		t.Fatal("subscriber copies share payload memory")
	}
}

func TestTopicDeletedQueueAfterSnapshot(t *testing.T) {
	queues := map[string]*Queue{}
	topic, registry := newTestTopic(t, queues)
	registry.Subscribe("orders", "gone", nil)

	result := topic.Publish(mustEnvelope(t, "payload"))
	if err := result.Err(); err == nil {
		t.Fatal("Publish() to a deleted queue should report failure")
	}
	if !errors.Is(result.Outcomes[0].Err, broker.ErrQueueNotFound) {
		t.Fatalf("outcome error = %v, want ErrQueueNotFound", result.Outcomes[0].Err)
	}
}
