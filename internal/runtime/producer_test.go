package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/drblury/fanflow/broker"
	runtimeerrors "github.com/drblury/fanflow/internal/runtime/errors"
	"github.com/drblury/fanflow/internal/runtime/jsoncodec"
	"github.com/drblury/fanflow/internal/runtime/logging"
)

func TestNewProducerValidation(t *testing.T) {
	b := newTestBus(t, BusOptions{})

	if _, err := NewProducer("", b, nil); !errors.Is(err, runtimeerrors.ErrTopicRequired) {
		t.Fatalf("NewProducer() error = %v, want ErrTopicRequired", err)
	}
	if _, err := NewProducer("orders", nil, nil); !errors.Is(err, runtimeerrors.ErrTopicsRequired) {
		t.Fatalf("NewProducer() error = %v, want ErrTopicsRequired", err)
	}
	if _, err := NewProducer("orders", b, nil); err != nil {
		t.Fatalf("NewProducer() error = %v", err)
	}
}

func TestProducerSend(t *testing.T) {
	b := newTestBus(t, BusOptions{})
	ctx := context.Background()
	b.CreateTopic(ctx, "orders")
	b.CreateQueue(ctx, "q1")
	b.Subscribe(ctx, "orders", "q1", nil)

	p, err := NewProducer("orders", b, logging.NewNopLogger())
	if err != nil {
		t.Fatalf("NewProducer() error = %v", err)
	}

	result, err := p.Send(ctx, []byte(`{"order_id":"o-1"}`), map[string]string{"region": "eu"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if result.EnvelopeID == "" {
		t.Fatal("Send() returned an empty envelope ID")
	}

	got, err := b.Receive(ctx, "q1", 1, time.Minute)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if len(got) != 1 || got[0].Envelope.ID != result.EnvelopeID {
		t.Fatalf("Receive() = %v, want envelope %s", got, result.EnvelopeID)
	}
	if got[0].Envelope.Attributes["region"] != "eu" {
		t.Fatalf("attributes = %v, want region=eu", got[0].Envelope.Attributes)
	}
}

func TestProducerSendInvalidPayload(t *testing.T) {
	b := newTestBus(t, BusOptions{})
	p, err := NewProducer("orders", b, nil)
	if err != nil {
		t.Fatalf("NewProducer() error = %v", err)
	}

	_, err = p.Send(context.Background(), nil, nil)
	var invalid *broker.InvalidMessageError
	if !errors.As(err, &invalid) {
		t.Fatalf("Send() error = %v, want *InvalidMessageError", err)
	}
}

func TestProducerSendUnknownTopic(t *testing.T) {
	b := newTestBus(t, BusOptions{})
	p, err := NewProducer("orders", b, nil)
	if err != nil {
		t.Fatalf("NewProducer() error = %v", err)
	}

	_, err = p.Send(context.Background(), []byte("payload"), nil)
	if !errors.Is(err, broker.ErrTopicNotFound) {
		t.Fatalf("Send() error = %v, want ErrTopicNotFound", err)
	}
}

func TestProducerSendJSON(t *testing.T) {
	b := newTestBus(t, BusOptions{})
	ctx := context.Background()
	b.CreateTopic(ctx, "orders")
	b.CreateQueue(ctx, "q1")
	b.Subscribe(ctx, "orders", "q1", nil)

	p, err := NewProducer("orders", b, nil)
	if err != nil {
		t.Fatalf("NewProducer() error = %v", err)
	}

	type order struct {
		OrderID string  `json:"order_id"`
		Total   float64 `json:"total"`
	}
	if _, err := p.SendJSON(ctx, order{OrderID: "o-1", Total: 12.50}, nil); err != nil {
		t.Fatalf("SendJSON() error = %v", err)
	}

	got, err := b.Receive(ctx, "q1", 1, time.Minute)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	var decoded order
	if err := jsoncodec.Unmarshal(got[0].Envelope.Payload, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if decoded.OrderID != "o-1" {
		t.Fatalf("decoded order = %+v", decoded)
	}
}
