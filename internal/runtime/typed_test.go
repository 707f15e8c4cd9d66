package runtime

import (
	"context"
	"testing"

	"github.com/drblury/fanflow/broker"
)

func TestJSONHandlerDecodesPayload(t *testing.T) {
	type order struct {
		ID     int    `json:"id"`
		Region string `json:"region"`
	}

	var got order
	handler := JSONHandler(func(_ context.Context, payload order, _ broker.Delivery) error {
		got = payload
		return nil
	})

	delivery := broker.Delivery{
		Envelope: broker.Envelope{ID: "e1", Payload: []byte(`{"id":7,"region":"eu"}`)},
	}
	if err := handler(context.Background(), delivery); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != 7 || got.Region != "eu" {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestJSONHandlerRejectsMalformedPayload(t *testing.T) {
	called := false
	handler := JSONHandler(func(_ context.Context, _ map[string]int, _ broker.Delivery) error {
		called = true
		return nil
	})

	delivery := broker.Delivery{
		Envelope: broker.Envelope{ID: "e2", Payload: []byte("not json")},
	}
	if err := handler(context.Background(), delivery); err == nil {
		t.Fatal("expected decode error")
	}
	if called {
		t.Fatal("handler must not run on malformed payload")
	}
}
