package runtime

import (
	"context"
	"fmt"

	"github.com/drblury/fanflow/broker"
	"github.com/drblury/fanflow/internal/runtime/jsoncodec"
)

// JSONHandler adapts a typed function into a Handler by decoding the
// delivery payload as JSON. A payload that does not decode into T is
// rejected without invoking fn; the delivery is then redelivered until its
// receive budget parks it in the dead-letter store, where the malformed
// payload can be inspected.
func JSONHandler[T any](fn func(ctx context.Context, payload T, delivery broker.Delivery) error) Handler {
	return func(ctx context.Context, delivery broker.Delivery) error {
		var payload T
		if err := jsoncodec.Unmarshal(delivery.Envelope.Payload, &payload); err != nil {
			return fmt.Errorf("decode payload for envelope %s: %w", delivery.Envelope.ID, err)
		}
		return fn(ctx, payload, delivery)
	}
}
