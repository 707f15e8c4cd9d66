package runtime

import (
	"context"
	"time"
)

// DeliveryContext carries information about one delivery attempt to hooks.
type DeliveryContext struct {
	// RunnerName is the name of the runner processing the delivery.
	RunnerName string
	// Queue is the queue the delivery came from.
	Queue string
	// EnvelopeID is the unique identifier of the envelope.
	EnvelopeID string
	// Attributes are the envelope's routing attributes.
	Attributes map[string]string
	// Context is the context the handler runs under.
	Context context.Context
	// ReceiveCount is how many times this entry has been received,
	// including this attempt.
	ReceiveCount int
	// StartedAt is when the handler started.
	StartedAt time.Time
	// Duration is how long the handler took. Only set in OnDeliveryDone and
	// OnDeliveryError.
	Duration time.Duration
}

// DeliveryHooks defines callbacks for the delivery lifecycle. All hooks are
// optional; nil hooks are simply not called.
type DeliveryHooks struct {
	// OnDeliveryStart is called before the handler is invoked.
	OnDeliveryStart func(ctx DeliveryContext)

	// OnDeliveryDone is called after the handler succeeds and the delivery
	// has been acknowledged.
	OnDeliveryDone func(ctx DeliveryContext)

	// OnDeliveryError is called when the handler fails. The entry stays on
	// the queue and becomes visible again after its timeout.
	OnDeliveryError func(ctx DeliveryContext, err error)
}

// Merge combines two DeliveryHooks into one that calls both. The hooks from
// other run after the hooks from h.
func (h DeliveryHooks) Merge(other DeliveryHooks) DeliveryHooks {
	return DeliveryHooks{
		OnDeliveryStart: chainHooks(h.OnDeliveryStart, other.OnDeliveryStart),
		OnDeliveryDone:  chainHooks(h.OnDeliveryDone, other.OnDeliveryDone),
		OnDeliveryError: chainErrorHooks(h.OnDeliveryError, other.OnDeliveryError),
	}
}

func chainHooks(a, b func(DeliveryContext)) func(DeliveryContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx DeliveryContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(DeliveryContext, error)) func(DeliveryContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx DeliveryContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}
