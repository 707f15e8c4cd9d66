package broker

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTopicNotFound is returned by publish calls naming an unknown topic.
	ErrTopicNotFound = errors.New("fanflow: topic not found")

	// ErrQueueNotFound is returned by queue operations naming an unknown queue.
	ErrQueueNotFound = errors.New("fanflow: queue not found")

	// ErrQueueFull is returned by enqueue when a queue is at capacity.
	ErrQueueFull = errors.New("fanflow: queue at capacity")

	// ErrInvalidReceipt is returned by acknowledge when the receipt is stale:
	// the entry was already deleted, or it became visible again and was
	// re-received, invalidating the old receipt. Consumers treat this as
	// benign (the delivery was handled elsewhere), not as a failure.
	ErrInvalidReceipt = errors.New("fanflow: receipt is stale or unknown")
)

// InvalidMessageError reports an envelope that failed construction-time
// validation. These are fatal to the publish call and never retried.
type InvalidMessageError struct {
	Reason string
}

func (e *InvalidMessageError) Error() string {
	return "fanflow: invalid message: " + e.Reason
}

// PartialDeliveryError reports a fan-out where some, but not all, subscribers
// received the published envelope. The envelope was enqueued everywhere not
// listed in FailedQueues; operators can decide whether to republish, which is
// only safe when handlers dedupe by envelope ID.
type PartialDeliveryError struct {
	EnvelopeID   string
	FailedQueues []string
}

func (e *PartialDeliveryError) Error() string {
	return fmt.Sprintf("fanflow: envelope %s not delivered to: %s",
		e.EnvelopeID, strings.Join(e.FailedQueues, ", "))
}
