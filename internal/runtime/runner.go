package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/drblury/fanflow/broker"
	runtimeerrors "github.com/drblury/fanflow/internal/runtime/errors"
	"github.com/drblury/fanflow/internal/runtime/logging"
)

// Handler processes one delivery. Returning nil acknowledges the delivery;
// returning an error abandons it, so it becomes visible again after its
// timeout and is retried. At-least-once semantics: handlers must be
// idempotent or dedupe by envelope ID.
type Handler func(ctx context.Context, delivery broker.Delivery) error

// RunnerState is the coarse position of a runner in its poll loop.
type RunnerState int32

const (
	RunnerIdle RunnerState = iota
	RunnerPolling
	RunnerProcessing
	RunnerAcknowledging
	RunnerStopped
)

func (s RunnerState) String() string {
	switch s {
	case RunnerIdle:
		return "idle"
	case RunnerPolling:
		return "polling"
	case RunnerProcessing:
		return "processing"
	case RunnerAcknowledging:
		return "acknowledging"
	case RunnerStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// RunnerOptions configures one consumer runner.
type RunnerOptions struct {
	// MaxMessages is the receive batch size. Defaults to 1.
	MaxMessages int
	// VisibilityTimeout is requested per receive. Zero uses the queue's
	// default. Must comfortably exceed the handler's worst-case runtime or
	// the entry is redelivered while still being processed.
	VisibilityTimeout time.Duration
	// PollInterval is the initial backoff delay after an empty poll.
	// Defaults to 100ms.
	PollInterval time.Duration
	// MaxPollInterval caps the backoff. Defaults to 5s.
	MaxPollInterval time.Duration
	// Hooks observe the delivery lifecycle.
	Hooks DeliveryHooks
}

func (o RunnerOptions) withDefaults() RunnerOptions {
	if o.MaxMessages <= 0 {
		o.MaxMessages = 1
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 100 * time.Millisecond
	}
	if o.MaxPollInterval <= 0 {
		o.MaxPollInterval = 5 * time.Second
	}
	return o
}

// Runner polls one queue and feeds deliveries to a handler, one at a time.
// Its lifecycle is a loop of polling, processing, and acknowledging or
// abandoning; cancellation via the Run context takes effect between
// deliveries, never mid-handler, so an in-flight delivery always reaches a
// definite outcome.
type Runner struct {
	name    string
	queue   string
	queues  broker.QueueClient
	handler Handler
	opts    RunnerOptions
	logger  logging.ServiceLogger
	metrics *Metrics

	state atomic.Int32
}

// NewRunner creates a runner. The queue client, queue name, runner name, and
// handler are required.
func NewRunner(name, queue string, queues broker.QueueClient, handler Handler, opts RunnerOptions, logger logging.ServiceLogger) (*Runner, error) {
	if name == "" {
		return nil, runtimeerrors.ErrRunnerNameRequired
	}
	if queue == "" {
		return nil, runtimeerrors.ErrQueueRequired
	}
	if queues == nil {
		return nil, runtimeerrors.ErrQueuesRequired
	}
	if handler == nil {
		return nil, runtimeerrors.ErrHandlerRequired
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	return &Runner{
		name:    name,
		queue:   queue,
		queues:  queues,
		handler: handler,
		opts:    opts.withDefaults(),
		logger: logger.With(logging.LogFields{
			"runner": name,
			"queue":  queue,
		}),
	}, nil
}

// SetMetrics attaches a metrics collector for handler timings.
func (r *Runner) SetMetrics(m *Metrics) {
	r.metrics = m
}

// Name returns the runner name.
func (r *Runner) Name() string {
	return r.name
}

// Queue returns the queue this runner consumes.
func (r *Runner) Queue() string {
	return r.queue
}

// State returns the runner's current lifecycle state.
func (r *Runner) State() RunnerState {
	return RunnerState(r.state.Load())
}

// Run polls until the context is cancelled. It returns nil on cancellation;
// any in-flight delivery finishes, and is acknowledged or abandoned, before
// Run returns. Receive errors are logged and retried with backoff, so a
// transient backend failure does not kill the runner.
func (r *Runner) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.opts.PollInterval
	bo.MaxInterval = r.opts.MaxPollInterval
	bo.Reset()

	r.logger.Info("runner started", nil)
	defer func() {
		r.state.Store(int32(RunnerStopped))
		r.logger.Info("runner stopped", nil)
	}()

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		r.state.Store(int32(RunnerPolling))
		deliveries, err := r.queues.Receive(ctx, r.queue, r.opts.MaxMessages, r.opts.VisibilityTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Error("receive failed", err, nil)
			if !r.sleep(ctx, bo.NextBackOff()) {
				return nil
			}
			continue
		}

		if len(deliveries) == 0 {
			r.state.Store(int32(RunnerIdle))
			if !r.sleep(ctx, bo.NextBackOff()) {
				return nil
			}
			continue
		}
		bo.Reset()

		for _, delivery := range deliveries {
			r.process(ctx, delivery)
			if ctx.Err() != nil {
				return nil
			}
		}
	}
}

// sleep waits for d or until the context is cancelled. Returns false on
// cancellation.
func (r *Runner) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// process runs the handler for one delivery and settles it. Success
// acknowledges; failure or panic abandons, leaving the entry to reappear
// after its visibility timeout.
func (r *Runner) process(ctx context.Context, delivery broker.Delivery) {
	r.state.Store(int32(RunnerProcessing))

	tracer := otel.Tracer("fanflow-runner")
	spanCtx, span := tracer.Start(ctx, "ProcessDelivery")
	defer span.End()
	span.SetAttributes(
		attribute.String("envelope.id", delivery.Envelope.ID),
		attribute.String("queue", delivery.Queue),
		attribute.Int("receive_count", delivery.ReceiveCount),
	)

	dc := DeliveryContext{
		RunnerName:   r.name,
		Queue:        delivery.Queue,
		EnvelopeID:   delivery.Envelope.ID,
		Attributes:   delivery.Envelope.Attributes,
		Context:      spanCtx,
		ReceiveCount: delivery.ReceiveCount,
		StartedAt:    time.Now(),
	}
	if r.opts.Hooks.OnDeliveryStart != nil {
		r.opts.Hooks.OnDeliveryStart(dc)
	}

	err := r.invoke(spanCtx, delivery)
	dc.Duration = time.Since(dc.StartedAt)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if r.metrics != nil {
			r.metrics.ObserveHandle(delivery.Queue, "error", dc.Duration)
		}
		r.logger.Error("delivery abandoned", err, logging.LogFields{
			"envelope_id":   delivery.Envelope.ID,
			"receive_count": delivery.ReceiveCount,
		})
		if r.opts.Hooks.OnDeliveryError != nil {
			r.opts.Hooks.OnDeliveryError(dc, err)
		}
		return
	}

	r.state.Store(int32(RunnerAcknowledging))
	// Settle with a non-cancellable context: a delivery whose handler ran
	// during shutdown must still be acknowledged, not redelivered.
	ackCtx := context.WithoutCancel(ctx)
	if ackErr := r.queues.Acknowledge(ackCtx, delivery.Queue, delivery.Receipt); ackErr != nil {
		if errors.Is(ackErr, broker.ErrInvalidReceipt) {
			// The visibility timeout elapsed mid-handler and the entry was
			// redelivered. The work is done; the duplicate settles the entry.
			r.logger.Debug("receipt went stale before acknowledge", logging.LogFields{
				"envelope_id": delivery.Envelope.ID,
			})
		} else {
			span.RecordError(ackErr)
			r.logger.Error("acknowledge failed", ackErr, logging.LogFields{
				"envelope_id": delivery.Envelope.ID,
			})
		}
	}
	if r.metrics != nil {
		r.metrics.ObserveHandle(delivery.Queue, "ok", dc.Duration)
	}
	if r.opts.Hooks.OnDeliveryDone != nil {
		r.opts.Hooks.OnDeliveryDone(dc)
	}
}

// invoke calls the handler, converting a panic into an error so one bad
// payload cannot take the runner down.
func (r *Runner) invoke(ctx context.Context, delivery broker.Delivery) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return r.handler(ctx, delivery)
}
