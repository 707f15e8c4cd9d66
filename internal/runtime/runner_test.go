package runtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/drblury/fanflow/broker"
	runtimeerrors "github.com/drblury/fanflow/internal/runtime/errors"
	"github.com/drblury/fanflow/internal/runtime/logging"
)

func TestNewRunnerValidation(t *testing.T) {
	b := newTestBus(t, BusOptions{})
	handler := func(ctx context.Context, d broker.Delivery) error { return nil }

	cases := []struct {
		name    string
		runner  string
		queue   string
		queues  broker.QueueClient
		handler Handler
		wantErr error
	}{
		{"missing name", "", "q1", b, handler, runtimeerrors.ErrRunnerNameRequired},
		{"missing queue", "r1", "", b, handler, runtimeerrors.ErrQueueRequired},
		{"missing client", "r1", "q1", nil, handler, runtimeerrors.ErrQueuesRequired},
		{"missing handler", "r1", "q1", b, nil, runtimeerrors.ErrHandlerRequired},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewRunner(tc.runner, tc.queue, tc.queues, tc.handler, RunnerOptions{}, nil)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("NewRunner() error = %v, want %v", err, tc.wantErr)
			}
		})
	}

	if _, err := NewRunner("r1", "q1", b, handler, RunnerOptions{}, nil); err != nil {
		t.Fatalf("NewRunner() with valid arguments error = %v", err)
	}
}

func TestRunnerProcessesAndAcknowledges(t *testing.T) {
	b := newTestBus(t, BusOptions{})
	ctx := context.Background()
	b.CreateQueue(ctx, "q1")

	env := mustEnvelope(t, `{"order_id":"o-1"}`)
	if err := b.Enqueue(ctx, "q1", env); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	handled := make(chan broker.Delivery, 1)
	runner, err := NewRunner("r1", "q1", b, func(ctx context.Context, d broker.Delivery) error {
		handled <- d
		return nil
	}, RunnerOptions{PollInterval: time.Millisecond}, logging.NewNopLogger())
	if err != nil {
		t.Fatalf("NewRunner() error = %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- runner.Run(runCtx) }()

	select {
	case d := <-handled:
		if d.Envelope.ID != env.ID {
			t.Fatalf("handled envelope %s, want %s", d.Envelope.ID, env.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler was never invoked")
	}

	// The ack removes the entry for good.
	waitFor(t, func() bool {
		pending, err := b.PendingCount(ctx, "q1")
		return err == nil && pending == 0
	})

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if runner.State() != RunnerStopped {
		t.Fatalf("State() after Run = %v, want stopped", runner.State())
	}
}

func TestRunnerAbandonsOnHandlerError(t *testing.T) {
	b := newTestBus(t, BusOptions{})
	ctx := context.Background()
	b.CreateQueue(ctx, "q1")
	if err := b.Enqueue(ctx, "q1", mustEnvelope(t, "payload")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	var attempts atomic.Int32
	runner, err := NewRunner("r1", "q1", b, func(ctx context.Context, d broker.Delivery) error {
		if attempts.Add(1) == 1 {
			return errors.New("transient failure")
		}
		return nil
	}, RunnerOptions{
		PollInterval:      time.Millisecond,
		VisibilityTimeout: 10 * time.Millisecond,
	}, logging.NewNopLogger())
	if err != nil {
		t.Fatalf("NewRunner() error = %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go runner.Run(runCtx)

	// The first attempt fails; after the visibility timeout the entry comes
	// back and the second attempt succeeds and acks.
	waitFor(t, func() bool {
		pending, err := b.PendingCount(ctx, "q1")
		return err == nil && pending == 0
	})
	if got := attempts.Load(); got < 2 {
		t.Fatalf("handler attempts = %d, want at least 2", got)
	}
}

func TestRunnerContainsHandlerPanic(t *testing.T) {
	b := newTestBus(t, BusOptions{})
	ctx := context.Background()
	b.CreateQueue(ctx, "q1")
	if err := b.Enqueue(ctx, "q1", mustEnvelope(t, "payload")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	var attempts atomic.Int32
	var hookErr error
	var hookMu sync.Mutex
	runner, err := NewRunner("r1", "q1", b, func(ctx context.Context, d broker.Delivery) error {
		if attempts.Add(1) == 1 {
			panic("boom")
		}
		return nil
	}, RunnerOptions{
		PollInterval:      time.Millisecond,
		VisibilityTimeout: 10 * time.Millisecond,
		Hooks: DeliveryHooks{
			OnDeliveryError: func(dc DeliveryContext, err error) {
				hookMu.Lock()
				hookErr = err
				hookMu.Unlock()
			},
		},
	}, logging.NewNopLogger())
	if err != nil {
		t.Fatalf("NewRunner() error = %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go runner.Run(runCtx)

	waitFor(t, func() bool {
		pending, err := b.PendingCount(ctx, "q1")
		return err == nil && pending == 0
	})

	hookMu.Lock()
	defer hookMu.Unlock()
	if hookErr == nil {
		t.Fatal("OnDeliveryError was never called for the panic")
	}
}

func TestRunnerTreatsStaleReceiptAsSuccess(t *testing.T) {
	client := &staleAckClient{
		deliveries: []broker.Delivery{{
			Envelope: mustEnvelope(t, "payload"),
			Queue:    "q1",
			Receipt:  "stale",
		}},
	}

	var doneCalled atomic.Bool
	runner, err := NewRunner("r1", "q1", client, func(ctx context.Context, d broker.Delivery) error {
		return nil
	}, RunnerOptions{
		PollInterval: time.Millisecond,
		Hooks: DeliveryHooks{
			OnDeliveryDone: func(DeliveryContext) { doneCalled.Store(true) },
		},
	}, logging.NewNopLogger())
	if err != nil {
		t.Fatalf("NewRunner() error = %v", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go runner.Run(runCtx)

	waitFor(t, func() bool { return doneCalled.Load() })
}

func TestRunnerStopsOnCancellation(t *testing.T) {
	b := newTestBus(t, BusOptions{})
	b.CreateQueue(context.Background(), "q1")

	runner, err := NewRunner("r1", "q1", b, func(ctx context.Context, d broker.Delivery) error {
		return nil
	}, RunnerOptions{PollInterval: time.Millisecond}, logging.NewNopLogger())
	if err != nil {
		t.Fatalf("NewRunner() error = %v", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runner.Run(runCtx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancellation")
	}
}

func TestRunnerInFlightDeliveryFinishesBeforeStop(t *testing.T) {
	b := newTestBus(t, BusOptions{})
	ctx := context.Background()
	b.CreateQueue(ctx, "q1")
	if err := b.Enqueue(ctx, "q1", mustEnvelope(t, "payload")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	started := make(chan struct{})
	proceed := make(chan struct{})
	var finished atomic.Bool
	runner, err := NewRunner("r1", "q1", b, func(ctx context.Context, d broker.Delivery) error {
		close(started)
		<-proceed
		finished.Store(true)
		return nil
	}, RunnerOptions{PollInterval: time.Millisecond}, logging.NewNopLogger())
	if err != nil {
		t.Fatalf("NewRunner() error = %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- runner.Run(runCtx) }()

	<-started
	// Cancel while the handler is mid-flight, then let it finish.
	cancel()
	close(proceed)

	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !finished.Load() {
		t.Fatal("in-flight handler was cut short by cancellation")
	}

	// The delivery that finished during shutdown must be acknowledged, not
	// left invisible for redelivery.
	pending, err := b.PendingCount(ctx, "q1")
	if err != nil {
		t.Fatalf("PendingCount() error = %v", err)
	}
	if pending != 0 {
		t.Fatalf("delivery handled during shutdown was not acknowledged: pending = %d", pending)
	}
}

// staleAckClient hands out one batch of deliveries and always reports stale
// receipts on acknowledge.
type staleAckClient struct {
	mu         sync.Mutex
	deliveries []broker.Delivery
}

func (c *staleAckClient) Enqueue(context.Context, string, broker.Envelope) error { return nil }

func (c *staleAckClient) Receive(context.Context, string, int, time.Duration) ([]broker.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.deliveries
	c.deliveries = nil
	return out, nil
}

func (c *staleAckClient) Acknowledge(context.Context, string, string) error {
	return broker.ErrInvalidReceipt
}

// waitFor polls cond until it holds or the test deadline is hit.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}
