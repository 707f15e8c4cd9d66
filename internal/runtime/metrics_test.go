package runtime

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/fanflow/broker"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	m := NewMetrics(prometheus.NewRegistry())
	if err := m.Register(); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	return m
}

func TestMetricsRegisterIsIdempotent(t *testing.T) {
	m := newTestMetrics(t)
	if err := m.Register(); err != nil {
		t.Fatalf("second Register() error = %v", err)
	}
}

func TestMetricsQueueCounters(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordEnqueue("q1")
	m.RecordReceives("q1", 2)
	m.RecordAck("q1", 1)
	m.RecordDeadLettered("q1", 1)
	m.RecordRedriven("q1", 1)

	stats := m.GetQueueStats("q1")
	if stats == nil {
		t.Fatal("GetQueueStats() = nil")
	}
	if stats.Enqueued != 1 || stats.Received != 2 || stats.Acknowledged != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.DeadLettered != 1 || stats.Redriven != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.LastUpdatedAt.IsZero() {
		t.Fatal("LastUpdatedAt not set")
	}

	if m.GetQueueStats("unknown") != nil {
		t.Fatal("unknown queue should return nil stats")
	}
}

func TestMetricsRecordPublish(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordPublish("orders", broker.PublishResult{
		EnvelopeID: "e1",
		Outcomes: []broker.SubscriberOutcome{
			{Queue: "q1", Enqueued: true},
			{Queue: "q2", Filtered: true},
			{Queue: "q3", Err: broker.ErrQueueFull},
		},
	})

	stats := m.GetQueueStats("q1")
	if stats == nil || stats.Enqueued != 1 {
		t.Fatalf("q1 stats = %+v, want one enqueue", stats)
	}
	if m.GetQueueStats("q2") != nil {
		t.Fatal("filtered outcome should not count as enqueued")
	}
}

func TestMetricsSnapshot(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordEnqueue("q1")
	m.RecordEnqueue("q2")
	m.RecordAck("q1", 1)
	m.RecordDeadLettered("q2", 3)

	snapshot := m.GetSnapshot()
	if snapshot.TotalEnqueued != 2 {
		t.Fatalf("TotalEnqueued = %d, want 2", snapshot.TotalEnqueued)
	}
	if snapshot.TotalAcknowledged != 1 {
		t.Fatalf("TotalAcknowledged = %d, want 1", snapshot.TotalAcknowledged)
	}
	if snapshot.TotalDeadLettered != 3 {
		t.Fatalf("TotalDeadLettered = %d, want 3", snapshot.TotalDeadLettered)
	}

	// The snapshot is detached from later updates.
	m.RecordEnqueue("q1")
	if snapshot.QueueStats["q1"].Enqueued != 1 {
		t.Fatal("snapshot mutated by later recording")
	}
}

func TestMetricsReset(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordEnqueue("q1")
	m.ObserveHandle("q1", "ok", 5*time.Millisecond)
	m.SetPending("q1", 4)

	m.Reset()
	if m.GetQueueStats("q1") != nil {
		t.Fatal("Reset() should clear queue stats")
	}
}
