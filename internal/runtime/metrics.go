package runtime

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/fanflow/broker"
)

// Metrics tracks pub-sub delivery statistics: publishes and fan-out outcomes
// on the topic side, receives, acknowledgements, and dead-lettering on the
// queue side. It keeps a queryable in-memory view alongside the Prometheus
// collectors so admin surfaces can serve a JSON snapshot without scraping.
type Metrics struct {
	mu sync.RWMutex

	queueStats map[string]*QueueStats

	publishedTotal  *prometheus.CounterVec
	fanOutTotal     *prometheus.CounterVec
	receivedTotal   *prometheus.CounterVec
	ackedTotal      *prometheus.CounterVec
	deadLetterTotal *prometheus.CounterVec
	redrivenTotal   *prometheus.CounterVec
	pendingGauge    *prometheus.GaugeVec
	handleSeconds   *prometheus.HistogramVec
	receivesHist    *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

// QueueStats holds per-queue delivery counters.
type QueueStats struct {
	Enqueued      uint64    `json:"enqueued"`
	Received      uint64    `json:"received"`
	Acknowledged  uint64    `json:"acknowledged"`
	DeadLettered  uint64    `json:"dead_lettered"`
	Redriven      uint64    `json:"redriven"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

// MetricsSnapshot is a point-in-time view across all queues.
type MetricsSnapshot struct {
	TotalEnqueued     uint64                 `json:"total_enqueued"`
	TotalAcknowledged uint64                 `json:"total_acknowledged"`
	TotalDeadLettered uint64                 `json:"total_dead_lettered"`
	QueueStats        map[string]*QueueStats `json:"queue_stats"`
	CollectedAt       time.Time              `json:"collected_at"`
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fanflow",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newGaugeVec(subsystem, name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fanflow",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newHistogramVec(subsystem, name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fanflow",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

// NewMetrics creates a metrics collector. Pass nil to use the default
// Prometheus registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		queueStats:      make(map[string]*QueueStats),
		registerer:      registerer,
		publishedTotal:  newCounterVec("topic", "published_total", "Total envelopes published to a topic", []string{"topic"}),
		fanOutTotal:     newCounterVec("topic", "fanout_total", "Fan-out outcomes per subscriber queue", []string{"topic", "queue", "outcome"}),
		receivedTotal:   newCounterVec("queue", "received_total", "Total deliveries handed out by a queue", []string{"queue"}),
		ackedTotal:      newCounterVec("queue", "acknowledged_total", "Total deliveries acknowledged on a queue", []string{"queue"}),
		deadLetterTotal: newCounterVec("queue", "dead_lettered_total", "Total entries moved to the dead-letter store", []string{"queue"}),
		redrivenTotal:   newCounterVec("queue", "redriven_total", "Total entries moved back from the dead-letter store", []string{"queue"}),
		pendingGauge:    newGaugeVec("queue", "pending", "Live entries on a queue, visible plus in-flight", []string{"queue"}),
		handleSeconds:   newHistogramVec("consumer", "handle_seconds", "Handler execution time per delivery", []float64{.001, .005, .01, .05, .1, .5, 1, 5, 30}, []string{"queue", "outcome"}),
		receivesHist:    newHistogramVec("queue", "receive_attempts", "Receive count observed at acknowledgement or dead-lettering", []float64{1, 2, 3, 5, 10}, []string{"queue"}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times;
// collectors already present in the registry are tolerated.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.publishedTotal,
		m.fanOutTotal,
		m.receivedTotal,
		m.ackedTotal,
		m.deadLetterTotal,
		m.redrivenTotal,
		m.pendingGauge,
		m.handleSeconds,
		m.receivesHist,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// RecordPublish records one publish call and its per-subscriber outcomes.
func (m *Metrics) RecordPublish(topic string, result broker.PublishResult) {
	m.publishedTotal.WithLabelValues(topic).Inc()
	for _, outcome := range result.Outcomes {
		label := "enqueued"
		switch {
		case outcome.Err != nil:
			label = "failed"
		case outcome.Filtered:
			label = "filtered"
		}
		m.fanOutTotal.WithLabelValues(topic, outcome.Queue, label).Inc()
		if outcome.Enqueued {
			m.RecordEnqueue(outcome.Queue)
		}
	}
}

// RecordEnqueue records an envelope landing on a queue.
func (m *Metrics) RecordEnqueue(queue string) {
	m.mu.Lock()
	stats := m.getOrCreateQueueStats(queue)
	stats.Enqueued++
	stats.LastUpdatedAt = time.Now()
	m.mu.Unlock()
}

// RecordReceives records deliveries handed out by a receive call.
func (m *Metrics) RecordReceives(queue string, count int) {
	if count <= 0 {
		return
	}
	m.mu.Lock()
	stats := m.getOrCreateQueueStats(queue)
	stats.Received += uint64(count)
	stats.LastUpdatedAt = time.Now()
	m.mu.Unlock()

	m.receivedTotal.WithLabelValues(queue).Add(float64(count))
}

// RecordAck records an acknowledged delivery and the receive attempts it
// took.
func (m *Metrics) RecordAck(queue string, receives int) {
	m.mu.Lock()
	stats := m.getOrCreateQueueStats(queue)
	stats.Acknowledged++
	stats.LastUpdatedAt = time.Now()
	m.mu.Unlock()

	m.ackedTotal.WithLabelValues(queue).Inc()
	if receives > 0 {
		m.receivesHist.WithLabelValues(queue).Observe(float64(receives))
	}
}

// RecordDeadLettered records entries parked on the dead-letter store.
func (m *Metrics) RecordDeadLettered(queue string, count int) {
	if count <= 0 {
		return
	}
	m.mu.Lock()
	stats := m.getOrCreateQueueStats(queue)
	stats.DeadLettered += uint64(count)
	stats.LastUpdatedAt = time.Now()
	m.mu.Unlock()

	m.deadLetterTotal.WithLabelValues(queue).Add(float64(count))
}

// RecordRedriven records entries moved back onto the live queue.
func (m *Metrics) RecordRedriven(queue string, count int) {
	if count <= 0 {
		return
	}
	m.mu.Lock()
	stats := m.getOrCreateQueueStats(queue)
	stats.Redriven += uint64(count)
	stats.LastUpdatedAt = time.Now()
	m.mu.Unlock()

	m.redrivenTotal.WithLabelValues(queue).Add(float64(count))
}

// SetPending sets the queue-depth gauge.
func (m *Metrics) SetPending(queue string, pending int) {
	m.pendingGauge.WithLabelValues(queue).Set(float64(pending))
}

// ObserveHandle records one handler execution.
func (m *Metrics) ObserveHandle(queue, outcome string, elapsed time.Duration) {
	m.handleSeconds.WithLabelValues(queue, outcome).Observe(elapsed.Seconds())
}

// GetSnapshot returns a point-in-time copy of the per-queue counters.
func (m *Metrics) GetSnapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := MetricsSnapshot{
		QueueStats:  make(map[string]*QueueStats, len(m.queueStats)),
		CollectedAt: time.Now(),
	}
	for queue, stats := range m.queueStats {
		statsCopy := *stats
		snapshot.QueueStats[queue] = &statsCopy
		snapshot.TotalEnqueued += stats.Enqueued
		snapshot.TotalAcknowledged += stats.Acknowledged
		snapshot.TotalDeadLettered += stats.DeadLettered
	}
	return snapshot
}

// GetQueueStats returns a copy of one queue's counters, or nil when the
// queue has never been recorded.
func (m *Metrics) GetQueueStats(queue string) *QueueStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if stats, ok := m.queueStats[queue]; ok {
		statsCopy := *stats
		return &statsCopy
	}
	return nil
}

func (m *Metrics) getOrCreateQueueStats(queue string) *QueueStats {
	if stats, ok := m.queueStats[queue]; ok {
		return stats
	}
	stats := &QueueStats{}
	m.queueStats[queue] = stats
	return stats
}

// Reset clears all counters. Useful in tests.
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.queueStats = make(map[string]*QueueStats)
	m.publishedTotal.Reset()
	m.fanOutTotal.Reset()
	m.receivedTotal.Reset()
	m.ackedTotal.Reset()
	m.deadLetterTotal.Reset()
	m.redrivenTotal.Reset()
	m.pendingGauge.Reset()
	m.handleSeconds.Reset()
	m.receivesHist.Reset()
}
