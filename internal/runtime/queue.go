package runtime

import (
	"sort"
	"sync"
	"time"

	"github.com/drblury/fanflow/broker"
	"github.com/drblury/fanflow/internal/runtime/ids"
)

const (
	// DefaultVisibilityTimeout is how long a received entry stays invisible
	// when the receive call does not specify a timeout.
	DefaultVisibilityTimeout = 30 * time.Second
	// DefaultMaxReceives is the number of receive attempts an entry gets
	// before the redrive policy parks it on the dead-letter store.
	DefaultMaxReceives = 3
)

// QueueOptions configures a single queue.
type QueueOptions struct {
	// Capacity is the maximum number of live entries (visible plus
	// in-flight). Zero means unbounded. Dead-lettered entries do not count.
	Capacity int
	// VisibilityTimeout is the default invisibility window per receive.
	VisibilityTimeout time.Duration
	// MaxReceives is the receive-attempt budget before dead-lettering.
	MaxReceives int
}

func (o QueueOptions) withDefaults() QueueOptions {
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if o.MaxReceives <= 0 {
		o.MaxReceives = DefaultMaxReceives
	}
	return o
}

// queueEntry is one live message on a queue. seq preserves enqueue order so
// entries that became visible at the same instant are delivered
// oldest-enqueued-first.
type queueEntry struct {
	env       broker.Envelope
	seq       uint64
	visibleAt time.Time
	receives  int
	// receipt identifies the current in-flight delivery, empty when the
	// entry is visible. A new receive overwrites it, which is what makes the
	// previous receipt stale.
	receipt string
}

// Queue is an in-process durable queue with at-least-once delivery. Receives
// claim entries by making them invisible for a visibility timeout; an
// unacknowledged entry becomes visible again and is redelivered with a fresh
// receipt. Entries that exhaust their receive budget are parked on an
// internal dead-letter store instead of being redelivered.
//
// All operations are safe for concurrent use. Receive holds the queue lock
// for the whole scan, so two concurrent receivers can never claim the same
// entry.
type Queue struct {
	name string
	opts QueueOptions

	mu          sync.Mutex
	entries     []*queueEntry
	receipts    map[string]*queueEntry
	deadLetters []broker.DeadLetterEntry
	nextSeq     uint64

	// now is swapped in tests to step time without sleeping.
	now func() time.Time
}

// NewQueue creates an empty queue.
func NewQueue(name string, opts QueueOptions) *Queue {
	return &Queue{
		name:     name,
		opts:     opts.withDefaults(),
		receipts: make(map[string]*queueEntry),
		now:      time.Now,
	}
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

// Enqueue appends an envelope, immediately visible. Returns
// broker.ErrQueueFull when the queue is at capacity.
func (q *Queue) Enqueue(env broker.Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.opts.Capacity > 0 && len(q.entries) >= q.opts.Capacity {
		return broker.ErrQueueFull
	}

	q.nextSeq++
	q.entries = append(q.entries, &queueEntry{
		env:       env.Clone(),
		seq:       q.nextSeq,
		visibleAt: q.now(),
	})
	return nil
}

// Receive claims up to maxMessages visible entries, oldest-available-first.
// Each claimed entry becomes invisible until now+visibility, gets its receive
// count incremented, and is handed out under a fresh receipt. Entries whose
// receive budget is already spent are moved to the dead-letter store during
// the scan and never redelivered; parked reports how many moved this call.
// An empty result means nothing is visible.
func (q *Queue) Receive(maxMessages int, visibility time.Duration) (deliveries []broker.Delivery, parked int) {
	if maxMessages <= 0 {
		maxMessages = 1
	}
	if visibility <= 0 {
		visibility = q.opts.VisibilityTimeout
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()

	var visible []*queueEntry
	kept := q.entries[:0]
	for _, entry := range q.entries {
		if entry.visibleAt.After(now) {
			kept = append(kept, entry)
			continue
		}
		if entry.receives >= q.opts.MaxReceives {
			q.parkLocked(entry, now)
			parked++
			continue
		}
		kept = append(kept, entry)
		visible = append(visible, entry)
	}
	q.entries = kept

	sort.Slice(visible, func(i, j int) bool {
		if !visible[i].visibleAt.Equal(visible[j].visibleAt) {
			return visible[i].visibleAt.Before(visible[j].visibleAt)
		}
		return visible[i].seq < visible[j].seq
	})
	if len(visible) > maxMessages {
		visible = visible[:maxMessages]
	}

	deliveries = make([]broker.Delivery, 0, len(visible))
	for _, entry := range visible {
		if entry.receipt != "" {
			delete(q.receipts, entry.receipt)
		}
		entry.receives++
		entry.visibleAt = now.Add(visibility)
		entry.receipt = ids.CreateULID()
		q.receipts[entry.receipt] = entry

		deliveries = append(deliveries, broker.Delivery{
			Envelope:     entry.env.Clone(),
			Queue:        q.name,
			Receipt:      entry.receipt,
			ReceiveCount: entry.receives,
		})
	}
	return deliveries, parked
}

// parkLocked moves an entry onto the dead-letter store. Caller holds q.mu.
func (q *Queue) parkLocked(entry *queueEntry, now time.Time) {
	if entry.receipt != "" {
		delete(q.receipts, entry.receipt)
	}
	q.deadLetters = append(q.deadLetters, broker.DeadLetterEntry{
		Envelope:    entry.env,
		SourceQueue: q.name,
		Receives:    entry.receives,
		MovedAt:     now,
	})
}

// Acknowledge deletes the entry identified by the receipt and returns the
// receive count it had accumulated. A receipt is only valid for the most
// recent receive of its entry; once the entry has been acknowledged,
// redelivered, or dead-lettered the receipt is stale and Acknowledge returns
// broker.ErrInvalidReceipt.
func (q *Queue) Acknowledge(receipt string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.receipts[receipt]
	if !ok {
		return 0, broker.ErrInvalidReceipt
	}
	delete(q.receipts, receipt)

	for i, candidate := range q.entries {
		if candidate == entry {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			break
		}
	}
	return entry.receives, nil
}

// Pending returns the number of live entries, visible and in-flight.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// DeadLetterCount returns the number of parked entries.
func (q *Queue) DeadLetterCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.deadLetters)
}

// ListDeadLetters returns a page of parked entries in the order they were
// moved. A limit of zero or less returns everything from offset onward.
func (q *Queue) ListDeadLetters(limit, offset int) []broker.DeadLetterEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	if offset < 0 {
		offset = 0
	}
	if offset >= len(q.deadLetters) {
		return nil
	}
	page := q.deadLetters[offset:]
	if limit > 0 && limit < len(page) {
		page = page[:limit]
	}

	out := make([]broker.DeadLetterEntry, len(page))
	for i, entry := range page {
		out[i] = broker.DeadLetterEntry{
			Envelope:    entry.Envelope.Clone(),
			SourceQueue: entry.SourceQueue,
			Receives:    entry.Receives,
			MovedAt:     entry.MovedAt,
		}
	}
	return out
}

// RedriveDeadLetters moves every parked entry back onto the live queue with a
// reset receive count, honoring capacity. It returns how many entries moved;
// when capacity runs out the remainder stay parked and the error reports the
// queue as full.
func (q *Queue) RedriveDeadLetters() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	moved := 0
	for len(q.deadLetters) > 0 {
		if q.opts.Capacity > 0 && len(q.entries) >= q.opts.Capacity {
			return moved, broker.ErrQueueFull
		}
		entry := q.deadLetters[0]
		q.deadLetters = q.deadLetters[1:]

		q.nextSeq++
		q.entries = append(q.entries, &queueEntry{
			env:       entry.Envelope,
			seq:       q.nextSeq,
			visibleAt: now,
		})
		moved++
	}
	return moved, nil
}

// PurgeDeadLetters drops every parked entry, returning how many were removed.
func (q *Queue) PurgeDeadLetters() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	purged := len(q.deadLetters)
	q.deadLetters = nil
	return purged
}
