package runtime

import (
	"sort"
	"sync"

	"github.com/drblury/fanflow/broker"
)

// Subscription binds a queue to a topic, optionally narrowed by a filter.
type Subscription struct {
	Queue  string
	Filter broker.Filter
}

// SubscriptionRegistry is the single structure mutated by both the admin
// surface (subscribe, unsubscribe) and publish-time reads. Writers take the
// exclusive lock; a publish captures one consistent snapshot up front and
// fans out against that, so a concurrent unsubscribe either fully includes
// or fully excludes a subscriber, never a torn view.
type SubscriptionRegistry struct {
	mu sync.RWMutex
	// subs maps topic -> queue -> filter.
	subs map[string]map[string]broker.Filter
}

// NewSubscriptionRegistry creates an empty registry.
func NewSubscriptionRegistry() *SubscriptionRegistry {
	return &SubscriptionRegistry{subs: make(map[string]map[string]broker.Filter)}
}

// Subscribe binds queue to topic. Re-subscribing an already-bound queue
// replaces its filter.
func (r *SubscriptionRegistry) Subscribe(topic, queue string, filter broker.Filter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byQueue, ok := r.subs[topic]
	if !ok {
		byQueue = make(map[string]broker.Filter)
		r.subs[topic] = byQueue
	}
	byQueue[queue] = filter.Clone()
}

// Unsubscribe removes the binding. Removing a binding that does not exist is
// a no-op.
func (r *SubscriptionRegistry) Unsubscribe(topic, queue string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if byQueue, ok := r.subs[topic]; ok {
		delete(byQueue, queue)
		if len(byQueue) == 0 {
			delete(r.subs, topic)
		}
	}
}

// Snapshot returns the topic's current subscriptions, sorted by queue name so
// fan-out outcomes come back in a stable order. The returned slice is
// detached from the registry; later writes do not affect it.
func (r *SubscriptionRegistry) Snapshot(topic string) []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byQueue, ok := r.subs[topic]
	if !ok {
		return nil
	}

	snapshot := make([]Subscription, 0, len(byQueue))
	for queue, filter := range byQueue {
		snapshot = append(snapshot, Subscription{Queue: queue, Filter: filter.Clone()})
	}
	sort.Slice(snapshot, func(i, j int) bool {
		return snapshot[i].Queue < snapshot[j].Queue
	})
	return snapshot
}

// DropTopic removes every subscription of the topic.
func (r *SubscriptionRegistry) DropTopic(topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, topic)
}

// DropQueue removes the queue from every topic it is subscribed to. Called
// when a queue is deleted so topics stop fanning out to it.
func (r *SubscriptionRegistry) DropQueue(queue string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for topic, byQueue := range r.subs {
		delete(byQueue, queue)
		if len(byQueue) == 0 {
			delete(r.subs, topic)
		}
	}
}
