// Package bus implements the in-process SubscriptionBus: a named
// publication point that fans out typed events to registered observers in
// registration order, isolating any one observer's failure from the rest.
package bus

import (
	"log/slog"
	"sync"

	"github.com/buildforge/coordinator/internal/metrics"
)

// Observer receives events delivered on a Bus. An Observer that wants to do
// asynchronous work on receipt should launch its own goroutine: Deliver
// does not wait on anything the observer starts.
type Observer func(event interface{})

// Handle cancels a subscription. Cancelling during a Deliver call affects
// only subsequent deliveries, never the one in progress.
type Handle interface {
	Cancel()
}

type subscription struct {
	id       uint64
	observer Observer
	active   bool
}

func (s *subscription) Cancel() {
	s.active = false
}

// Bus is one named SubscriptionBus instance (the coordinator owns three:
// "changes", "buildset_additions", "buildset_completion").
type Bus struct {
	name string

	mu     sync.Mutex
	nextID uint64
	subs   []*subscription
	logger *slog.Logger
}

// New creates a named Bus.
func New(name string, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		name:   name,
		logger: logger.With("component", "bus", "bus", name),
	}
}

// Subscribe registers an observer and returns a Handle to cancel it later.
// Observers are delivered to in the order they subscribed.
func (b *Bus) Subscribe(observer Observer) Handle {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &subscription{id: b.nextID, observer: observer, active: true}
	b.subs = append(b.subs, sub)
	return sub
}

// Deliver invokes every currently-subscribed observer exactly once, in
// subscription order. Delivery is synchronous with respect to the caller;
// an observer's panic is recovered, logged, and does not prevent delivery
// to the remaining observers.
func (b *Bus) Deliver(event interface{}) {
	b.mu.Lock()
	snapshot := make([]*subscription, 0, len(b.subs))
	live := b.subs[:0]
	for _, sub := range b.subs {
		if sub.active {
			snapshot = append(snapshot, sub)
			live = append(live, sub)
		}
	}
	b.subs = live
	b.mu.Unlock()

	for _, sub := range snapshot {
		b.deliverOne(sub, event)
	}
}

func (b *Bus) deliverOne(sub *subscription, event interface{}) {
	defer func() {
		if r := recover(); r != nil {
			metrics.BusObserverErrors.WithLabelValues(b.name).Inc()
			b.logger.Error("observer panicked, isolating", "subscription_id", sub.id, "panic", r)
		}
	}()
	sub.observer(event)
	metrics.BusEventsDelivered.WithLabelValues(b.name).Inc()
}

// Name returns the bus's name.
func (b *Bus) Name() string { return b.name }
