// Package bus implements the multi-producer/multi-subscriber broadcast
// fabric of spec.md §4.6: every subscriber owns a bounded buffer, a full
// buffer drops the oldest pending event rather than blocking the
// producer, and subscribers only see events produced after they joined.
package bus

import (
	"sync"

	"github.com/lumberbarons/modbus-gateway/internal/model"
)

// DefaultCapacity is the minimum per-subscriber buffer size required by
// spec.md §4.6.
const DefaultCapacity = 256

// Bus fans out model.Event values to any number of independently paced
// subscribers. A slow or stuck subscriber never blocks another, and never
// blocks the producer (spec.md §5).
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*subscriber
	onDrop func(subscriberName string)
}

// New creates an empty Bus. onDrop, if non-nil, is invoked once per
// dropped event with the subscriber's name, so callers can increment
// events_dropped_total{subscriber}.
func New(onDrop func(subscriberName string)) *Bus {
	return &Bus{subs: make(map[string]*subscriber), onDrop: onDrop}
}

// Subscription is a subscriber's read handle plus its lifecycle control.
type Subscription struct {
	name string
	ch   chan model.Event
	bus  *Bus
}

// Events returns the channel of events delivered to this subscriber, in
// the order they were produced (FIFO per subscriber, spec.md §5).
func (s *Subscription) Events() <-chan model.Event {
	return s.ch
}

// Unsubscribe removes the subscription from the bus. Further Publish
// calls will not see it; already-buffered events remain readable from
// Events() until drained.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.name)
	s.bus.mu.Unlock()
}

type subscriber struct {
	name string
	mu   sync.Mutex
	ch   chan model.Event
}

// Subscribe registers a new subscriber with the given buffer capacity
// (spec.md §4.6 requires capacity >= 256; DefaultCapacity satisfies that).
// A subscriber joining now receives only events published after this call
// returns — current state is served separately by the sample store.
func (b *Bus) Subscribe(name string, capacity int) *Subscription {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	s := &subscriber{name: name, ch: make(chan model.Event, capacity)}

	b.mu.Lock()
	b.subs[name] = s
	b.mu.Unlock()

	return &Subscription{name: name, ch: s.ch, bus: b}
}

// Publish delivers ev to every current subscriber. Send is non-blocking:
// a full subscriber buffer has its oldest pending event dropped to make
// room (spec.md §4.6); other subscribers are unaffected.
func (b *Bus) Publish(ev model.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.subs {
		s.deliver(ev, b.onDrop)
	}
}

// deliver enqueues ev, dropping the oldest buffered event first if the
// subscriber's channel is full. The per-subscriber mutex serializes this
// read-then-write so concurrent producers never race on the drop.
func (s *subscriber) deliver(ev model.Event, onDrop func(string)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case s.ch <- ev:
		return
	default:
	}

	select {
	case <-s.ch:
		if onDrop != nil {
			onDrop(s.name)
		}
	default:
	}

	select {
	case s.ch <- ev:
	default:
		// Buffer refilled by a concurrent reader between our drop and
		// this send; drop the newest event instead rather than block.
		if onDrop != nil {
			onDrop(s.name)
		}
	}
}

// SubscriberNames returns the current subscriber names, for diagnostics.
func (b *Bus) SubscriberNames() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.subs))
	for name := range b.subs {
		names = append(names, name)
	}
	return names
}
