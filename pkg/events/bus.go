package events

import (
	"sync"

	"github.com/cuemby/snops/pkg/log"
	"github.com/cuemby/snops/pkg/metrics"
)

// DefaultCapacity is the minimum broadcast channel capacity required by
// the bus contract.
const DefaultCapacity = 1024

// Delivery is what a Subscriber receives. Lagged is nonzero when one or
// more events were dropped for this subscriber since its last successful
// delivery, matching the "Lagged(n) notification, continue" contract:
// the subscriber learns how much it missed without the bus blocking on it.
type Delivery struct {
	Event  Event
	Lagged uint64
}

// Subscriber is a filtered view onto the bus.
type Subscriber struct {
	ch     chan Delivery
	filter Filter

	mu     sync.Mutex
	lagged uint64
}

// C returns the channel to receive deliveries from.
func (s *Subscriber) C() <-chan Delivery { return s.ch }

func (s *Subscriber) deliver(e Event) {
	if !s.filter.Matches(e) {
		return
	}
	s.mu.Lock()
	lagged := s.lagged
	s.mu.Unlock()

	select {
	case s.ch <- Delivery{Event: e, Lagged: lagged}:
		if lagged > 0 {
			s.mu.Lock()
			s.lagged = 0
			s.mu.Unlock()
		}
	default:
		s.mu.Lock()
		s.lagged++
		s.mu.Unlock()
		metrics.EventSubscribersLaggedTotal.Inc()
	}
}

// Bus is the process-wide broadcast channel: one internal queue feeding
// any number of filtered subscribers, each with its own bounded buffer so
// a slow subscriber cannot stall publishers or other subscribers.
type Bus struct {
	capacity int
	eventCh  chan Event
	stopCh   chan struct{}

	mu          sync.RWMutex
	subscribers map[*Subscriber]bool
}

// NewBus constructs a Bus with at least DefaultCapacity buffering.
func NewBus() *Bus {
	return &Bus{
		capacity:    DefaultCapacity,
		eventCh:     make(chan Event, DefaultCapacity),
		stopCh:      make(chan struct{}),
		subscribers: make(map[*Subscriber]bool),
	}
}

// Start begins the bus's fan-out loop.
func (b *Bus) Start() {
	go b.run()
}

// Stop halts the fan-out loop and closes all subscriber channels.
func (b *Bus) Stop() {
	close(b.stopCh)
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subscribers {
		delete(b.subscribers, sub)
		close(sub.ch)
	}
}

// Subscribe registers a new filtered subscriber with a per-subscriber
// buffer sized to the bus capacity.
func (b *Bus) Subscribe(filter Filter) *Subscriber {
	if filter == nil {
		filter = Unfiltered()
	}
	sub := &Subscriber{ch: make(chan Delivery, b.capacity), filter: filter}

	b.mu.Lock()
	b.subscribers[sub] = true
	count := len(b.subscribers)
	b.mu.Unlock()
	logger.Debug().Str("filter", filter.String()).Int("subscribers", count).Msg("event subscriber added")
	return sub
}

// Unsubscribe removes and closes a subscriber.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub.ch)
	}
}

// Publish enqueues an event for fan-out. Never blocks past the bus's own
// buffer; if the bus itself is saturated (fan-out loop stalled) this still
// applies back-pressure to the publisher, matching the RPC-mux-style
// bounded-channel contract used across the module.
func (b *Bus) Publish(e Event) {
	select {
	case b.eventCh <- e:
	case <-b.stopCh:
	}
	metrics.EventsPublishedTotal.WithLabelValues(string(e.Kind)).Inc()
}

func (b *Bus) run() {
	for {
		select {
		case e := <-b.eventCh:
			b.broadcast(e)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Bus) broadcast(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		sub.deliver(e)
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

var logger = log.WithComponent("events")
