// Package realtime fans seat events out to the SSE clients connected to this
// server instance. Events reach the hub either from the RabbitMQ consumer or,
// when no broker is configured, directly from the services.
package realtime

import (
	"context"
	"sync"

	"github.com/iliyamo/bus-seat-booking/internal/queue"
)

// Subscription receives the events of one trip. When the client falls behind
// and its buffer fills, events are dropped and Resync fires once so the
// client can re-fetch the seat map.
type Subscription struct {
	TripID uint64
	events chan queue.SeatEvent
	resync chan struct{}
}

// Events is closed when the subscription is removed.
func (s *Subscription) Events() <-chan queue.SeatEvent { return s.events }

// Resync signals that at least one event was dropped.
func (s *Subscription) Resync() <-chan struct{} { return s.resync }

// Hub is an in-memory per-trip pub/sub.
type Hub struct {
	mu     sync.RWMutex
	subs   map[uint64]map[*Subscription]struct{}
	buffer int
}

// NewHub creates a hub whose subscriptions buffer up to buffer events.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{subs: make(map[uint64]map[*Subscription]struct{}), buffer: buffer}
}

// Subscribe registers a subscriber for tripID.
func (h *Hub) Subscribe(tripID uint64) *Subscription {
	s := &Subscription{
		TripID: tripID,
		events: make(chan queue.SeatEvent, h.buffer),
		resync: make(chan struct{}, 1),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[tripID]
	if set == nil {
		set = make(map[*Subscription]struct{})
		h.subs[tripID] = set
	}
	set[s] = struct{}{}
	return s
}

// Unsubscribe removes s and closes its event channel. Calling it twice is
// harmless.
func (h *Hub) Unsubscribe(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[s.TripID]
	if _, ok := set[s]; !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(h.subs, s.TripID)
	}
	close(s.events)
}

// Deliver hands ev to every subscriber of its trip without blocking.
func (h *Hub) Deliver(ev queue.SeatEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs[ev.TripID] {
		select {
		case s.events <- ev:
		default:
			select {
			case s.resync <- struct{}{}:
			default:
			}
		}
	}
}

// Publish delivers ev locally. It lets the hub stand in for the broker
// publisher on a single instance.
func (h *Hub) Publish(_ context.Context, ev queue.SeatEvent) error {
	h.Deliver(ev)
	return nil
}

// Subscribers returns the number of subscribers of tripID.
func (h *Hub) Subscribers(tripID uint64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[tripID])
}

// Close removes every subscription, which ends the open event streams.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for tripID, set := range h.subs {
		for s := range set {
			close(s.events)
		}
		delete(h.subs, tripID)
	}
	return nil
}
