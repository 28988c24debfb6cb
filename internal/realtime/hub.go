package realtime

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/regionmesh/regiond/internal/projection"
)

// DefaultBufferSize is the per-subscriber queue capacity.
const DefaultBufferSize = 32

// Hub fans client events out to every subscriber. Each subscriber has its
// own bounded queue; when it is full the oldest queued event is dropped so
// Publish never waits on a reader.
type Hub struct {
	mu         sync.Mutex
	subs       map[uuid.UUID]*Subscription
	bufferSize int
	closed     bool
	logger     *slog.Logger
}

func NewHub(bufferSize int, logger *slog.Logger) *Hub {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:       make(map[uuid.UUID]*Subscription),
		bufferSize: bufferSize,
		logger:     logger,
	}
}

type Subscription struct {
	ID uuid.UUID

	hub     *Hub
	ch      chan projection.ClientEvent
	dropped atomic.Uint64
}

// C is closed when the subscription ends.
func (s *Subscription) C() <-chan projection.ClientEvent {
	return s.ch
}

// Dropped counts events discarded because this subscriber fell behind.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
}

// Subscribe registers a new listener. Subscribing to a closed hub returns a
// subscription whose channel is already closed.
func (h *Hub) Subscribe() *Subscription {
	sub := &Subscription{
		ID:  uuid.New(),
		hub: h,
		ch:  make(chan projection.ClientEvent, h.bufferSize),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		close(sub.ch)
		return sub
	}
	h.subs[sub.ID] = sub

	h.logger.Debug("Subscriber added", "subscriber", sub.ID, "subscribers", len(h.subs))
	return sub
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[sub.ID]; !ok {
		return
	}
	delete(h.subs, sub.ID)
	close(sub.ch)

	h.logger.Debug("Subscriber removed",
		"subscriber", sub.ID,
		"dropped", sub.Dropped(),
		"subscribers", len(h.subs))
}

// Publish delivers events in order to every current subscriber.
func (h *Hub) Publish(events []projection.ClientEvent) {
	if len(events) == 0 {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ev := range events {
		for _, sub := range h.subs {
			sub.offer(ev)
		}
	}
}

// offer enqueues ev, evicting the oldest queued event when full. Callers
// hold the hub lock, so no other sender races for the freed slot.
func (s *Subscription) offer(ev projection.ClientEvent) {
	for {
		select {
		case s.ch <- ev:
			return
		default:
		}

		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
	}
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close ends every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true

	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub.ch)
	}
}
