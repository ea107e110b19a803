// Package hub fans invalidation events out to in-process subscribers such as
// websocket connections and kiosk client runners.
package hub

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"kioskqueue/pkg/interfaces"
	"kioskqueue/pkg/types"
)

var _ interfaces.EventBus = (*Hub)(nil)

const subscriberBuffer = 100

// Hub dispatches events on a single goroutine so every subscriber sees them in
// publish order.
type Hub struct {
	eventChannel    chan types.Event
	shutdownChannel chan struct{}

	subscribers map[string]*subscription
	subMu       sync.Mutex

	running bool
	mu      sync.RWMutex
}

// NewHub creates a new hub
func NewHub() *Hub {
	return &Hub{
		eventChannel:    make(chan types.Event, 1000),
		shutdownChannel: make(chan struct{}),
		subscribers:     make(map[string]*subscription),
	}
}

// Start begins hub processing
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.mu.Unlock()

	log.Println("Starting event hub...")
	go h.run(ctx)
	return nil
}

// Stop shuts the hub down and closes every subscription
func (h *Hub) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.running {
		return ErrHubNotRunning
	}
	h.running = false

	log.Println("Stopping event hub...")
	select {
	case <-h.shutdownChannel:
	default:
		close(h.shutdownChannel)
	}
	return nil
}

// IsRunning reports whether the dispatch loop is active
func (h *Hub) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// Publish queues an event. It never blocks; a full queue is reported as
// types.ErrBusUnavailable.
func (h *Hub) Publish(ctx context.Context, event types.Event) error {
	h.mu.RLock()
	if !h.running {
		h.mu.RUnlock()
		return ErrHubNotRunning
	}
	h.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case h.eventChannel <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrEventChannelFull
	}
}

// Subscribe registers a subscriber for the given tables; none means every table.
func (h *Hub) Subscribe(tables ...string) interfaces.Subscription {
	sub := &subscription{
		id:     uuid.New().String(),
		tables: make(map[string]bool, len(tables)),
		events: make(chan types.Event, subscriberBuffer),
		hub:    h,
	}
	for _, t := range tables {
		sub.tables[t] = true
	}

	h.subMu.Lock()
	h.subscribers[sub.id] = sub
	h.subMu.Unlock()

	return sub
}

// SubscriberCount returns the number of open subscriptions
func (h *Hub) SubscriberCount() int {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	return len(h.subscribers)
}

func (h *Hub) run(ctx context.Context) {
	defer log.Println("Hub processing stopped")
	defer h.closeAll()

	for {
		select {
		case event := <-h.eventChannel:
			h.dispatch(event)
		case <-h.shutdownChannel:
			log.Println("Hub shutdown requested")
			return
		case <-ctx.Done():
			log.Println("Hub context cancelled")
			h.mu.Lock()
			h.running = false
			h.mu.Unlock()
			return
		}
	}
}

// dispatch delivers an event to every interested subscriber. A subscriber whose
// buffer is full is closed; it reconnects and re-fetches rather than silently
// missing an invalidation.
func (h *Hub) dispatch(event types.Event) {
	h.subMu.Lock()
	defer h.subMu.Unlock()

	for id, sub := range h.subscribers {
		if !sub.wants(event.Table) {
			continue
		}
		select {
		case sub.events <- event:
		default:
			log.Printf("Subscriber too slow, closing: id=%s table=%s", id, event.Table)
			delete(h.subscribers, id)
			close(sub.events)
		}
	}
}

func (h *Hub) closeAll() {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	for id, sub := range h.subscribers {
		delete(h.subscribers, id)
		close(sub.events)
	}
}

type subscription struct {
	id     string
	tables map[string]bool
	events chan types.Event
	hub    *Hub
}

func (s *subscription) wants(table string) bool {
	return len(s.tables) == 0 || s.tables[table]
}

func (s *subscription) Events() <-chan types.Event {
	return s.events
}

// Close unsubscribes. Safe to call more than once or after the hub closed it.
func (s *subscription) Close() {
	s.hub.subMu.Lock()
	defer s.hub.subMu.Unlock()
	if _, ok := s.hub.subscribers[s.id]; ok {
		delete(s.hub.subscribers, s.id)
		close(s.events)
	}
}
