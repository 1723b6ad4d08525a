package agent

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// subscriptionBuffer is the per-subscriber event channel depth. A
// subscriber that falls further behind than this loses events rather than
// stalling the protocol path.
const subscriptionBuffer = 64

// Hub fans asynchronous guest events out to per-instance subscribers.
// Publishing never blocks: the events arrive on a connection's reader
// goroutine, and a stalled subscriber must not stall reply delivery.
type Hub struct {
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]map[string]*Subscription // instance id → sub id → sub
}

// NewHub creates an empty Hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger.With("component", "hub"),
		subs:   make(map[string]map[string]*Subscription),
	}
}

// Subscription is one subscriber's view of an instance's event stream.
type Subscription struct {
	id         string
	instanceID string
	ch         chan map[string]any
	hub        *Hub
	once       sync.Once
}

// Subscribe registers a new subscriber for an instance's events.
func (h *Hub) Subscribe(instanceID string) *Subscription {
	sub := &Subscription{
		id:         uuid.NewString(),
		instanceID: instanceID,
		ch:         make(chan map[string]any, subscriptionBuffer),
		hub:        h,
	}

	h.mu.Lock()
	if h.subs[instanceID] == nil {
		h.subs[instanceID] = make(map[string]*Subscription)
	}
	h.subs[instanceID][sub.id] = sub
	h.mu.Unlock()

	return sub
}

// Events returns the subscriber's channel. It is closed by Close.
func (s *Subscription) Events() <-chan map[string]any { return s.ch }

// Close unregisters the subscription and closes its channel. Idempotent.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		if subs := s.hub.subs[s.instanceID]; subs != nil {
			delete(subs, s.id)
			if len(subs) == 0 {
				delete(s.hub.subs, s.instanceID)
			}
		}
		s.hub.mu.Unlock()
		close(s.ch)
	})
}

// Publish delivers an event to every subscriber of an instance, dropping
// it for subscribers whose buffer is full.
func (h *Hub) Publish(instanceID string, event map[string]any) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, sub := range h.subs[instanceID] {
		select {
		case sub.ch <- event:
		default:
			eventsDropped.Inc()
			h.logger.Debug("dropped event for slow subscriber", "instance", instanceID)
		}
	}
}
