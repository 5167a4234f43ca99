// Package events fans connector lifecycle events and connected-status
// changes out to subscribers such as websocket clients.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/websoft9/connhub/internal/connector"
	"github.com/websoft9/connhub/internal/registry"
)

// Message kinds.
const (
	KindLifecycle = "lifecycle"
	KindStatus    = "status"
)

const defaultBuffer = 64

// Status is a connected-status change as published to subscribers.
type Status struct {
	Host      string `json:"host"`
	SubSystem string `json:"subsystem"`
	ServiceID string `json:"service_id"`
	Connected bool   `json:"connected"`
	Collapse  bool   `json:"collapse,omitempty"`
}

// Message is one published item. Exactly one of Event and Status is set.
type Message struct {
	Kind   string           `json:"kind"`
	Event  *connector.Event `json:"event,omitempty"`
	Status *Status          `json:"status,omitempty"`
	Time   time.Time        `json:"time"`
}

// Hub is a passive connector listener and a registry status listener.
// Publishing never blocks: a subscriber whose buffer is full misses the
// message.
type Hub struct {
	buffer int

	mu     sync.RWMutex
	subs   map[*subscription]struct{}
	closed bool
}

type subscription struct {
	ch      chan Message
	dropped int
}

var (
	_ connector.Listener      = (*Hub)(nil)
	_ registry.StatusListener = (*Hub)(nil)
)

// NewHub creates a hub whose subscribers buffer up to buffer messages.
// A non-positive buffer uses the default.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{buffer: buffer, subs: make(map[*subscription]struct{})}
}

// OnEvent publishes a connector lifecycle event.
func (h *Hub) OnEvent(e connector.Event) {
	h.publish(Message{Kind: KindLifecycle, Event: &e, Time: e.Time})
}

// IsPassive is true: the hub never blocks a disconnect.
func (h *Hub) IsPassive() bool { return true }

// ConnectedStatusChanged publishes a status change.
func (h *Hub) ConnectedStatusChanged(c registry.StatusChange) {
	st := &Status{SubSystem: c.SubSystem, Connected: c.Connected, Collapse: c.Collapse}
	if c.Host != nil {
		st.Host = c.Host.Name
	}
	if c.Service != nil {
		st.ServiceID = c.Service.ID()
	}
	h.publish(Message{Kind: KindStatus, Status: st, Time: time.Now().UTC()})
}

// Subscribe returns a channel of messages and a cancel func that closes it.
func (h *Hub) Subscribe() (<-chan Message, func()) {
	s := &subscription{ch: make(chan Message, h.buffer)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(s.ch)
		return s.ch, func() {}
	}
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[s]; ok {
				delete(h.subs, s)
				close(s.ch)
			}
		})
	}
}

// Subscribers returns the number of open subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
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
	for s := range h.subs {
		close(s.ch)
		delete(h.subs, s)
	}
}

func (h *Hub) publish(m Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		select {
		case s.ch <- m:
		default:
			s.dropped++
			if s.dropped == 1 || s.dropped%100 == 0 {
				log.Warn().Int("dropped", s.dropped).Str("kind", m.Kind).Msg("events: slow subscriber")
			}
		}
	}
}
