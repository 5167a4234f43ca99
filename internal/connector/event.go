package connector

import (
	"sync"
	"time"
)

// State is the live-connection state of a Service.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// EventType is a lifecycle notification kind.
type EventType int

const (
	BeforeConnect EventType = iota
	AfterConnect
	BeforeDisconnect
	AfterDisconnect
	ConnectionError
)

func (t EventType) String() string {
	switch t {
	case BeforeConnect:
		return "before_connect"
	case AfterConnect:
		return "after_connect"
	case BeforeDisconnect:
		return "before_disconnect"
	case AfterDisconnect:
		return "after_disconnect"
	case ConnectionError:
		return "connection_error"
	default:
		return "unknown"
	}
}

func (t EventType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Event is a communications lifecycle notification.
type Event struct {
	Type          EventType `json:"type"`
	ServiceID     string    `json:"service_id"`
	Host          string    `json:"host"`
	CapabilityKey string    `json:"capability"`
	Message       string    `json:"message,omitempty"`
	Time          time.Time `json:"time"`
}

// Listener observes lifecycle events of a Service.
//
// A passive listener is a background observer. An active listener belongs to
// an in-flight task and makes a disconnect worth confirming.
type Listener interface {
	OnEvent(Event)
	IsPassive() bool
}

// FuncListener adapts a function to Listener.
type FuncListener struct {
	Fn      func(Event)
	Passive bool
}

// NewListener returns a *FuncListener. Use the pointer for RemoveListener.
func NewListener(fn func(Event), passive bool) *FuncListener {
	return &FuncListener{Fn: fn, Passive: passive}
}

func (l *FuncListener) OnEvent(e Event) { l.Fn(e) }
func (l *FuncListener) IsPassive() bool { return l.Passive }

// listenerSet is a copy-on-read list of listeners.
type listenerSet struct {
	mu        sync.Mutex
	listeners []Listener
}

func (s *listenerSet) add(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cur := range s.listeners {
		if cur == l {
			return
		}
	}
	s.listeners = append(s.listeners, l)
}

func (s *listenerSet) remove(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cur := range s.listeners {
		if cur == l {
			s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
			return
		}
	}
}

func (s *listenerSet) snapshot() []Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Listener(nil), s.listeners...)
}

// activeCount counts non-passive listeners.
func (s *listenerSet) activeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, l := range s.listeners {
		if !l.IsPassive() {
			n++
		}
	}
	return n
}

func (s *listenerSet) fire(e Event) {
	for _, l := range s.snapshot() {
		l.OnEvent(e)
	}
}
