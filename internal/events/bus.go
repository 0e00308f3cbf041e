package events

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// EventType identifies the kind of event.
type EventType string

const (
	EventRouteDecision  EventType = "route_decision"
	EventRouteSuccess   EventType = "route_success"
	EventRouteError     EventType = "route_error"
	EventKeyTransition  EventType = "key_transition"
	EventKeyAccess      EventType = "key_access"
	EventQuotaChange    EventType = "quota_change"
	EventBudgetWarning  EventType = "budget_warning"
	EventBudgetExceeded EventType = "budget_exceeded"
	EventStoreEviction  EventType = "store_eviction"
	EventHealthChange   EventType = "health_change"
)

// Event is a single keymux event published on the bus. Every event
// passes through the sanitizer before delivery, so key material never
// reaches a subscriber.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// Routing fields (populated for route events).
	RequestID  string  `json:"request_id,omitempty"`
	KeyID      string  `json:"key_id,omitempty"`
	ProviderID string  `json:"provider_id,omitempty"`
	Objective  string  `json:"objective,omitempty"`
	LatencyMs  float64 `json:"latency_ms,omitempty"`
	CostUSD    float64 `json:"cost_usd,omitempty"`
	ErrorClass string  `json:"error_class,omitempty"`
	Reason     string  `json:"reason,omitempty"`

	// Transition fields (key_transition, quota_change, health_change).
	OldState string `json:"old_state,omitempty"`
	NewState string `json:"new_state,omitempty"`
	Trigger  string `json:"trigger,omitempty"`

	// Access fields (key_access).
	Operation string `json:"operation,omitempty"`
	Outcome   string `json:"outcome,omitempty"`

	// Budget fields.
	BudgetID string `json:"budget_id,omitempty"`
}

// JSON returns the event as a JSON byte slice.
func (e *Event) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

// secretPrefixes are string shapes that must never leave the process in
// an event, whatever field they land in.
var secretPrefixes = []string{"sk-", "km_", "AKIA", "key-"}

const redacted = "[REDACTED]"

// sanitize masks any string field whose value looks like secret
// material. Fields are scrubbed in place on the copied event, never on
// the caller's value.
func sanitize(e Event) Event {
	e.Reason = maskSecrets(e.Reason)
	e.ErrorClass = maskSecrets(e.ErrorClass)
	e.Operation = maskSecrets(e.Operation)
	e.Outcome = maskSecrets(e.Outcome)
	return e
}

func maskSecrets(s string) string {
	for _, p := range secretPrefixes {
		if idx := strings.Index(s, p); idx >= 0 {
			return s[:idx] + redacted
		}
	}
	return s
}

// Subscriber receives events on a channel.
type Subscriber struct {
	C    chan Event
	done chan struct{}
}

// Done is closed when the subscriber is removed from the bus.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Bus is an in-memory pub/sub event bus for keymux events.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[*Subscriber]struct{}),
	}
}

// Subscribe creates a new subscriber with a buffered channel.
func (b *Bus) Subscribe(bufSize int) *Subscriber {
	if bufSize <= 0 {
		bufSize = 64
	}
	s := &Subscriber{
		C:    make(chan Event, bufSize),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	b.subscribers[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	delete(b.subscribers, s)
	b.mu.Unlock()
	close(s.done)
}

// Publish sanitizes the event and sends it to all subscribers
// (non-blocking).
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	e = sanitize(e)
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subscribers {
		select {
		case s.C <- e:
		default:
			// Drop event if subscriber is slow (back-pressure).
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
