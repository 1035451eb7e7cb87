package call

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the manager.
const (
	EventCallCreated      = "call_created"
	EventStateChanged     = "state_changed"
	EventCallEnded        = "call_ended"
	EventCallQueued       = "call_queued"
	EventCallRejected     = "call_rejected"
	EventCallForwarded    = "call_forwarded"
	EventCallHeld         = "call_held"
	EventCallResumed      = "call_resumed"
	EventDTMFReceived     = "dtmf_received"
	EventRecordingStarted = "recording_started"
	EventRecordingStopped = "recording_stopped"
)

// Event is one lifecycle notification. Data carries event-specific
// fields such as old_state/new_state or the DTMF digit.
type Event struct {
	Type     string         `json:"type"`
	CallID   string         `json:"call_id"`
	Time     time.Time      `json:"time"`
	Snapshot Snapshot       `json:"call"`
	Data     map[string]any `json:"data,omitempty"`
}

// EventHandler receives bus events. Handlers run synchronously on the
// publishing goroutine so events for one call arrive in order; a
// handler that blocks delays delivery, so slow consumers should hand
// off to their own goroutine.
type EventHandler func(Event)

// Bus fans call events out to subscribers. A panicking handler is
// contained and logged; it never takes down the call path.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]EventHandler
	all      []EventHandler
	logger   *slog.Logger

	published atomic.Uint64
}

// NewBus returns an empty event bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers: make(map[string][]EventHandler),
		logger:   logger.With("component", "callevents"),
	}
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(eventType string, h EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], h)
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(h EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Publish delivers the event to matching subscribers.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.RLock()
	typed := b.handlers[ev.Type]
	handlers := make([]EventHandler, 0, len(typed)+len(b.all))
	handlers = append(handlers, typed...)
	handlers = append(handlers, b.all...)
	b.mu.RUnlock()
	b.published.Add(1)

	for _, h := range handlers {
		b.invoke(h, ev)
	}
}

func (b *Bus) invoke(h EventHandler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "event", ev.Type, "call_id", ev.CallID, "panic", r)
		}
	}()
	h(ev)
}

// Published returns the number of events delivered so far.
func (b *Bus) Published() uint64 {
	return b.published.Load()
}
