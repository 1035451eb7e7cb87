package call

import (
	"testing"
	"time"
)

func TestBusTypedSubscribe(t *testing.T) {
	b := NewBus(testLogger())

	var created, ended []string
	b.Subscribe(EventCallCreated, func(ev Event) { created = append(created, ev.CallID) })
	b.Subscribe(EventCallEnded, func(ev Event) { ended = append(ended, ev.CallID) })

	b.Publish(Event{Type: EventCallCreated, CallID: "a"})
	b.Publish(Event{Type: EventCallEnded, CallID: "a"})
	b.Publish(Event{Type: EventStateChanged, CallID: "a"})

	if len(created) != 1 || created[0] != "a" {
		t.Errorf("created handler saw %v, want [a]", created)
	}
	if len(ended) != 1 || ended[0] != "a" {
		t.Errorf("ended handler saw %v, want [a]", ended)
	}
	if got := b.Published(); got != 3 {
		t.Errorf("Published = %d, want 3", got)
	}
}

func TestBusSubscribeAll(t *testing.T) {
	b := NewBus(testLogger())

	var seen []string
	b.SubscribeAll(func(ev Event) { seen = append(seen, ev.Type) })
	b.Subscribe(EventCallCreated, func(Event) {})

	b.Publish(Event{Type: EventCallCreated, CallID: "a"})
	b.Publish(Event{Type: EventDTMFReceived, CallID: "a"})

	want := []string{EventCallCreated, EventDTMFReceived}
	if len(seen) != len(want) {
		t.Fatalf("all handler saw %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("seen[%d] = %s, want %s", i, seen[i], want[i])
		}
	}
}

func TestBusPanicContained(t *testing.T) {
	b := NewBus(testLogger())

	b.Subscribe(EventCallCreated, func(Event) { panic("boom") })
	var reached bool
	b.Subscribe(EventCallCreated, func(Event) { reached = true })

	b.Publish(Event{Type: EventCallCreated, CallID: "a"})

	if !reached {
		t.Error("handler after panicking handler not invoked")
	}
}

func TestBusStampsTime(t *testing.T) {
	b := NewBus(testLogger())

	var got Event
	b.Subscribe(EventCallCreated, func(ev Event) { got = ev })

	before := time.Now()
	b.Publish(Event{Type: EventCallCreated, CallID: "a"})
	if got.Time.Before(before) || got.Time.After(time.Now()) {
		t.Errorf("event time %v not stamped at publish", got.Time)
	}

	fixed := time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)
	b.Publish(Event{Type: EventCallCreated, CallID: "b", Time: fixed})
	if !got.Time.Equal(fixed) {
		t.Errorf("explicit event time = %v, want %v", got.Time, fixed)
	}
}
