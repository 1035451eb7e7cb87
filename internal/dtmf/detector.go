package dtmf

import (
	"log/slog"
	"sync"
	"time"
)

// debounceGap suppresses re-emission of the same digit on the same call
// within this window, deduplicating phones that signal a key press both
// as RFC 2833 and as an audible tone.
const debounceGap = 50 * time.Millisecond

// Handler receives detected events. Handlers run on the detection path and
// must not block; panics are contained and logged.
type Handler func(Event)

// Detector combines the RFC 2833 decoder and the in-band detector behind
// one handler-dispatch surface with per-call debouncing.
type Detector struct {
	rfc2833 *RFC2833Decoder
	inband  *InbandDetector
	logger  *slog.Logger

	mu       sync.Mutex
	handlers []Handler
	lastEmit map[string]time.Time // callID+digit -> last emission
	stats    Stats
}

// Stats counts detector activity.
type Stats struct {
	Total     uint64
	RFC2833   uint64
	Inband    uint64
	SIPInfo   uint64
	Malformed uint64
	Debounced uint64
}

// NewDetector creates a detector with both methods enabled.
func NewDetector(logger *slog.Logger) *Detector {
	return &Detector{
		rfc2833:  NewRFC2833Decoder(),
		inband:   NewInbandDetector(),
		logger:   logger.With("component", "dtmf_detector"),
		lastEmit: make(map[string]time.Time),
	}
}

// AddHandler registers a handler for all subsequent events.
func (d *Detector) AddHandler(h Handler) {
	d.mu.Lock()
	d.handlers = append(d.handlers, h)
	d.mu.Unlock()
}

// ProcessTelephoneEvent feeds one RFC 2833 payload for a call.
func (d *Detector) ProcessTelephoneEvent(callID string, payload []byte) {
	ev, err := d.rfc2833.Process(callID, payload)
	if err != nil {
		d.mu.Lock()
		d.stats.Malformed++
		d.mu.Unlock()
		d.logger.Debug("malformed telephone-event payload", "call_id", callID, "error", err)
		return
	}
	if ev != nil {
		d.emit(*ev)
	}
}

// ProcessAudio feeds decoded linear PCM for in-band detection.
func (d *Detector) ProcessAudio(callID string, pcm []byte) {
	for _, ev := range d.inband.Process(callID, pcm) {
		d.emit(ev)
	}
}

// ProcessSIPInfo feeds a digit reported by the signaling plane.
func (d *Detector) ProcessSIPInfo(callID, digit string) error {
	ev, err := NewSIPInfoEvent(callID, digit)
	if err != nil {
		return err
	}
	d.emit(ev)
	return nil
}

// Cleanup drops all per-call detection state.
func (d *Detector) Cleanup(callID string) {
	d.rfc2833.Cleanup(callID)
	d.inband.Cleanup(callID)

	d.mu.Lock()
	for key := range d.lastEmit {
		if len(key) > len(callID) && key[:len(callID)] == callID {
			delete(d.lastEmit, key)
		}
	}
	d.mu.Unlock()
}

// Stats returns a snapshot of the detector counters.
func (d *Detector) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// emit applies the debounce gate, updates counters, and fans the event out
// to handlers in registration order. Handler panics are contained so one
// bad handler cannot stall detection.
func (d *Detector) emit(ev Event) {
	key := ev.CallID + ":" + ev.Digit

	d.mu.Lock()
	if last, ok := d.lastEmit[key]; ok && ev.Time.Sub(last) < debounceGap {
		d.stats.Debounced++
		d.mu.Unlock()
		return
	}
	d.lastEmit[key] = ev.Time

	d.stats.Total++
	switch ev.Method {
	case MethodRFC2833:
		d.stats.RFC2833++
	case MethodInband:
		d.stats.Inband++
	case MethodSIPInfo:
		d.stats.SIPInfo++
	}
	handlers := make([]Handler, len(d.handlers))
	copy(handlers, d.handlers)
	d.mu.Unlock()

	d.logger.Info("dtmf detected",
		"call_id", ev.CallID,
		"digit", ev.Digit,
		"method", ev.Method,
		"duration_ms", ev.Duration.Milliseconds(),
		"confidence", ev.Confidence,
	)

	for _, h := range handlers {
		d.safeDispatch(h, ev)
	}
}

func (d *Detector) safeDispatch(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("dtmf handler panicked", "call_id", ev.CallID, "panic", r)
		}
	}()
	h(ev)
}
