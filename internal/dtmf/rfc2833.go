package dtmf

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"
)

// endBit flags the final packet of a telephone event (RFC 2833 §3.5).
const endBit = 0x80

// RFC2833Decoder tracks telephone-event packets per call and emits one
// event per key press. The start packet anchors a wall-clock timer; the
// packet with the End bit set completes the event. End retransmissions
// after the first are ignored because the start record is consumed.
type RFC2833Decoder struct {
	mu     sync.Mutex
	active map[string]*activeEvent // keyed by call ID
}

type activeEvent struct {
	digit    string
	start    time.Time
	volume   int
	duration uint16 // last duration field seen, in timestamp units
}

// NewRFC2833Decoder creates an empty decoder.
func NewRFC2833Decoder() *RFC2833Decoder {
	return &RFC2833Decoder{active: make(map[string]*activeEvent)}
}

// Process parses one telephone-event payload. It returns a completed event
// when the End bit closes a tracked key press, nil otherwise. Malformed
// payloads return an error and change no state.
func (d *RFC2833Decoder) Process(callID string, payload []byte) (*Event, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("telephone-event payload too short: %d bytes", len(payload))
	}

	code := payload[0]
	flags := payload[1]
	duration := binary.BigEndian.Uint16(payload[2:4])

	digit := DigitForCode(code)
	if digit == "" {
		// Not a DTMF digit (flash hook or reserved event).
		return nil, nil
	}

	end := flags&endBit != 0
	volume := int(flags & 0x3F)
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	cur := d.active[callID]

	if !end {
		switch {
		case cur == nil:
			d.active[callID] = &activeEvent{digit: digit, start: now, volume: volume, duration: duration}
		case cur.digit == digit:
			// Continuation packets refresh the reported duration.
			cur.duration = duration
		default:
			// A new digit started without the previous one ending.
			d.active[callID] = &activeEvent{digit: digit, start: now, volume: volume, duration: duration}
		}
		return nil, nil
	}

	if cur == nil || cur.digit != digit {
		// End without a matching start: a retransmission of an already
		// emitted event, or mid-event packet loss. Either way, drop.
		return nil, nil
	}
	delete(d.active, callID)

	// Wall clock is authoritative; the duration field (8 kHz timestamp
	// units) covers the case where start and end arrive back to back.
	dur := now.Sub(cur.start)
	if dur <= 0 {
		dur = time.Duration(duration) * time.Millisecond / 8
	}

	return &Event{
		CallID:     callID,
		Digit:      digit,
		Method:     MethodRFC2833,
		Time:       now,
		Duration:   dur,
		Level:      -volume,
		Confidence: ConfidenceRFC2833,
	}, nil
}

// Cleanup drops any in-progress event state for a call.
func (d *RFC2833Decoder) Cleanup(callID string) {
	d.mu.Lock()
	delete(d.active, callID)
	d.mu.Unlock()
}
