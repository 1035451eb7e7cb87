package dtmf

import (
	"encoding/binary"
	"math"
	"testing"
	"time"
)

// tone synthesizes n samples of summed sine waves at 8 kHz as
// little-endian 16-bit PCM. amplitude is per component, 0..1.
func tone(n int, amplitude float64, freqs ...float64) []byte {
	buf := make([]byte, n*2)
	for i := 0; i < n; i++ {
		var v float64
		for _, f := range freqs {
			v += amplitude * math.Sin(2*math.Pi*f*float64(i)/sampleRate)
		}
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(int16(v*32767)))
	}
	return buf
}

func silence(n int) []byte {
	return make([]byte, n*2)
}

func TestInbandDetectsDigitOne(t *testing.T) {
	d := NewInbandDetector()

	// 80ms of 697+1209 Hz, then silence to release the digit.
	events := d.Process("c1", tone(640, 0.5, 697, 1209))
	if len(events) != 0 {
		t.Fatalf("events during tone = %d, want 0", len(events))
	}
	events = d.Process("c1", silence(320))
	if len(events) != 1 {
		t.Fatalf("events after silence = %d, want 1", len(events))
	}

	ev := events[0]
	if ev.Digit != "1" {
		t.Errorf("Digit = %q, want %q", ev.Digit, "1")
	}
	if ev.Method != MethodInband {
		t.Errorf("Method = %q, want %q", ev.Method, MethodInband)
	}
	if ev.Duration < 70*time.Millisecond || ev.Duration > 90*time.Millisecond {
		t.Errorf("Duration = %v, want within [70ms, 90ms]", ev.Duration)
	}
	if ev.Confidence != ConfidenceInband {
		t.Errorf("Confidence = %v, want %v", ev.Confidence, ConfidenceInband)
	}
}

func TestInbandMinimumDuration(t *testing.T) {
	d := NewInbandDetector()

	// 40ms meets the gate.
	d.Process("c1", tone(320, 0.5, 697, 1209))
	events := d.Process("c1", silence(320))
	if len(events) != 1 {
		t.Fatalf("40ms tone events = %d, want 1", len(events))
	}
	if events[0].Duration != 40*time.Millisecond {
		t.Errorf("Duration = %v, want 40ms", events[0].Duration)
	}

	// 30ms fills one full frame; the remainder never completes another.
	d.Process("c2", tone(240, 0.5, 697, 1209))
	if ev := d.Flush("c2"); ev != nil {
		t.Errorf("30ms tone emitted %+v, want nil", ev)
	}
}

func TestInbandDigitMatrix(t *testing.T) {
	tests := []struct {
		digit string
		low   float64
		high  float64
	}{
		{"1", 697, 1209},
		{"5", 770, 1336},
		{"9", 852, 1477},
		{"0", 941, 1336},
		{"*", 941, 1209},
		{"#", 941, 1477},
		{"A", 697, 1633},
		{"D", 941, 1633},
	}

	for _, tt := range tests {
		d := NewInbandDetector()
		d.Process("c1", tone(480, 0.5, tt.low, tt.high))
		events := d.Process("c1", silence(160))
		if len(events) != 1 {
			t.Errorf("%s: events = %d, want 1", tt.digit, len(events))
			continue
		}
		if events[0].Digit != tt.digit {
			t.Errorf("%.0f+%.0f Hz digit = %q, want %q", tt.low, tt.high, events[0].Digit, tt.digit)
		}
	}
}

func TestInbandFlushOnNewDigit(t *testing.T) {
	d := NewInbandDetector()

	// "1" ends the moment "2" begins, without intervening silence.
	buf := append(tone(480, 0.5, 697, 1209), tone(480, 0.5, 697, 1336)...)
	events := d.Process("c1", buf)
	if len(events) != 1 {
		t.Fatalf("events during digit change = %d, want 1", len(events))
	}
	if events[0].Digit != "1" {
		t.Errorf("first digit = %q, want %q", events[0].Digit, "1")
	}

	events = d.Process("c1", silence(320))
	if len(events) != 1 {
		t.Fatalf("events after silence = %d, want 1", len(events))
	}
	if events[0].Digit != "2" {
		t.Errorf("second digit = %q, want %q", events[0].Digit, "2")
	}
}

func TestInbandSingleToneRejected(t *testing.T) {
	d := NewInbandDetector()

	// One row frequency with no column partner is not DTMF.
	d.Process("c1", tone(640, 0.5, 697))
	events := d.Process("c1", silence(320))
	if len(events) != 0 {
		t.Errorf("single tone events = %d, want 0", len(events))
	}
}

func TestInbandTwistRejected(t *testing.T) {
	d := NewInbandDetector()

	// High group 20 dB below the low group exceeds the allowed twist.
	low := tone(640, 0.5, 697)
	high := tone(640, 0.05, 1209)
	buf := make([]byte, len(low))
	for i := 0; i+1 < len(low); i += 2 {
		a := int16(binary.LittleEndian.Uint16(low[i:]))
		b := int16(binary.LittleEndian.Uint16(high[i:]))
		binary.LittleEndian.PutUint16(buf[i:], uint16(a+b))
	}
	d.Process("c1", buf)
	events := d.Process("c1", silence(320))
	if len(events) != 0 {
		t.Errorf("twisted tone events = %d, want 0", len(events))
	}
}

func TestInbandSilenceOnly(t *testing.T) {
	d := NewInbandDetector()

	events := d.Process("c1", silence(1600))
	if len(events) != 0 {
		t.Errorf("silence events = %d, want 0", len(events))
	}
	if ev := d.Flush("c1"); ev != nil {
		t.Errorf("Flush = %+v, want nil", ev)
	}
}

func TestInbandIndependentCalls(t *testing.T) {
	d := NewInbandDetector()

	d.Process("c1", tone(480, 0.5, 697, 1209))
	d.Process("c2", tone(480, 0.5, 770, 1336))

	ev1 := d.Flush("c1")
	ev2 := d.Flush("c2")
	if ev1 == nil || ev1.Digit != "1" {
		t.Errorf("c1 flush = %+v, want digit 1", ev1)
	}
	if ev2 == nil || ev2.Digit != "5" {
		t.Errorf("c2 flush = %+v, want digit 5", ev2)
	}
	if ev1.CallID != "c1" || ev2.CallID != "c2" {
		t.Errorf("call ids = %q, %q, want c1, c2", ev1.CallID, ev2.CallID)
	}
}
