package dtmf

import (
	"math"
	"sync"
	"time"
)

const (
	sampleRate    = 8000
	frameSize     = 160 // 20 ms at 8 kHz
	frameDuration = 20 * time.Millisecond

	// energyThreshold is the minimum Goertzel power for both group maxima.
	// The signal varies over orders of magnitude, so this only rejects
	// near-silence; the relative checks below do the discrimination.
	energyThreshold = 1e6

	// minDigitDuration gates emission: a digit must hold for at least two
	// consecutive frames.
	minDigitDuration = 40 * time.Millisecond
)

// DTMF keypad frequencies (Hz). Row (low) group crossed with column (high)
// group addresses digitMatrix.
var (
	lowFreqs  = [4]float64{697, 770, 852, 941}
	highFreqs = [4]float64{1209, 1336, 1477, 1633}

	digitMatrix = [4][4]string{
		{"1", "2", "3", "A"},
		{"4", "5", "6", "B"},
		{"7", "8", "9", "C"},
		{"*", "0", "#", "D"},
	}
)

// InbandDetector recognizes DTMF tones inside linear PCM using Goertzel
// filters over Hann-windowed 20 ms frames. Detection state is tracked per
// call: consecutive frames of the same digit extend it, a different digit
// flushes the previous one, and silence releases it. Events are emitted on
// release once the minimum duration is met.
type InbandDetector struct {
	lowCoeffs  [4]float64
	highCoeffs [4]float64
	window     [frameSize]float64

	mu    sync.Mutex
	calls map[string]*inbandState
}

type inbandState struct {
	pending []float64 // samples not yet forming a full frame
	digit   string    // digit currently being tracked, "" when idle
	frames  int       // consecutive frames of the current digit
}

// NewInbandDetector precomputes the Goertzel coefficients and Hann window.
func NewInbandDetector() *InbandDetector {
	d := &InbandDetector{calls: make(map[string]*inbandState)}
	for i, f := range lowFreqs {
		d.lowCoeffs[i] = goertzelCoeff(f)
	}
	for i, f := range highFreqs {
		d.highCoeffs[i] = goertzelCoeff(f)
	}
	for n := 0; n < frameSize; n++ {
		d.window[n] = 0.5 * (1 - math.Cos(2*math.Pi*float64(n)/float64(frameSize-1)))
	}
	return d
}

// goertzelCoeff returns 2·cos(2πk/N) for the bin nearest the frequency.
func goertzelCoeff(freq float64) float64 {
	k := math.Floor(0.5 + frameSize*freq/sampleRate)
	return 2 * math.Cos(2*math.Pi*k/frameSize)
}

// Process consumes 16-bit little-endian mono PCM for a call and returns
// any events completed within it. Odd trailing bytes are dropped; partial
// frames are buffered until the next call.
func (d *InbandDetector) Process(callID string, pcm []byte) []Event {
	d.mu.Lock()
	defer d.mu.Unlock()

	st := d.calls[callID]
	if st == nil {
		st = &inbandState{}
		d.calls[callID] = st
	}

	for i := 0; i+1 < len(pcm); i += 2 {
		st.pending = append(st.pending, float64(int16(uint16(pcm[i])|uint16(pcm[i+1])<<8)))
	}

	var events []Event
	for len(st.pending) >= frameSize {
		frame := st.pending[:frameSize]
		st.pending = st.pending[frameSize:]

		digit := d.analyzeFrame(frame)
		if ev := advance(callID, st, digit); ev != nil {
			events = append(events, *ev)
		}
	}
	return events
}

// Flush releases a digit still held at end of stream, returning its event
// if it met the minimum duration.
func (d *InbandDetector) Flush(callID string) *Event {
	d.mu.Lock()
	defer d.mu.Unlock()

	st := d.calls[callID]
	if st == nil {
		return nil
	}
	return endDigit(callID, st)
}

// Cleanup drops all buffered audio and detection state for a call.
func (d *InbandDetector) Cleanup(callID string) {
	d.mu.Lock()
	delete(d.calls, callID)
	d.mu.Unlock()
}

// advance runs one step of the per-call state machine for a frame result.
func advance(callID string, st *inbandState, digit string) *Event {
	if digit != "" {
		switch {
		case st.digit == "":
			st.digit = digit
			st.frames = 1
		case st.digit == digit:
			st.frames++
		default:
			// A different digit started; flush the previous one.
			ev := endDigit(callID, st)
			st.digit = digit
			st.frames = 1
			return ev
		}
		return nil
	}
	if st.digit != "" {
		return endDigit(callID, st)
	}
	return nil
}

// endDigit completes the tracked digit, applying the duration gate.
func endDigit(callID string, st *inbandState) *Event {
	digit, frames := st.digit, st.frames
	st.digit = ""
	st.frames = 0
	if digit == "" {
		return nil
	}

	dur := time.Duration(frames) * frameDuration
	if dur < minDigitDuration {
		return nil
	}
	return &Event{
		CallID:     callID,
		Digit:      digit,
		Method:     MethodInband,
		Time:       time.Now(),
		Duration:   dur,
		Confidence: ConfidenceInband,
	}
}

// analyzeFrame windows one frame and returns the detected digit, or ""
// when no valid tone pair is present.
func (d *InbandDetector) analyzeFrame(frame []float64) string {
	var windowed [frameSize]float64
	for n := 0; n < frameSize; n++ {
		windowed[n] = frame[n] * d.window[n]
	}

	var lowEnergy, highEnergy [4]float64
	for i := range lowFreqs {
		lowEnergy[i] = goertzel(windowed[:], d.lowCoeffs[i])
	}
	for i := range highFreqs {
		highEnergy[i] = goertzel(windowed[:], d.highCoeffs[i])
	}

	row := maxIndex(lowEnergy)
	col := maxIndex(highEnergy)

	if lowEnergy[row] <= energyThreshold || highEnergy[col] <= energyThreshold {
		return ""
	}

	// Non-maximum frequencies in each group must stay well below the
	// maximum, rejecting speech and multi-tone noise.
	for i, e := range lowEnergy {
		if i != row && e > lowEnergy[row]*0.5 {
			return ""
		}
	}
	for i, e := range highEnergy {
		if i != col && e > highEnergy[col]*0.5 {
			return ""
		}
	}

	// Twist: the group energies of a genuine keypress are near balanced.
	ratio := highEnergy[col] / lowEnergy[row]
	if ratio < 0.5 || ratio > 2.0 {
		return ""
	}

	return digitMatrix[row][col]
}

// goertzel computes the Goertzel power of one frequency over the samples.
func goertzel(samples []float64, coeff float64) float64 {
	var s1, s2 float64
	for _, x := range samples {
		s := x + coeff*s1 - s2
		s2 = s1
		s1 = s
	}
	return s1*s1 + s2*s2 - coeff*s1*s2
}

func maxIndex(e [4]float64) int {
	idx := 0
	for i := 1; i < len(e); i++ {
		if e[i] > e[idx] {
			idx = i
		}
	}
	return idx
}
