package audio

import (
	"encoding/binary"
	"math"
)

// GenerateTone creates 16-bit PCM samples for a sine wave at the given
// frequency, amplitude (0.0-1.0 of int16 range) and duration.
func GenerateTone(frequencyHz, amplitude float64, durationMs, sampleRate int) []byte {
	totalSamples := sampleRate * durationMs / 1000
	out := make([]byte, totalSamples*2)
	peak := amplitude * 32767.0

	for i := 0; i < totalSamples; i++ {
		t := float64(i) / float64(sampleRate)
		s := int16(peak * math.Sin(2.0*math.Pi*frequencyHz*t))
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], uint16(s))
	}
	return out
}

// GenerateRingTone produces a North American ring pattern: 440 Hz + 480 Hz
// for 2 seconds, then 4 seconds of silence, repeated until durationMs is
// filled. Partial cycles are truncated.
func GenerateRingTone(durationMs, sampleRate int) []byte {
	const (
		ringMs    = 2000
		silenceMs = 4000
	)

	out := make([]byte, 0, sampleRate*durationMs/1000*2)
	elapsed := 0

	for elapsed < durationMs {
		seg := ringMs
		if elapsed+seg > durationMs {
			seg = durationMs - elapsed
		}
		low := GenerateTone(440, 0.2, seg, sampleRate)
		high := GenerateTone(480, 0.2, seg, sampleRate)
		out = append(out, sumTones(low, high)...)
		elapsed += seg
		if elapsed >= durationMs {
			break
		}

		seg = silenceMs
		if elapsed+seg > durationMs {
			seg = durationMs - elapsed
		}
		out = append(out, Silence(seg, sampleRate)...)
		elapsed += seg
	}
	return out
}

// sumTones adds two equal-length PCM streams with saturation. Unlike Mix it
// sums rather than averages, preserving the dual-tone level.
func sumTones(a, b []byte) []byte {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	n &^= 1
	out := make([]byte, n)
	for i := 0; i+1 < n; i += 2 {
		sa := int32(int16(binary.LittleEndian.Uint16(a[i : i+2])))
		sb := int32(int16(binary.LittleEndian.Uint16(b[i : i+2])))
		binary.LittleEndian.PutUint16(out[i:i+2], uint16(clampInt16(float64(sa+sb))))
	}
	return out
}
