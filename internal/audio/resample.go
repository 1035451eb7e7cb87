package audio

import "encoding/binary"

// Resample converts 16-bit mono PCM between sample rates. The 8<->16 kHz
// telephony paths are special-cased: upsampling by 2 repeats each sample
// (zero-order hold), downsampling by 2 drops every other sample. Other
// ratios use linear interpolation producing ceil(n*to/from) samples with
// int16 saturation. Equal rates return the input unchanged.
func Resample(pcm []byte, fromRate, toRate int) []byte {
	if fromRate == toRate || fromRate <= 0 || toRate <= 0 || len(pcm) < 2 {
		return pcm
	}
	switch {
	case toRate == fromRate*2:
		return upsample2x(pcm)
	case fromRate == toRate*2:
		return downsample2x(pcm)
	}
	return resampleLinear(pcm, fromRate, toRate)
}

func upsample2x(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n*4)
	for i := 0; i < n; i++ {
		lo, hi := pcm[i*2], pcm[i*2+1]
		out[i*4] = lo
		out[i*4+1] = hi
		out[i*4+2] = lo
		out[i*4+3] = hi
	}
	return out
}

func downsample2x(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, 0, n)
	for i := 0; i < n; i += 2 {
		out = append(out, pcm[i*2], pcm[i*2+1])
	}
	return out
}

func resampleLinear(pcm []byte, fromRate, toRate int) []byte {
	nIn := len(pcm) / 2
	nOut := (nIn*toRate + fromRate - 1) / fromRate
	if nOut == 0 {
		return nil
	}
	out := make([]byte, nOut*2)
	step := float64(nIn) / float64(nOut)
	for i := 0; i < nOut; i++ {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= nIn {
			idx = nIn - 1
		}
		frac := pos - float64(idx)
		s0 := int16(binary.LittleEndian.Uint16(pcm[idx*2 : idx*2+2]))
		s1 := s0
		if idx+1 < nIn {
			s1 = int16(binary.LittleEndian.Uint16(pcm[(idx+1)*2 : (idx+1)*2+2]))
		}
		v := float64(s0)*(1-frac) + float64(s1)*frac
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], uint16(clampInt16(v)))
	}
	return out
}

// StreamingResampler resamples a continuous PCM stream arriving in chunks
// of arbitrary size. Input is buffered until a full processing chunk is
// available; the remainder carries over to the next call so no samples are
// dropped at chunk boundaries.
type StreamingResampler struct {
	fromRate  int
	toRate    int
	chunkSize int // input bytes consumed per processing step
	buf       []byte
}

// DefaultChunkSize is one 20 ms telephony frame: 160 samples of 16-bit PCM.
const DefaultChunkSize = 320

// NewStreamingResampler creates a streaming resampler between the two
// rates. chunkSize is the input chunk in bytes; values < 2 fall back to
// DefaultChunkSize.
func NewStreamingResampler(fromRate, toRate, chunkSize int) *StreamingResampler {
	if chunkSize < 2 {
		chunkSize = DefaultChunkSize
	}
	return &StreamingResampler{
		fromRate:  fromRate,
		toRate:    toRate,
		chunkSize: chunkSize,
	}
}

// ProcessChunk buffers the input and returns the resampled audio for every
// complete chunk now available. Returns nil when not enough input has
// accumulated yet.
func (r *StreamingResampler) ProcessChunk(chunk []byte) []byte {
	r.buf = append(r.buf, chunk...)

	var out []byte
	off := 0
	for len(r.buf)-off >= r.chunkSize {
		out = append(out, Resample(r.buf[off:off+r.chunkSize], r.fromRate, r.toRate)...)
		off += r.chunkSize
	}
	if off > 0 {
		r.buf = append(r.buf[:0], r.buf[off:]...)
	}
	return out
}

// Flush resamples and returns whatever partial chunk remains buffered.
func (r *StreamingResampler) Flush() []byte {
	if len(r.buf) == 0 {
		return nil
	}
	out := Resample(r.buf, r.fromRate, r.toRate)
	if r.fromRate == r.toRate {
		// Resample returned the buffer itself; detach before reuse.
		out = append([]byte(nil), out...)
	}
	r.buf = r.buf[:0]
	return out
}

// Buffered returns the number of input bytes awaiting a full chunk.
func (r *StreamingResampler) Buffered() int {
	return len(r.buf)
}
