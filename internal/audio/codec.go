package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/zaf/g711"
)

// Codec names understood by Convert. G722 and G729 are recognized payload
// types on the RTP plane but are carried pass-through, never transcoded.
const (
	CodecPCM  = "PCM"
	CodecPCMU = "PCMU"
	CodecPCMA = "PCMA"
	CodecG722 = "G722"
	CodecG729 = "G729"
)

// RTP payload types for the supported codecs (RFC 3551).
const (
	PayloadPCMU = 0
	PayloadPCMA = 8
	PayloadG722 = 9
	PayloadG729 = 18
)

// G.711 silence bytes used to pad short frames.
const (
	SilenceUlaw = 0xFF
	SilenceAlaw = 0xD5
)

// DefaultSampleRate is the narrowband telephony rate on the RTP plane.
const DefaultSampleRate = 8000

// ErrUnknownCodec is returned by Convert when either codec name is not
// recognized. The input is returned unchanged so media keeps flowing.
type ErrUnknownCodec struct {
	Codec string
}

func (e *ErrUnknownCodec) Error() string {
	return fmt.Sprintf("unknown codec %q", e.Codec)
}

// PayloadType maps a codec name to its RTP payload type. Unknown names map
// to PCMU (0), the telephony default.
func PayloadType(codec string) uint8 {
	switch strings.ToUpper(codec) {
	case CodecPCMA:
		return PayloadPCMA
	case CodecG722:
		return PayloadG722
	case CodecG729:
		return PayloadG729
	default:
		return PayloadPCMU
	}
}

// CodecName maps an RTP payload type back to its codec name. Unknown
// payload types return PCMU.
func CodecName(pt uint8) string {
	switch pt {
	case PayloadPCMA:
		return CodecPCMA
	case PayloadG722:
		return CodecG722
	case PayloadG729:
		return CodecG729
	default:
		return CodecPCMU
	}
}

// SilenceByte returns the G.711 silence byte for the given codec name.
func SilenceByte(codec string) byte {
	if strings.ToUpper(codec) == CodecPCMA {
		return SilenceAlaw
	}
	return SilenceUlaw
}

// DecodeUlaw converts G.711 u-law samples to 16-bit little-endian linear PCM.
func DecodeUlaw(ulaw []byte) []byte {
	pcm := make([]byte, len(ulaw)*2)
	for i, j := 0, 0; i < len(ulaw); i, j = i+1, j+2 {
		frame := g711.DecodeUlawFrame(ulaw[i])
		pcm[j] = byte(frame)
		pcm[j+1] = byte(frame >> 8)
	}
	return pcm
}

// EncodeUlaw converts 16-bit little-endian linear PCM to G.711 u-law.
// A trailing odd byte is ignored.
func EncodeUlaw(pcm []byte) []byte {
	ulaw := make([]byte, len(pcm)/2)
	for i, j := 0, 0; j <= len(pcm)-2; i, j = i+1, j+2 {
		ulaw[i] = g711.EncodeUlawFrame(int16(pcm[j]) | int16(pcm[j+1])<<8)
	}
	return ulaw
}

// DecodeAlaw converts G.711 a-law samples to 16-bit little-endian linear PCM.
func DecodeAlaw(alaw []byte) []byte {
	pcm := make([]byte, len(alaw)*2)
	for i, j := 0, 0; i < len(alaw); i, j = i+1, j+2 {
		frame := g711.DecodeAlawFrame(alaw[i])
		pcm[j] = byte(frame)
		pcm[j+1] = byte(frame >> 8)
	}
	return pcm
}

// EncodeAlaw converts 16-bit little-endian linear PCM to G.711 a-law.
// A trailing odd byte is ignored.
func EncodeAlaw(pcm []byte) []byte {
	alaw := make([]byte, len(pcm)/2)
	for i, j := 0, 0; j <= len(pcm)-2; i, j = i+1, j+2 {
		alaw[i] = g711.EncodeAlawFrame(int16(pcm[j]) | int16(pcm[j+1])<<8)
	}
	return alaw
}

// Convert transcodes audio between PCM, PCMU and PCMA. Same-codec input is
// returned as-is. PCMU<->PCMA round-trips through linear PCM. Unknown codec
// names return the input unchanged together with an ErrUnknownCodec so the
// caller can log and keep the media path alive. Empty input returns empty.
func Convert(data []byte, fromCodec, toCodec string) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}

	from := strings.ToUpper(fromCodec)
	to := strings.ToUpper(toCodec)
	if from == to {
		return data, nil
	}

	if !transcodable(from) {
		return data, &ErrUnknownCodec{Codec: fromCodec}
	}
	if !transcodable(to) {
		return data, &ErrUnknownCodec{Codec: toCodec}
	}

	// Decode to linear PCM first.
	var pcm []byte
	switch from {
	case CodecPCMU:
		pcm = DecodeUlaw(data)
	case CodecPCMA:
		pcm = DecodeAlaw(data)
	default:
		pcm = data
	}

	switch to {
	case CodecPCMU:
		return EncodeUlaw(pcm), nil
	case CodecPCMA:
		return EncodeAlaw(pcm), nil
	default:
		return pcm, nil
	}
}

func transcodable(codec string) bool {
	switch codec {
	case CodecPCM, CodecPCMU, CodecPCMA:
		return true
	}
	return false
}

// AdjustVolume multiplies every PCM sample by factor, saturating to the
// int16 range. The input slice is not modified.
func AdjustVolume(pcm []byte, factor float64) []byte {
	out := make([]byte, len(pcm))
	for i := 0; i+1 < len(pcm); i += 2 {
		s := int16(binary.LittleEndian.Uint16(pcm[i : i+2]))
		v := float64(s) * factor
		binary.LittleEndian.PutUint16(out[i:i+2], uint16(clampInt16(v)))
	}
	return out
}

// DefaultSilenceRMS is the RMS threshold below which a PCM frame is
// considered silent.
const DefaultSilenceRMS = 1000

// DetectSilence reports whether the RMS amplitude of the PCM frame is below
// threshold. Empty frames are silent.
func DetectSilence(pcm []byte, threshold float64) bool {
	n := len(pcm) / 2
	if n == 0 {
		return true
	}
	var sum float64
	for i := 0; i+1 < len(pcm); i += 2 {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i : i+2])))
		sum += s * s
	}
	return math.Sqrt(sum/float64(n)) < threshold
}

// RMS returns the root-mean-square amplitude of a 16-bit PCM frame.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i+1 < len(pcm); i += 2 {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i : i+2])))
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// Silence returns ms milliseconds of zero PCM at the given sample rate
// (16-bit mono).
func Silence(ms, rate int) []byte {
	return make([]byte, rate*ms/1000*2)
}

// SplitFrames slices PCM into fixed-duration frames (320 bytes for 20 ms at
// 8 kHz). The final short frame, if any, is zero-padded to full size.
func SplitFrames(pcm []byte, frameMs, rate int) [][]byte {
	frameBytes := rate * frameMs / 1000 * 2
	if frameBytes <= 0 {
		return nil
	}
	frames := make([][]byte, 0, (len(pcm)+frameBytes-1)/frameBytes)
	for off := 0; off < len(pcm); off += frameBytes {
		end := off + frameBytes
		if end <= len(pcm) {
			frames = append(frames, pcm[off:end])
			continue
		}
		frame := make([]byte, frameBytes)
		copy(frame, pcm[off:])
		frames = append(frames, frame)
	}
	return frames
}

// Mix averages two PCM streams sample-wise with int16 saturation. The
// result is as long as the shorter input.
func Mix(a, b []byte) []byte {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	n &^= 1 // whole samples only
	out := make([]byte, n)
	for i := 0; i+1 < n; i += 2 {
		sa := int32(int16(binary.LittleEndian.Uint16(a[i : i+2])))
		sb := int32(int16(binary.LittleEndian.Uint16(b[i : i+2])))
		binary.LittleEndian.PutUint16(out[i:i+2], uint16(clampInt16(float64((sa+sb)/2))))
	}
	return out
}

func clampInt16(v float64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
