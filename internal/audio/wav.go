package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// WAV format codes used in the fmt chunk.
const (
	WAVFormatPCM  = 1 // 16-bit linear PCM
	WAVFormatPCMA = 6 // G.711 a-law
	WAVFormatPCMU = 7 // G.711 u-law
)

// wavHeaderSize is the standard 44-byte canonical WAV header.
const wavHeaderSize = 44

// WAVHeader holds the parsed fields from a WAV file header needed for
// playback validation and decoding.
type WAVHeader struct {
	AudioFormat   uint16 // 1 = PCM, 6 = a-law, 7 = u-law
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	DataSize      uint32 // size of the "data" chunk in bytes
}

// Duration returns the playback duration implied by the header.
func (h *WAVHeader) Duration() time.Duration {
	if h.ByteRate == 0 {
		return 0
	}
	return time.Duration(h.DataSize) * time.Second / time.Duration(h.ByteRate)
}

// ParseWAVHeader reads and validates a WAV header, returning the format
// information and positioning the reader at the start of audio data.
func ParseWAVHeader(r io.ReadSeeker) (*WAVHeader, error) {
	// RIFF header: "RIFF" + size + "WAVE"
	var riffHeader [12]byte
	if _, err := io.ReadFull(r, riffHeader[:]); err != nil {
		return nil, fmt.Errorf("reading riff header: %w", err)
	}
	if string(riffHeader[0:4]) != "RIFF" {
		return nil, errors.New("not a RIFF file")
	}
	if string(riffHeader[8:12]) != "WAVE" {
		return nil, errors.New("not a WAVE file")
	}

	// Walk chunks to find "fmt " and "data".
	hdr := &WAVHeader{}
	foundFmt := false
	foundData := false

	for !foundData {
		var chunkID [4]byte
		var chunkSize uint32

		if _, err := io.ReadFull(r, chunkID[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return nil, fmt.Errorf("reading chunk id: %w", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &chunkSize); err != nil {
			return nil, fmt.Errorf("reading chunk size: %w", err)
		}

		switch string(chunkID[:]) {
		case "fmt ":
			if chunkSize < 16 {
				return nil, fmt.Errorf("fmt chunk too small: %d bytes", chunkSize)
			}
			if err := binary.Read(r, binary.LittleEndian, &hdr.AudioFormat); err != nil {
				return nil, fmt.Errorf("reading audio format: %w", err)
			}
			if err := binary.Read(r, binary.LittleEndian, &hdr.NumChannels); err != nil {
				return nil, fmt.Errorf("reading num channels: %w", err)
			}
			if err := binary.Read(r, binary.LittleEndian, &hdr.SampleRate); err != nil {
				return nil, fmt.Errorf("reading sample rate: %w", err)
			}
			if err := binary.Read(r, binary.LittleEndian, &hdr.ByteRate); err != nil {
				return nil, fmt.Errorf("reading byte rate: %w", err)
			}
			if err := binary.Read(r, binary.LittleEndian, &hdr.BlockAlign); err != nil {
				return nil, fmt.Errorf("reading block align: %w", err)
			}
			if err := binary.Read(r, binary.LittleEndian, &hdr.BitsPerSample); err != nil {
				return nil, fmt.Errorf("reading bits per sample: %w", err)
			}
			// Skip any extra fmt bytes.
			if chunkSize > 16 {
				if _, err := r.Seek(int64(chunkSize-16), io.SeekCurrent); err != nil {
					return nil, fmt.Errorf("skipping extra fmt data: %w", err)
				}
			}
			foundFmt = true

		case "data":
			hdr.DataSize = chunkSize
			foundData = true
			// Reader is now positioned at the start of audio data.

		default:
			// Skip unknown chunks. Pad to even boundary per WAV spec.
			skip := int64(chunkSize)
			if chunkSize%2 != 0 {
				skip++
			}
			if _, err := r.Seek(skip, io.SeekCurrent); err != nil {
				return nil, fmt.Errorf("skipping chunk %q: %w", string(chunkID[:]), err)
			}
		}
	}

	if !foundFmt {
		return nil, errors.New("wav file missing fmt chunk")
	}
	if !foundData {
		return nil, errors.New("wav file missing data chunk")
	}

	return hdr, nil
}

// DecodeWAV parses in-memory WAV data and returns the header together with
// the raw audio payload from the data chunk.
func DecodeWAV(data []byte) (*WAVHeader, []byte, error) {
	r := bytes.NewReader(data)
	hdr, err := ParseWAVHeader(r)
	if err != nil {
		return nil, nil, err
	}

	off := len(data) - r.Len()
	end := off + int(hdr.DataSize)
	if end > len(data) {
		end = len(data)
	}
	return hdr, data[off:end], nil
}

// LoadWAVPCM reads a WAV file and returns its audio as 16-bit linear PCM
// together with the sample rate. G.711 u-law and a-law payloads are decoded;
// 16-bit PCM passes through. Anything else (stereo, other formats, other
// sample widths) is rejected rather than silently passed on.
func LoadWAVPCM(path string) ([]byte, int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("reading wav file: %w", err)
	}

	hdr, payload, err := DecodeWAV(data)
	if err != nil {
		return nil, 0, fmt.Errorf("parsing wav file: %w", err)
	}

	if hdr.NumChannels != 1 {
		return nil, 0, fmt.Errorf("wav file must be mono, got %d channels", hdr.NumChannels)
	}

	switch hdr.AudioFormat {
	case WAVFormatPCM:
		if hdr.BitsPerSample != 16 {
			return nil, 0, fmt.Errorf("pcm wav must be 16-bit, got %d-bit", hdr.BitsPerSample)
		}
		return payload, int(hdr.SampleRate), nil
	case WAVFormatPCMU:
		if hdr.BitsPerSample != 8 {
			return nil, 0, fmt.Errorf("u-law wav must be 8-bit, got %d-bit", hdr.BitsPerSample)
		}
		return DecodeUlaw(payload), int(hdr.SampleRate), nil
	case WAVFormatPCMA:
		if hdr.BitsPerSample != 8 {
			return nil, 0, fmt.Errorf("a-law wav must be 8-bit, got %d-bit", hdr.BitsPerSample)
		}
		return DecodeAlaw(payload), int(hdr.SampleRate), nil
	default:
		return nil, 0, fmt.Errorf("unsupported wav format %d: only PCM (1), a-law (6) and u-law (7) are supported", hdr.AudioFormat)
	}
}

// ValidateWAVData checks that in-memory WAV data is one of the supported
// mono formats. Returns a descriptive error for anything else.
func ValidateWAVData(data []byte) error {
	hdr, _, err := DecodeWAV(data)
	if err != nil {
		return fmt.Errorf("invalid wav: %w", err)
	}
	if hdr.NumChannels != 1 {
		return fmt.Errorf("wav file must be mono, got %d channels", hdr.NumChannels)
	}
	switch hdr.AudioFormat {
	case WAVFormatPCM:
		if hdr.BitsPerSample != 16 {
			return fmt.Errorf("pcm wav must be 16-bit, got %d-bit", hdr.BitsPerSample)
		}
	case WAVFormatPCMU, WAVFormatPCMA:
		if hdr.BitsPerSample != 8 {
			return fmt.Errorf("g711 wav must be 8-bit, got %d-bit", hdr.BitsPerSample)
		}
	default:
		return fmt.Errorf("unsupported wav format %d", hdr.AudioFormat)
	}
	return nil
}

// EncodeWAVHeader builds a 44-byte canonical WAV header for the given
// format. bitsPerSample is 8 for G.711 formats and 16 for linear PCM.
func EncodeWAVHeader(format uint16, channels, sampleRate, bitsPerSample int, dataSize uint32) []byte {
	hdr := make([]byte, wavHeaderSize)
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	copy(hdr[0:4], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:8], wavHeaderSize-8+dataSize)
	copy(hdr[8:12], "WAVE")

	copy(hdr[12:16], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:20], 16) // fmt chunk size
	binary.LittleEndian.PutUint16(hdr[20:22], format)
	binary.LittleEndian.PutUint16(hdr[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(hdr[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(hdr[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(hdr[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(hdr[34:36], uint16(bitsPerSample))

	copy(hdr[36:40], "data")
	binary.LittleEndian.PutUint32(hdr[40:44], dataSize)

	return hdr
}
