// Command gen synthesizes the default prompt audio as 8 kHz mono
// 16-bit PCM WAV files under internal/prompts. The defaults are tone
// sequences; production deployments replace them with recorded speech
// in the data directory.
//
// Usage: go run ./internal/prompts/gen
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/voicebridge/voicebridge/internal/audio"
)

// segment is one piece of a prompt: a tone, or silence when freqHz is
// zero.
type segment struct {
	freqHz float64
	ampl   float64
	ms     int
}

var defaultPrompts = []struct {
	filename string
	segments []segment
}{
	{"ivr_welcome.wav", []segment{
		{523.25, 0.3, 300}, {0, 0, 100}, {659.25, 0.3, 300}, {0, 0, 300},
	}},
	{"ivr_invalid.wav", []segment{
		{330, 0.3, 200}, {0, 0, 100}, {330, 0.3, 200},
	}},
	{"ivr_timeout.wav", []segment{
		{440, 0.3, 500},
	}},
	{"transfer_notice.wav", []segment{
		{880, 0.25, 250}, {0, 0, 150}, {880, 0.25, 250},
	}},
	{"hold_music.wav", holdMusic()},
}

// holdMusic is a rising and falling C major arpeggio, two seconds per
// loop pass.
func holdMusic() []segment {
	notes := []float64{261.63, 329.63, 392.00, 523.25, 523.25, 392.00, 329.63, 261.63}
	segs := make([]segment, 0, len(notes))
	for _, f := range notes {
		segs = append(segs, segment{f, 0.2, 250})
	}
	return segs
}

func main() {
	dir := filepath.Join("internal", "prompts")
	for _, p := range defaultPrompts {
		path := filepath.Join(dir, p.filename)
		if err := write(path, p.segments); err != nil {
			fmt.Fprintf(os.Stderr, "error writing %s: %v\n", p.filename, err)
			os.Exit(1)
		}
		fi, _ := os.Stat(path)
		fmt.Printf("created %s (%d bytes)\n", path, fi.Size())
	}
}

func write(path string, segments []segment) error {
	var pcm []byte
	for _, seg := range segments {
		if seg.freqHz == 0 {
			pcm = append(pcm, audio.Silence(seg.ms, audio.DefaultSampleRate)...)
			continue
		}
		pcm = append(pcm, audio.GenerateTone(seg.freqHz, seg.ampl, seg.ms, audio.DefaultSampleRate)...)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	hdr := audio.EncodeWAVHeader(audio.WAVFormatPCM, 1, audio.DefaultSampleRate, 16, uint32(len(pcm)))
	if _, err := f.Write(hdr); err != nil {
		return err
	}
	_, err = f.Write(pcm)
	return err
}
