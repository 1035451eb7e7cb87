// Package prompts ships the default audio prompts embedded in the
// binary. They are 8 kHz mono 16-bit PCM WAV tone sequences produced
// by internal/prompts/gen; operators replace them with recorded speech
// by dropping files of the same name into <data-dir>/prompts.
package prompts

import "embed"

// FS holds the embedded default prompts.
//
//go:embed *.wav
var FS embed.FS

// Defaults lists the embedded prompt files extracted to the data
// directory on first boot.
var Defaults = []string{
	"ivr_welcome.wav",
	"ivr_invalid.wav",
	"ivr_timeout.wav",
	"transfer_notice.wav",
	"hold_music.wav",
}
