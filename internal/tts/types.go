// Package tts synthesizes translated text into audio for device channels.
package tts

import "context"

// Audio is one synthesized utterance
type Audio struct {
	Data       []byte // raw little-endian 16-bit PCM
	Format     string
	SampleRate int
	Channels   int
}

// Synthesizer converts text into speech
type Synthesizer interface {
	// Synthesize renders text in language; voice may be empty to use the default
	Synthesize(ctx context.Context, text, language, voice string) (*Audio, error)
}
