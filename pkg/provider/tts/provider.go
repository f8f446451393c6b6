// Package tts defines the Provider interface for text-to-speech backends.
//
// A provider turns one complete response string into a PCM clip. The
// assistant speaks whole replies, so synthesis is a single request per
// utterance and the caller hands the clip to an audio.Player.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"

	"github.com/MrWong99/athina/pkg/audio"
)

// ErrEmptyText is returned by Synthesize when the text contains nothing to say.
var ErrEmptyText = errors.New("tts: empty text")

// Clip is a synthesised utterance: signed 16-bit little-endian PCM and the
// format it is encoded in.
type Clip struct {
	PCM    []byte
	Format audio.Format
}

// DurationMs returns the playback length of the clip in milliseconds.
func (c Clip) DurationMs() int {
	return audio.DurationMs(c.PCM, c.Format.SampleRate, c.Format.Channels)
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize renders text with the given voice. An empty voice.ID selects
	// the backend default where the backend has one.
	Synthesize(ctx context.Context, text string, voice VoiceProfile) (Clip, error)

	// ListVoices returns the voice catalogue reported by the backend.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)
}
