// Package stt defines the Provider interface for speech-to-text backends.
//
// Providers are batch oriented: the interaction controller endpoints an
// utterance itself and hands the complete PCM buffer to Transcribe. Backends
// that only speak a streaming protocol (Deepgram) stream the buffer and wait
// for the final result.
//
// Implementations must be safe for concurrent use and must honour ctx
// cancellation, since transcription can take seconds.
package stt

import (
	"context"
	"time"
)

// Config describes the audio format and recognition hints for one
// transcription request.
type Config struct {
	// SampleRate of the PCM buffer in Hz. Zero means 16000.
	SampleRate int

	// Channels of the PCM buffer. Zero means mono.
	Channels int

	// Language is a BCP-47 tag such as "en" or "de-DE". Empty lets the
	// provider use its configured default or auto-detect.
	Language string

	// Keywords are vocabulary hints for uncommon words such as the
	// assistant's name.
	Keywords []KeywordBoost
}

// WithDefaults returns c with zero format fields filled in.
func (c Config) WithDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	return c
}

// KeywordBoost is a recognition hint. Boost uses the provider's own scale.
type KeywordBoost struct {
	Keyword string
	Boost   float64
}

// Transcript is the result of a transcription request. An empty Text with a
// nil error means no speech was recognised.
type Transcript struct {
	Text string

	// Confidence in [0, 1]. Zero when the provider does not report it.
	Confidence float64

	// Words holds per-word detail when the provider supports it.
	Words []WordDetail

	// Duration is the length of the transcribed audio.
	Duration time.Duration
}

// WordDetail holds per-word metadata.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe converts a complete buffer of 16-bit little-endian PCM to
	// text.
	Transcribe(ctx context.Context, pcm []byte, cfg Config) (Transcript, error)
}
