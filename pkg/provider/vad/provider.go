// Package vad defines the Engine interface for voice activity detection.
//
// A VAD engine hands out per-stream sessions that classify fixed-size PCM
// frames as speech or silence. The wake gate uses a session as a throughput
// pre-filter: frames classified as silence are never scored.
//
// ProcessFrame is synchronous and must not block. Sessions keep smoothing
// state and are not safe for concurrent use; engines are.
package vad

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate of the PCM frames passed to ProcessFrame, in Hz.
	SampleRate int

	// FrameSizeMs is the duration of each frame. Engines may reject frames of
	// any other length.
	FrameSizeMs int

	// SpeechThreshold is the level above which a frame counts towards speech.
	// Its scale is engine specific (probability for model based engines,
	// normalised RMS for the energy engine).
	SpeechThreshold float64

	// SilenceThreshold is the level below which a frame counts towards
	// silence. Must be <= SpeechThreshold.
	SilenceThreshold float64
}

// FrameBytes returns the byte length of one 16-bit mono frame for cfg.
func (c Config) FrameBytes() int {
	return c.SampleRate * c.FrameSizeMs / 1000 * 2
}

// EventType enumerates VAD detection states.
type EventType int

const (
	// SpeechStart marks the first frame of a speech segment.
	SpeechStart EventType = iota

	// SpeechContinue marks an ongoing speech segment.
	SpeechContinue

	// SpeechEnd marks the first silent frame after a speech segment.
	SpeechEnd

	// Silence marks a frame outside any speech segment.
	Silence
)

// Event is the classification of a single frame.
type Event struct {
	Type EventType

	// Probability is the raw speech level of the frame in the engine's scale.
	Probability float64
}

// IsSpeech reports whether the frame belongs to a speech segment.
func (e Event) IsSpeech() bool {
	return e.Type == SpeechStart || e.Type == SpeechContinue
}

// SessionHandle is an active detection session for a single audio stream.
type SessionHandle interface {
	// ProcessFrame classifies one frame of little-endian PCM at the session's
	// configured rate and frame size.
	ProcessFrame(frame []byte) (Event, error)

	// Reset clears smoothing state without closing the session.
	Reset()

	// Close releases the session. Calling Close more than once returns nil.
	Close() error
}

// Engine creates VAD sessions.
type Engine interface {
	NewSession(cfg Config) (SessionHandle, error)
}
