// Package audio defines the audio frame type, the bounded capture queue, PCM
// helpers and the device abstractions used by the assistant.
//
// The two device abstractions are:
//
//   - [Capture] opens an input device and delivers frames through a callback
//     that runs on the driver's time-sensitive thread.
//   - [Player] plays a finished PCM buffer on an output device.
//
// Implementations live in sub-packages (audio/portaudio, audio/mock).
package audio

import (
	"context"
	"errors"
)

// ErrNoDevice is returned by [Capture.Open] when the selected device does not
// exist or has no suitable channels.
var ErrNoDevice = errors.New("audio: no such device")

// DeviceConfig selects and configures a capture device.
type DeviceConfig struct {
	// Device is a device name or numeric index. Empty selects the system
	// default input.
	Device string

	SampleRate int
	Channels   int

	// FrameSize is the number of samples per channel in each delivered frame.
	FrameSize int
}

// Capture opens capture devices.
//
// The onFrame callback is invoked on the driver's callback thread. It must
// return quickly and must not block; callers typically push into a [Queue].
type Capture interface {
	Open(cfg DeviceConfig, onFrame func(AudioFrame)) (Stream, error)
}

// Stream is an open, running capture stream.
type Stream interface {
	// Format reports the format frames are delivered in, which may differ
	// from the requested one when the device cannot honour it.
	Format() Format

	// Lost is closed when the device disappears or stops delivering audio.
	Lost() <-chan struct{}

	// Close stops capture and releases the device. Safe to call more than
	// once.
	Close() error
}

// Player plays a complete PCM buffer, returning when playback has finished or
// ctx is cancelled.
type Player interface {
	Play(ctx context.Context, pcm []byte, format Format) error
}

// Duplex is a backend that both captures and plays audio.
type Duplex interface {
	Capture
	Player
}
