package audio

import (
	"encoding/binary"
	"time"
)

// AudioFrame is a single block of captured audio. Frames are produced once by
// the capture source and never mutated afterwards; a consumer that dequeues a
// frame owns it.
type AudioFrame struct {
	// Data holds signed 16-bit little-endian PCM. Multi-channel audio is
	// interleaved.
	Data []byte

	// SampleRate in Hz (16000 for the wake and STT path).
	SampleRate int

	// Channels is the number of interleaved channels, usually 1.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration

	// Seq is the capture sequence number. It increases by one per frame
	// produced by a source, so gaps reveal frames dropped under backpressure.
	Seq uint64
}

// Samples decodes the frame's PCM payload into int16 samples.
func (f AudioFrame) Samples() []int16 {
	return BytesToInt16(f.Data)
}

// Duration returns the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Data) / 2 / f.Channels
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// BytesToInt16 decodes little-endian PCM into int16 samples. A trailing odd
// byte is ignored.
func BytesToInt16(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// Int16ToBytes encodes samples as little-endian PCM.
func Int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}
