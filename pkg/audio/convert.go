package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// SpeechFormat is the 16 kHz mono format expected by the wake scorer, the VAD
// and the transcription providers.
var SpeechFormat = Format{SampleRate: 16000, Channels: 1}

func (f Format) String() string {
	switch {
	case f.Channels == 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case f.Channels == 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	default:
		return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
	}
}

// Converter converts frames to a target format. Capture devices that cannot
// open at 16 kHz mono are normalised through a Converter on the consumer side
// so the driver callback never does the work.
//
// A Converter logs the first mismatch and the first corrupt frame it sees.
// Use one per stream; it is not safe for concurrent use.
type Converter struct {
	Target Format

	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert returns f in the target format. The second result is false when the
// frame cannot be converted (odd byte count or a payload that does not divide
// into whole multi-channel frames); such frames should be dropped. Frames that
// already match are returned unchanged without copying.
func (c *Converter) Convert(f AudioFrame) (AudioFrame, bool) {
	ch := max(f.Channels, 1)
	if len(f.Data)%(2*ch) != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio converter: misaligned PCM payload, dropping frame",
				"bytes", len(f.Data),
				"format", Format{f.SampleRate, f.Channels}.String(),
			)
		})
		return AudioFrame{}, false
	}
	src := Format{SampleRate: f.SampleRate, Channels: ch}
	if src == c.Target {
		return f, true
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch, converting",
			"from", src.String(),
			"to", c.Target.String(),
		)
	})

	pcm := f.Data
	// Downmix before resampling so fewer channels are interpolated.
	if src.Channels > 1 && c.Target.Channels == 1 {
		pcm = DownmixToMono(pcm, src.Channels)
		src.Channels = 1
	}
	if src.SampleRate != c.Target.SampleRate {
		pcm = Resample16(pcm, src.Channels, src.SampleRate, c.Target.SampleRate)
		src.SampleRate = c.Target.SampleRate
	}
	if src.Channels == 1 && c.Target.Channels > 1 {
		pcm = UpmixMono(pcm, c.Target.Channels)
		src.Channels = c.Target.Channels
	}

	out := f
	out.Data = pcm
	out.SampleRate = src.SampleRate
	out.Channels = src.Channels
	return out, true
}

// DownmixToMono averages each group of interleaved channels into one sample.
// Incomplete trailing frames are discarded.
func DownmixToMono(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	frames := len(pcm) / (2 * channels)
	out := make([]byte, frames*2)
	for i := range frames {
		var sum int32
		for ch := range channels {
			off := (i*channels + ch) * 2
			sum += int32(int16(binary.LittleEndian.Uint16(pcm[off:])))
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(clamp16(sum/int32(channels))))
	}
	return out
}

// UpmixMono copies each mono sample into every output channel.
func UpmixMono(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	samples := len(pcm) / 2
	out := make([]byte, samples*2*channels)
	for i := range samples {
		lo, hi := pcm[i*2], pcm[i*2+1]
		for ch := range channels {
			j := (i*channels + ch) * 2
			out[j] = lo
			out[j+1] = hi
		}
	}
	return out
}

// Resample16 converts interleaved 16-bit PCM from srcRate to dstRate using
// linear interpolation per channel. Invalid rates or equal rates return the
// input unchanged.
func Resample16(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return pcm
	}
	channels = max(channels, 1)
	stride := 2 * channels
	srcFrames := len(pcm) / stride
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	sampleAt := func(frame, ch int) float64 {
		off := frame*stride + ch*2
		return float64(int16(binary.LittleEndian.Uint16(pcm[off:])))
	}

	out := make([]byte, dstFrames*stride)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := min(idx+1, srcFrames-1)
		for ch := range channels {
			v := sampleAt(idx, ch)*(1-frac) + sampleAt(next, ch)*frac
			binary.LittleEndian.PutUint16(out[i*stride+ch*2:], uint16(int16(v)))
		}
	}
	return out
}

func clamp16(v int32) int16 {
	switch {
	case v > 32767:
		return 32767
	case v < -32768:
		return -32768
	default:
		return int16(v)
	}
}
