package audio

import (
	"encoding/binary"
	"errors"
	"math"
)

const (
	// BitsPerSample is fixed at 16 for all PCM handled by this package.
	BitsPerSample = 16

	// FullScale is the magnitude of the largest negative int16 sample and the
	// reference level for normalised energy thresholds.
	FullScale = 32768.0
)

// RMS returns the root-mean-square energy of a 16-bit little-endian PCM
// buffer in sample units (0 to 32768). Returns 0 for buffers shorter than one
// sample.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// NormalizedRMS is [RMS] divided by [FullScale], giving a value in [0, 1].
func NormalizedRMS(pcm []byte) float64 {
	return RMS(pcm) / FullScale
}

// DurationMs returns the duration of a PCM chunk in milliseconds. Returns 0
// for invalid format parameters.
func DurationMs(pcm []byte, sampleRate, channels int) int {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	bytesPerSec := sampleRate * channels * (BitsPerSample / 8)
	return len(pcm) * 1000 / bytesPerSec
}

// ToFloat32Mono converts 16-bit PCM to float32 samples in [-1, 1), averaging
// interleaved channels down to mono.
func ToFloat32Mono(pcm []byte, channels int) []float32 {
	if channels <= 0 {
		channels = 1
	}
	frames := len(pcm) / 2 / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for ch := range channels {
			off := (i*channels + ch) * 2
			sum += float32(int16(binary.LittleEndian.Uint16(pcm[off:]))) / FullScale
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// EncodeWAV wraps raw 16-bit PCM in a canonical 44-byte-header RIFF/WAVE
// container.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	byteRate := sampleRate * channels * BitsPerSample / 8
	blockAlign := channels * BitsPerSample / 8
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], BitsPerSample)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}

// WAVInfo is the format metadata of a RIFF/WAVE container.
type WAVInfo struct {
	DataOffset int
	DataSize   int
	SampleRate int
	Channels   int
}

// ParseWAV walks the RIFF chunks of wav and locates the fmt and data chunks.
// The fmt chunk size is read rather than assumed, so headers longer than 44
// bytes are handled.
func ParseWAV(wav []byte) (WAVInfo, error) {
	if len(wav) < 12 {
		return WAVInfo{}, errors.New("audio: WAV too short to be a valid RIFF file")
	}
	if string(wav[0:4]) != "RIFF" {
		return WAVInfo{}, errors.New("audio: WAV missing RIFF header")
	}
	if string(wav[8:12]) != "WAVE" {
		return WAVInfo{}, errors.New("audio: WAV missing WAVE identifier")
	}

	var info WAVInfo
	foundFmt := false

	offset := 12
	for offset+8 <= len(wav) {
		chunkID := string(wav[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))

		switch chunkID {
		case "fmt ":
			if chunkSize >= 16 && offset+8+16 <= len(wav) {
				fmtData := wav[offset+8:]
				info.Channels = int(binary.LittleEndian.Uint16(fmtData[2:4]))
				info.SampleRate = int(binary.LittleEndian.Uint32(fmtData[4:8]))
				foundFmt = true
			}
		case "data":
			if !foundFmt {
				return WAVInfo{}, errors.New("audio: WAV data chunk precedes fmt chunk")
			}
			info.DataOffset = offset + 8
			// Streaming servers write 0 or 0xFFFFFFFF when the length is
			// unknown; clamp to what was actually received.
			info.DataSize = min(chunkSize, len(wav)-info.DataOffset)
			if chunkSize == 0 {
				info.DataSize = len(wav) - info.DataOffset
			}
			return info, nil
		}

		// Chunks are word-aligned.
		offset += 8 + chunkSize
		if chunkSize%2 != 0 {
			offset++
		}
	}
	return WAVInfo{}, errors.New("audio: WAV missing data chunk")
}

// DecodeWAV returns the PCM payload of wav converted to the target format.
func DecodeWAV(wav []byte, target Format) ([]byte, error) {
	info, err := ParseWAV(wav)
	if err != nil {
		return nil, err
	}
	frame := AudioFrame{
		Data:       wav[info.DataOffset : info.DataOffset+info.DataSize],
		SampleRate: info.SampleRate,
		Channels:   info.Channels,
	}
	conv := Converter{Target: target}
	out, ok := conv.Convert(frame)
	if !ok {
		return nil, errors.New("audio: WAV payload is not whole 16-bit frames")
	}
	return out.Data, nil
}
