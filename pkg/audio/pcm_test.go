package audio_test

import (
	"math"
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/athina/pkg/audio"
)

func TestRMS(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		samples []int16
		want    float64
	}{
		{name: "empty", samples: nil, want: 0},
		{name: "silence", samples: []int16{0, 0, 0, 0}, want: 0},
		{name: "constant", samples: []int16{1000, -1000, 1000, -1000}, want: 1000},
		{name: "mixed", samples: []int16{3, 4}, want: math.Sqrt(12.5)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := audio.RMS(audio.Int16ToBytes(tt.samples))
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("RMS = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNormalizedRMS(t *testing.T) {
	t.Parallel()
	got := audio.NormalizedRMS(audio.Int16ToBytes([]int16{-32768, -32768}))
	if got != 1 {
		t.Errorf("NormalizedRMS(full scale) = %v, want 1", got)
	}
}

func TestDurationMs(t *testing.T) {
	t.Parallel()
	pcm := make([]byte, 3200) // 100 ms at 16 kHz mono
	if got := audio.DurationMs(pcm, 16000, 1); got != 100 {
		t.Errorf("DurationMs = %d, want 100", got)
	}
	if got := audio.DurationMs(pcm, 0, 1); got != 0 {
		t.Errorf("DurationMs with zero rate = %d, want 0", got)
	}
}

func TestAudioFrame_Duration(t *testing.T) {
	t.Parallel()
	f := audio.AudioFrame{Data: make([]byte, 2048), SampleRate: 16000, Channels: 1}
	if got, want := f.Duration(), 64*time.Millisecond; got != want {
		t.Errorf("Duration = %v, want %v", got, want)
	}
}

func TestToFloat32Mono(t *testing.T) {
	t.Parallel()
	got := audio.ToFloat32Mono(audio.Int16ToBytes([]int16{16384, -16384, 0, 0}), 2)
	if len(got) != 2 || got[0] != 0 || got[1] != 0 {
		t.Errorf("stereo cancel = %v, want [0 0]", got)
	}
	got = audio.ToFloat32Mono(audio.Int16ToBytes([]int16{-32768, 16384}), 1)
	if got[0] != -1 || got[1] != 0.5 {
		t.Errorf("mono = %v, want [-1 0.5]", got)
	}
}

func TestWAVRoundTrip(t *testing.T) {
	t.Parallel()

	pcm := audio.Int16ToBytes([]int16{1, -2, 3, -4})
	wav := audio.EncodeWAV(pcm, 16000, 1)
	if len(wav) != 44+len(pcm) {
		t.Fatalf("len = %d, want %d", len(wav), 44+len(pcm))
	}
	info, err := audio.ParseWAV(wav)
	if err != nil {
		t.Fatalf("ParseWAV: %v", err)
	}
	if info.DataOffset != 44 || info.SampleRate != 16000 || info.Channels != 1 || info.DataSize != len(pcm) {
		t.Errorf("info = %+v", info)
	}
}

func TestParseWAV_ExtraChunks(t *testing.T) {
	t.Parallel()

	pcm := audio.Int16ToBytes([]int16{7, 8})
	base := audio.EncodeWAV(pcm, 22050, 2)
	// Insert an odd-sized LIST chunk between fmt and data.
	list := []byte{'L', 'I', 'S', 'T', 3, 0, 0, 0, 'a', 'b', 'c', 0}
	wav := slices.Concat(base[:36], list, base[36:])

	info, err := audio.ParseWAV(wav)
	if err != nil {
		t.Fatalf("ParseWAV: %v", err)
	}
	if info.DataOffset != 44+len(list) {
		t.Errorf("DataOffset = %d, want %d", info.DataOffset, 44+len(list))
	}
	if info.SampleRate != 22050 || info.Channels != 2 {
		t.Errorf("format = %dHz %dch", info.SampleRate, info.Channels)
	}
}

func TestParseWAV_Invalid(t *testing.T) {
	t.Parallel()

	for name, wav := range map[string][]byte{
		"short":   []byte("RIFF"),
		"no riff": []byte("XXXX\x00\x00\x00\x00WAVE"),
		"no wave": []byte("RIFF\x00\x00\x00\x00XXXX"),
		"no data": []byte("RIFF\x00\x00\x00\x00WAVEfmt \x00\x00\x00\x00"),
	} {
		if _, err := audio.ParseWAV(wav); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestDecodeWAV_ConvertsToTarget(t *testing.T) {
	t.Parallel()

	pcm := audio.Int16ToBytes([]int16{100, 300, 100, 300})
	got, err := audio.DecodeWAV(audio.EncodeWAV(pcm, 16000, 2), audio.SpeechFormat)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if s := audio.BytesToInt16(got); !slices.Equal(s, []int16{200, 200}) {
		t.Errorf("samples = %v, want [200 200]", s)
	}
}
