package audio_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/athina/pkg/audio"
)

func TestDownmixToMono(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		in       []int16
		channels int
		want     []int16
	}{
		{name: "stereo average", in: []int16{100, 200, -100, -200}, channels: 2, want: []int16{150, -150}},
		{name: "clamped", in: []int16{32767, 32767}, channels: 2, want: []int16{32767}},
		{name: "four channels", in: []int16{10, 20, 30, 40}, channels: 4, want: []int16{25}},
		{name: "trailing partial frame dropped", in: []int16{10, 20, 30}, channels: 2, want: []int16{15}},
		{name: "mono passthrough", in: []int16{1, 2, 3}, channels: 1, want: []int16{1, 2, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := audio.BytesToInt16(audio.DownmixToMono(audio.Int16ToBytes(tt.in), tt.channels))
			if !slices.Equal(got, tt.want) {
				t.Errorf("DownmixToMono = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUpmixMono(t *testing.T) {
	t.Parallel()
	got := audio.BytesToInt16(audio.UpmixMono(audio.Int16ToBytes([]int16{100, 200}), 2))
	want := []int16{100, 100, 200, 200}
	if !slices.Equal(got, want) {
		t.Errorf("UpmixMono = %v, want %v", got, want)
	}
}

func TestResample16(t *testing.T) {
	t.Parallel()

	t.Run("same rate is identity", func(t *testing.T) {
		t.Parallel()
		pcm := audio.Int16ToBytes([]int16{1, 2, 3})
		if out := audio.Resample16(pcm, 1, 16000, 16000); len(out) != len(pcm) {
			t.Errorf("len = %d, want %d", len(out), len(pcm))
		}
	})

	t.Run("invalid rates are identity", func(t *testing.T) {
		t.Parallel()
		pcm := audio.Int16ToBytes([]int16{1, 2})
		for _, rates := range [][2]int{{0, 16000}, {16000, 0}, {-1, 48000}} {
			if out := audio.Resample16(pcm, 1, rates[0], rates[1]); len(out) != len(pcm) {
				t.Errorf("rates %v: len = %d, want %d", rates, len(out), len(pcm))
			}
		}
	})

	t.Run("downsample 48k to 16k", func(t *testing.T) {
		t.Parallel()
		pcm := audio.Int16ToBytes([]int16{100, 200, 300, 400, 500, 600})
		got := audio.BytesToInt16(audio.Resample16(pcm, 1, 48000, 16000))
		if len(got) != 2 {
			t.Fatalf("got %d samples, want 2", len(got))
		}
		if got[0] != 100 {
			t.Errorf("first sample = %d, want 100", got[0])
		}
	})

	t.Run("upsample keeps endpoints", func(t *testing.T) {
		t.Parallel()
		pcm := audio.Int16ToBytes([]int16{1000, 2000})
		got := audio.BytesToInt16(audio.Resample16(pcm, 1, 16000, 48000))
		if len(got) != 6 {
			t.Fatalf("got %d samples, want 6", len(got))
		}
		if got[0] != 1000 {
			t.Errorf("first sample = %d, want 1000", got[0])
		}
		if last := got[len(got)-1]; last < 1800 || last > 2000 {
			t.Errorf("last sample = %d, want close to 2000", last)
		}
	})

	t.Run("stereo keeps channel layout", func(t *testing.T) {
		t.Parallel()
		pcm := audio.Int16ToBytes([]int16{100, -100, 300, -300})
		got := audio.BytesToInt16(audio.Resample16(pcm, 2, 16000, 48000))
		if len(got) != 12 {
			t.Fatalf("got %d samples, want 12", len(got))
		}
		for i := 0; i < len(got); i += 2 {
			if got[i] < 0 || got[i+1] > 0 {
				t.Errorf("frame %d: L=%d R=%d, channels swapped or mixed", i/2, got[i], got[i+1])
			}
		}
	})
}

func TestConverter(t *testing.T) {
	t.Parallel()

	t.Run("matching format is zero copy", func(t *testing.T) {
		t.Parallel()
		conv := audio.Converter{Target: audio.SpeechFormat}
		f := audio.AudioFrame{Data: audio.Int16ToBytes([]int16{1, 2}), SampleRate: 16000, Channels: 1, Seq: 7}
		got, ok := conv.Convert(f)
		if !ok {
			t.Fatal("Convert reported failure")
		}
		if &got.Data[0] != &f.Data[0] {
			t.Error("expected the same backing array for a matching format")
		}
	})

	t.Run("48k stereo to speech format keeps metadata", func(t *testing.T) {
		t.Parallel()
		conv := audio.Converter{Target: audio.SpeechFormat}
		samples := make([]int16, 960) // 10 ms of 48k stereo
		f := audio.AudioFrame{Data: audio.Int16ToBytes(samples), SampleRate: 48000, Channels: 2, Seq: 42}
		got, ok := conv.Convert(f)
		if !ok {
			t.Fatal("Convert reported failure")
		}
		if got.SampleRate != 16000 || got.Channels != 1 {
			t.Errorf("format = %dHz %dch, want 16000Hz 1ch", got.SampleRate, got.Channels)
		}
		if got.Seq != 42 {
			t.Errorf("Seq = %d, want 42", got.Seq)
		}
		if n := len(got.Data) / 2; n != 160 {
			t.Errorf("samples = %d, want 160", n)
		}
	})

	t.Run("misaligned payload is rejected", func(t *testing.T) {
		t.Parallel()
		conv := audio.Converter{Target: audio.SpeechFormat}
		for _, f := range []audio.AudioFrame{
			{Data: []byte{1, 2, 3}, SampleRate: 16000, Channels: 1},
			{Data: []byte{1, 2, 3, 4, 5, 6}, SampleRate: 48000, Channels: 2},
		} {
			if _, ok := conv.Convert(f); ok {
				t.Errorf("Convert(%d bytes, %dch) succeeded, want rejection", len(f.Data), f.Channels)
			}
		}
	})
}

func TestFormatString(t *testing.T) {
	t.Parallel()
	tests := map[audio.Format]string{
		{SampleRate: 16000, Channels: 1}: "16000Hz mono",
		{SampleRate: 48000, Channels: 2}: "48000Hz stereo",
		{SampleRate: 44100, Channels: 6}: "44100Hz 6ch",
	}
	for f, want := range tests {
		if got := f.String(); got != want {
			t.Errorf("Format%v.String() = %q, want %q", f, got, want)
		}
	}
}
