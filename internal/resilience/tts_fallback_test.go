package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/athina/pkg/audio"
	"github.com/MrWong99/athina/pkg/provider/tts"
	ttsmock "github.com/MrWong99/athina/pkg/provider/tts/mock"
)

func TestTTSFallback_Synthesize_PrimarySuccess(t *testing.T) {
	primary := &ttsmock.Provider{
		Clip: tts.Clip{PCM: []byte("audio1"), Format: audio.SpeechFormat},
	}
	secondary := &ttsmock.Provider{
		Clip: tts.Clip{PCM: []byte("fallback-audio"), Format: audio.SpeechFormat},
	}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	voice := tts.VoiceProfile{ID: "v1", Name: "Athina"}
	clip, err := fb.Synthesize(context.Background(), "hello", voice)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(clip.PCM) != "audio1" {
		t.Fatalf("pcm = %q, want audio1", clip.PCM)
	}
	calls := primary.Calls()
	if len(calls) != 1 {
		t.Fatalf("primary called %d times, want 1", len(calls))
	}
	if calls[0].Text != "hello" || calls[0].Voice.ID != "v1" {
		t.Fatalf("primary call = %+v", calls[0])
	}
	if len(secondary.Calls()) != 0 {
		t.Fatalf("secondary called %d times, want 0", len(secondary.Calls()))
	}
}

func TestTTSFallback_Synthesize_Failover(t *testing.T) {
	primary := &ttsmock.Provider{SynthesizeErr: errors.New("primary down")}
	secondary := &ttsmock.Provider{
		Clip: tts.Clip{PCM: []byte("fallback-audio"), Format: audio.SpeechFormat},
	}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	clip, err := fb.Synthesize(context.Background(), "hello", tts.VoiceProfile{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(clip.PCM) != "fallback-audio" {
		t.Fatalf("pcm = %q, want fallback-audio", clip.PCM)
	}
}

func TestTTSFallback_Synthesize_OpenBreakerSkipsPrimary(t *testing.T) {
	primary := &ttsmock.Provider{SynthesizeErr: errors.New("primary down")}
	secondary := &ttsmock.Provider{Clip: tts.Clip{PCM: []byte("ok")}}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	})
	fb.AddFallback("secondary", secondary)

	for range 4 {
		if _, err := fb.Synthesize(context.Background(), "hi", tts.VoiceProfile{}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if n := len(primary.Calls()); n != 2 {
		t.Fatalf("primary called %d times, want 2 before its breaker opened", n)
	}
}

func TestTTSFallback_AllFail(t *testing.T) {
	fb := NewTTSFallback(&ttsmock.Provider{SynthesizeErr: errors.New("a")}, "a", FallbackConfig{})
	fb.AddFallback("b", &ttsmock.Provider{SynthesizeErr: errors.New("b")})

	_, err := fb.Synthesize(context.Background(), "hi", tts.VoiceProfile{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestTTSFallback_ListVoices(t *testing.T) {
	primary := &ttsmock.Provider{ListVoicesErr: errors.New("list failed")}
	secondary := &ttsmock.Provider{
		Voices: []tts.VoiceProfile{{ID: "v1", Name: "Voice1"}, {ID: "v2", Name: "Voice2"}},
	}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	voices, err := fb.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(voices) != 2 {
		t.Fatalf("got %d voices, want 2", len(voices))
	}
	if voices[0].ID != "v1" {
		t.Fatalf("voices[0].ID = %q, want v1", voices[0].ID)
	}
}
