package resilience

import (
	"context"

	"github.com/MrWong99/athina/pkg/provider/tts"
)

// TTSFallback implements [tts.Provider] with failover across several TTS
// backends. Each backend has its own circuit breaker.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional TTS backend.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// Synthesize renders text with the first healthy backend. The same voice
// profile is passed to every backend; backends ignore IDs they do not know.
func (f *TTSFallback) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) (tts.Clip, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) (tts.Clip, error) {
		return p.Synthesize(ctx, text, voice)
	})
}

// ListVoices returns the voices of the first healthy backend.
func (f *TTSFallback) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) ([]tts.VoiceProfile, error) {
		return p.ListVoices(ctx)
	})
}

// Status returns the breaker state of every backend.
func (f *TTSFallback) Status() []BreakerStatus { return f.group.Status() }
