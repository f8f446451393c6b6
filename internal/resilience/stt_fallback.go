package resilience

import (
	"context"

	"github.com/MrWong99/athina/pkg/provider/stt"
)

// STTFallback implements [stt.Provider] with failover across several STT
// backends. Each backend has its own circuit breaker.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred backend.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional STT backend.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
}

// Transcribe sends pcm to the first healthy backend. A backend returning an
// empty transcript counts as a success; only errors trigger failover.
func (f *STTFallback) Transcribe(ctx context.Context, pcm []byte, cfg stt.Config) (stt.Transcript, error) {
	return ExecuteWithResult(f.group, func(p stt.Provider) (stt.Transcript, error) {
		return p.Transcribe(ctx, pcm, cfg)
	})
}

// Status returns the breaker state of every backend.
func (f *STTFallback) Status() []BreakerStatus { return f.group.Status() }
