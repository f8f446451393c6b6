// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to return controlled clips and to verify that the expected
// text and VoiceProfile reached the TTS backend.
//
//	p := &mock.Provider{Clip: tts.Clip{PCM: pcm, Format: audio.SpeechFormat}}
//	clip, _ := p.Synthesize(ctx, "hello", voice)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/athina/pkg/provider/tts"
)

var _ tts.Provider = (*Provider)(nil)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	Text  string
	Voice tts.VoiceProfile
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Clip and SynthesizeErr are returned by Synthesize.
	Clip          tts.Clip
	SynthesizeErr error

	// Delay makes Synthesize block for the given duration or until ctx is done.
	Delay time.Duration

	// Voices and ListVoicesErr are returned by ListVoices.
	Voices        []tts.VoiceProfile
	ListVoicesErr error

	SynthesizeCalls []SynthesizeCall
	ListVoicesCalls int
}

// Synthesize records the call and returns the configured clip.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) (tts.Clip, error) {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Text: text, Voice: voice})
	clip, err, delay := p.Clip, p.SynthesizeErr, p.Delay
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return tts.Clip{}, ctx.Err()
		}
	}
	if err != nil {
		return tts.Clip{}, err
	}
	clip.PCM = append([]byte(nil), clip.PCM...)
	return clip, nil
}

// ListVoices records the call and returns the configured voices.
func (p *Provider) ListVoices(_ context.Context) ([]tts.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ListVoicesCalls++
	if p.ListVoicesErr != nil {
		return nil, p.ListVoicesErr
	}
	return append([]tts.VoiceProfile(nil), p.Voices...), nil
}

// Calls returns a copy of the recorded Synthesize calls.
func (p *Provider) Calls() []SynthesizeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]SynthesizeCall(nil), p.SynthesizeCalls...)
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
	p.ListVoicesCalls = 0
}
