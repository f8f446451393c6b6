// Package mock provides a test double for [stt.Provider].
//
//	p := &mock.Provider{Result: stt.Transcript{Text: "hello"}}
//	t, _ := p.Transcribe(ctx, pcm, cfg)
//	p.Calls() // one call with pcm
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/athina/pkg/provider/stt"
)

var _ stt.Provider = (*Provider)(nil)

// TranscribeCall records a single Transcribe invocation.
type TranscribeCall struct {
	PCM []byte
	Cfg stt.Config
}

// Provider is a mock [stt.Provider].
type Provider struct {
	mu sync.Mutex

	// Result and Err are returned by Transcribe.
	Result stt.Transcript
	Err    error

	// Delay makes Transcribe block for the given duration or until ctx is
	// done, whichever comes first.
	Delay time.Duration

	// TranscribeCalls records every call.
	TranscribeCalls []TranscribeCall
}

// Transcribe implements [stt.Provider].
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, cfg stt.Config) (stt.Transcript, error) {
	p.mu.Lock()
	p.TranscribeCalls = append(p.TranscribeCalls, TranscribeCall{PCM: append([]byte(nil), pcm...), Cfg: cfg})
	res, err, delay := p.Result, p.Err, p.Delay
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return stt.Transcript{}, ctx.Err()
		}
	}
	return res, err
}

// Calls returns a copy of the recorded calls.
func (p *Provider) Calls() []TranscribeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]TranscribeCall(nil), p.TranscribeCalls...)
}

// Reset clears recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TranscribeCalls = nil
}
