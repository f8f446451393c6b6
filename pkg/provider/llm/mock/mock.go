// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify that the router sends the expected
// CompletionRequests and to feed controlled responses without a live backend.
//
//	p := &mock.Provider{
//	    CompleteResponse: &llm.CompletionResponse{Content: "Hello!"},
//	}
//	resp, err := p.Complete(ctx, req)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/athina/pkg/provider/llm"
)

var (
	_ llm.Provider = (*Provider)(nil)
	_ llm.Prober   = (*Provider)(nil)
)

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
//
// A nil CompleteResponse with a nil CompleteErr yields an empty response.
// Unavailable flips Available to false.
type Provider struct {
	mu sync.Mutex

	CompleteResponse *llm.CompletionResponse
	CompleteErr      error

	// CompleteFunc, if set, replaces CompleteResponse and CompleteErr.
	CompleteFunc func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)

	// Delay makes Complete block for the given duration or until ctx is done.
	Delay time.Duration

	Unavailable bool
	ProbeErr    error

	CompleteCalls []CompleteCall
	ProbeCalls    int
}

// Complete records the call and returns the configured response.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Req: req})
	fn, resp, err, delay := p.CompleteFunc, p.CompleteResponse, p.CompleteErr, p.Delay
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fn != nil {
		return fn(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return &llm.CompletionResponse{}, nil
	}
	out := *resp
	return &out, nil
}

// Available reports !Unavailable.
func (p *Provider) Available() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.Unavailable
}

// Probe records the call. A non-nil ProbeErr marks the provider unavailable.
func (p *Provider) Probe(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ProbeCalls++
	if p.ProbeErr != nil {
		p.Unavailable = true
	}
	return p.ProbeErr
}

// SetAvailable toggles availability at runtime.
func (p *Provider) SetAvailable(ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Unavailable = !ok
}

// Calls returns a copy of the recorded Complete calls.
func (p *Provider) Calls() []CompleteCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]CompleteCall(nil), p.CompleteCalls...)
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = nil
	p.ProbeCalls = 0
}
