package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/athina/pkg/provider/llm"
)

// LLMFallback implements [llm.Provider] with failover across several LLM
// backends. Each backend has its own circuit breaker, and backends whose
// Available reports false are skipped.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var (
	_ llm.Provider = (*LLMFallback)(nil)
	_ llm.Prober   = (*LLMFallback)(nil)
)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional LLM backend.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Complete sends req to the first healthy backend.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// Available reports whether any backend is available with a non-open breaker.
func (f *LLMFallback) Available() bool { return f.group.Available() }

// Probe probes every backend that implements [llm.Prober]. It succeeds when
// at least one backend is reachable afterwards; otherwise the joined probe
// errors are returned.
func (f *LLMFallback) Probe(ctx context.Context) error {
	var errs []error
	f.group.Each(func(_ string, p llm.Provider) {
		if pr, ok := p.(llm.Prober); ok {
			if err := pr.Probe(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	})
	if f.group.Available() {
		return nil
	}
	if len(errs) == 0 {
		return ErrAllFailed
	}
	return errors.Join(errs...)
}

// Status returns the breaker state of every backend.
func (f *LLMFallback) Status() []BreakerStatus { return f.group.Status() }
