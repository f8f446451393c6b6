// Package llm defines the Provider interface for language model backends.
//
// The router uses a Provider for the remote path and, optionally, a second
// local Provider to rephrase pattern responses. Implementations wrap an SDK
// (openai-go, any-llm-go) and expose a single blocking completion call.
//
// Implementors must be safe for concurrent use.
package llm

import (
	"context"
	"sync/atomic"
)

// Role values used in Message.Role.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Usage holds token accounting information returned by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int

	// TotalTokens is PromptTokens + CompletionTokens. Zero when the backend
	// did not report usage.
	TotalTokens int
}

// CompletionRequest carries everything the model needs to produce a response.
// Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation; the last entry is usually the
	// user's query.
	Messages []Message

	// SystemPrompt is sent ahead of Messages as a system-role message.
	SystemPrompt string

	// Temperature in [0.0, 2.0]. Zero uses the provider default.
	Temperature float64

	// MaxTokens caps the completion length. Zero uses the provider default.
	MaxTokens int
}

// CompletionResponse is the result of Complete.
type CompletionResponse struct {
	Content string
	Usage   Usage
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Available reports whether the provider is configured and its last
	// probe succeeded. A router must not call Complete on an unavailable
	// provider.
	Available() bool
}

// Prober is implemented by providers that can verify connectivity at startup.
type Prober interface {
	Probe(ctx context.Context) error
}

// Availability is embedded by providers to implement Available. The zero
// value is available.
type Availability struct {
	down atomic.Bool
}

// Available implements Provider.
func (a *Availability) Available() bool { return !a.down.Load() }

// SetAvailable records the outcome of a probe.
func (a *Availability) SetAvailable(ok bool) { a.down.Store(!ok) }

// ProbeRequest is the minimal request providers send to check connectivity.
func ProbeRequest() CompletionRequest {
	return CompletionRequest{
		Messages:  []Message{{Role: RoleUser, Content: "test"}},
		MaxTokens: 1,
	}
}
