// Package anyllm adapts github.com/mozilla-ai/any-llm-go to [llm.Provider].
// One adapter covers every hosted backend the router can use remotely and
// the self-hosted servers (Ollama, llama.cpp, llamafile) used to rephrase
// local answers.
package anyllm

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/athina/pkg/provider/llm"
)

var (
	_ llm.Provider = (*Provider)(nil)
	_ llm.Prober   = (*Provider)(nil)
)

type backend struct {
	open  func(...anyllmlib.Option) (anyllmlib.Provider, error)
	local bool
}

// adapt erases the concrete type each any-llm-go constructor returns.
func adapt[P anyllmlib.Provider](fn func(...anyllmlib.Option) (P, error)) func(...anyllmlib.Option) (anyllmlib.Provider, error) {
	return func(opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
		return fn(opts...)
	}
}

var backends = map[string]backend{
	"openai":    {open: adapt(anyllmoai.New)},
	"anthropic": {open: adapt(anthropic.New)},
	"gemini":    {open: adapt(gemini.New)},
	"deepseek":  {open: adapt(deepseek.New)},
	"mistral":   {open: adapt(mistral.New)},
	"groq":      {open: adapt(groq.New)},
	"ollama":    {open: adapt(ollama.New), local: true},
	"llamacpp":  {open: adapt(llamacpp.New), local: true},
	"llamafile": {open: adapt(llamafile.New), local: true},
}

// Backends returns the accepted backend names in sorted order.
func Backends() []string {
	return slices.Sorted(maps.Keys(backends))
}

// IsLocal reports whether name is a self-hosted inference server that needs
// no API key.
func IsLocal(name string) bool {
	return backends[strings.ToLower(name)].local
}

// Provider implements [llm.Provider] on top of an any-llm-go backend.
type Provider struct {
	llm.Availability

	backend anyllmlib.Provider
	name    string
	model   string
}

// New opens the named backend. opts are any-llm-go options such as
// anyllmlib.WithAPIKey and anyllmlib.WithBaseURL. Hosted backends without
// an API key option read their usual environment variable.
func New(name, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if model == "" {
		return nil, errors.New("anyllm: model must not be empty")
	}
	name = strings.ToLower(name)
	b, ok := backends[name]
	if !ok {
		return nil, fmt.Errorf("anyllm: unsupported backend %q; supported: %s",
			name, strings.Join(Backends(), ", "))
	}
	be, err := b.open(opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: open %s: %w", name, err)
	}
	return &Provider{backend: be, name: name, model: model}, nil
}

// Name returns the lower-cased backend name.
func (p *Provider) Name() string { return p.name }

// Complete implements [llm.Provider].
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("anyllm: %s: no messages", p.name)
	}

	resp, err := p.backend.Completion(ctx, p.params(req))
	if err != nil {
		return nil, fmt.Errorf("anyllm: %s completion: %w", p.name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("anyllm: %s returned no choices", p.name)
	}

	out := &llm.CompletionResponse{Content: resp.Choices[0].Message.ContentString()}
	if u := resp.Usage; u != nil {
		out.Usage = llm.Usage{
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			TotalTokens:      u.TotalTokens,
		}
	}
	return out, nil
}

// Probe sends a one-token completion and records the outcome in Available.
func (p *Provider) Probe(ctx context.Context) error {
	_, err := p.Complete(ctx, llm.ProbeRequest())
	p.SetAvailable(err == nil)
	if err != nil {
		return fmt.Errorf("anyllm: probe: %w", err)
	}
	return nil
}

func (p *Provider) params(req llm.CompletionRequest) anyllmlib.CompletionParams {
	msgs := make([]anyllmlib.Message, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, anyllmlib.Message{Role: anyllmlib.RoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, anyllmlib.Message{Role: m.Role, Content: m.Content, Name: m.Name})
	}

	params := anyllmlib.CompletionParams{Model: p.model, Messages: msgs}
	if req.Temperature != 0 {
		params.Temperature = &req.Temperature
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = &req.MaxTokens
	}
	return params
}
