package anyllm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/athina/pkg/provider/llm"
)

func TestParams(t *testing.T) {
	t.Parallel()

	p := &Provider{model: "llama3.2"}
	params := p.params(llm.CompletionRequest{
		SystemPrompt: "Rephrase politely.",
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "what time is it"},
			{Role: llm.RoleAssistant, Content: "It is noon.", Name: "athina"},
		},
		Temperature: 0.7,
		MaxTokens:   1000,
	})
	if params.Model != "llama3.2" {
		t.Errorf("Model = %q", params.Model)
	}
	if len(params.Messages) != 3 || params.Messages[0].Role != anyllmlib.RoleSystem {
		t.Fatalf("Messages = %+v", params.Messages)
	}
	if m := params.Messages[2]; m.Role != llm.RoleAssistant || m.ContentString() != "It is noon." || m.Name != "athina" {
		t.Errorf("assistant message = %+v", m)
	}
	if params.Temperature == nil || *params.Temperature != 0.7 {
		t.Errorf("Temperature = %v", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 1000 {
		t.Errorf("MaxTokens = %v", params.MaxTokens)
	}

	bare := p.params(llm.CompletionRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}}})
	if bare.Temperature != nil || bare.MaxTokens != nil {
		t.Error("zero Temperature/MaxTokens should be left unset")
	}
	if len(bare.Messages) != 1 {
		t.Errorf("bare messages = %d, want 1 without a system prompt", len(bare.Messages))
	}
}

func TestBackends(t *testing.T) {
	t.Parallel()

	names := Backends()
	if !slices.IsSorted(names) || len(names) != 9 {
		t.Fatalf("Backends() = %v", names)
	}
	for _, name := range []string{"ollama", "LlamaCpp", "llamafile"} {
		if !IsLocal(name) {
			t.Errorf("IsLocal(%q) = false", name)
		}
	}
	for _, name := range []string{"openai", "anthropic", "groq", "nope"} {
		if IsLocal(name) {
			t.Errorf("IsLocal(%q) = true", name)
		}
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		backend  string
		model    string
		opts     []anyllmlib.Option
		wantName string
		wantErr  bool
	}{
		{name: "empty model", backend: "ollama", wantErr: true},
		{name: "unsupported", backend: "fakecloud", model: "x", wantErr: true},
		{name: "hosted without key", backend: "openai", model: "gpt-4o", wantErr: true},
		{name: "mixed case", backend: "OpenAI", model: "gpt-4o", opts: []anyllmlib.Option{anyllmlib.WithAPIKey("sk-test")}, wantName: "openai"},
		{name: "anthropic", backend: "anthropic", model: "claude-3-5-haiku-latest", opts: []anyllmlib.Option{anyllmlib.WithAPIKey("sk-ant-test")}, wantName: "anthropic"},
		{name: "ollama", backend: "ollama", model: "llama3.2", wantName: "ollama"},
		{name: "llamacpp", backend: "llamacpp", model: "llama3.2", wantName: "llamacpp"},
	}
	t.Setenv("OPENAI_API_KEY", "")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(tt.backend, tt.model, tt.opts...)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if p.Name() != tt.wantName {
				t.Errorf("Name() = %q, want %q", p.Name(), tt.wantName)
			}
			if !p.Available() {
				t.Error("new provider should be available")
			}
		})
	}
}

// fakeServer is an OpenAI-compatible chat endpoint like llama.cpp serves.
type fakeServer struct {
	mu     sync.Mutex
	fail   bool
	models []string
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
		http.NotFound(w, r)
		return
	}
	var body struct {
		Model string `json:"model"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	f.mu.Lock()
	f.models = append(f.models, body.Model)
	fail := f.fail
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if fail {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"model not loaded","type":"invalid_request_error"}}`))
		return
	}
	_, _ = w.Write([]byte(`{
		"id":"cmpl-1","object":"chat.completion","created":1,"model":"llama3.2",
		"choices":[{"index":0,"message":{"role":"assistant","content":"Of course, it is noon."},"finish_reason":"stop"}],
		"usage":{"prompt_tokens":9,"completion_tokens":6,"total_tokens":15}
	}`))
}

func (f *fakeServer) requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.models)
}

func newLocal(t *testing.T, fake *fakeServer) *Provider {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	p, err := New("llamacpp", "llama3.2", anyllmlib.WithBaseURL(srv.URL+"/v1"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestComplete(t *testing.T) {
	fake := &fakeServer{}
	p := newLocal(t, fake)

	resp, err := p.Complete(context.Background(), llm.CompletionRequest{
		SystemPrompt: "Rephrase politely.",
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "It is noon."}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "Of course, it is noon." {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.Usage.TotalTokens != 15 || resp.Usage.CompletionTokens != 6 {
		t.Errorf("Usage = %+v", resp.Usage)
	}
	if got := fake.requests(); !slices.Equal(got, []string{"llama3.2"}) {
		t.Errorf("requested models = %v", got)
	}

	if _, err := p.Complete(context.Background(), llm.CompletionRequest{}); err == nil {
		t.Error("Complete without messages returned nil error")
	}
	if n := len(fake.requests()); n != 1 {
		t.Errorf("empty request reached the server (%d calls)", n)
	}
}

func TestProbe_TracksAvailability(t *testing.T) {
	fake := &fakeServer{fail: true}
	p := newLocal(t, fake)

	if err := p.Probe(context.Background()); err == nil {
		t.Fatal("expected probe error")
	}
	if p.Available() {
		t.Error("provider should be unavailable after a failed probe")
	}

	fake.mu.Lock()
	fake.fail = false
	fake.mu.Unlock()
	if err := p.Probe(context.Background()); err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if !p.Available() {
		t.Error("provider should be available again after a successful probe")
	}
}
