package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/MrWong99/athina/pkg/provider/llm"
)

func TestConvertMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		role    string
		check   func(t *testing.T, m llm.Message)
		wantErr bool
	}{
		{role: llm.RoleSystem},
		{role: llm.RoleUser},
		{role: llm.RoleAssistant},
		{role: "tool", wantErr: true},
		{role: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.role, func(t *testing.T) {
			t.Parallel()
			param, err := convertMessage(llm.Message{Role: tt.role, Content: "x", Name: "athina"})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			switch tt.role {
			case llm.RoleSystem:
				if param.OfSystem == nil {
					t.Error("expected OfSystem to be set")
				}
			case llm.RoleUser:
				if param.OfUser == nil {
					t.Error("expected OfUser to be set")
				}
			case llm.RoleAssistant:
				if param.OfAssistant == nil {
					t.Fatal("expected OfAssistant to be set")
				}
				if param.OfAssistant.Name.Value != "athina" {
					t.Errorf("Name = %q", param.OfAssistant.Name.Value)
				}
			}
		})
	}
}

func TestBuildParams(t *testing.T) {
	t.Parallel()

	p, err := New("sk-test", "gpt-4o-mini")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	params, err := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "You are Athina.",
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "hello"},
			{Role: llm.RoleAssistant, Content: "hi"},
			{Role: llm.RoleUser, Content: "explain relativity"},
		},
		Temperature: 0.7,
		MaxTokens:   1000,
	})
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	if len(params.Messages) != 4 {
		t.Fatalf("messages = %d, want 4 (system + 3)", len(params.Messages))
	}
	if params.Messages[0].OfSystem == nil {
		t.Error("first message should be the system prompt")
	}
	if params.Temperature.Value != 0.7 {
		t.Errorf("Temperature = %v", params.Temperature.Value)
	}
	if params.MaxTokens.Value != 1000 {
		t.Errorf("MaxTokens = %v", params.MaxTokens.Value)
	}

	if _, err := p.buildParams(llm.CompletionRequest{}); err == nil {
		t.Error("expected error for empty messages")
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("expected error for empty apiKey")
	}
	if _, err := New("sk", ""); err == nil {
		t.Error("expected error for empty model")
	}
}

// fakeOpenAI serves /chat/completions and records request bodies.
type fakeOpenAI struct {
	mu     sync.Mutex
	bodies []map[string]any
	status int
}

func (f *fakeOpenAI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
		http.NotFound(w, r)
		return
	}
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	f.mu.Lock()
	f.bodies = append(f.bodies, body)
	status := f.status
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if status != 0 {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
		return
	}
	_, _ = w.Write([]byte(`{
		"id":"chatcmpl-1","object":"chat.completion","created":1,"model":"gpt-4o-mini",
		"choices":[{"index":0,"message":{"role":"assistant","content":"Relativity is..."},"finish_reason":"stop"}],
		"usage":{"prompt_tokens":40,"completion_tokens":12,"total_tokens":52}
	}`))
}

func TestComplete(t *testing.T) {
	t.Parallel()

	fake := &fakeOpenAI{}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	p, err := New("sk-test", "gpt-4o-mini", WithBaseURL(srv.URL+"/"), WithMaxRetries(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	resp, err := p.Complete(context.Background(), llm.CompletionRequest{
		SystemPrompt: "You are Athina.",
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "explain relativity"}},
		MaxTokens:    1000,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "Relativity is..." {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.Usage.TotalTokens != 52 || resp.Usage.PromptTokens != 40 {
		t.Errorf("Usage = %+v", resp.Usage)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.bodies) != 1 {
		t.Fatalf("server got %d requests", len(fake.bodies))
	}
	if fake.bodies[0]["model"] != "gpt-4o-mini" {
		t.Errorf("model = %v", fake.bodies[0]["model"])
	}
	if msgs, _ := fake.bodies[0]["messages"].([]any); len(msgs) != 2 {
		t.Errorf("messages = %v", fake.bodies[0]["messages"])
	}
}

func TestProbe(t *testing.T) {
	t.Parallel()

	fake := &fakeOpenAI{}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	p, _ := New("sk-test", "gpt-4o-mini", WithBaseURL(srv.URL+"/"), WithMaxRetries(0))
	if !p.Available() {
		t.Fatal("new provider should be available")
	}
	if err := p.Probe(context.Background()); err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if !p.Available() {
		t.Error("provider should stay available after a successful probe")
	}

	fake.mu.Lock()
	fake.status = http.StatusInternalServerError
	fake.mu.Unlock()
	if err := p.Probe(context.Background()); err == nil {
		t.Fatal("expected probe error")
	}
	if p.Available() {
		t.Error("provider should be unavailable after a failed probe")
	}
}

func TestComplete_TagsRejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, llm.ErrRateLimited},
		{http.StatusUnauthorized, llm.ErrUnauthorized},
		{http.StatusForbidden, llm.ErrUnauthorized},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(&fakeOpenAI{status: tt.status})
			defer srv.Close()

			p, _ := New("sk-test", "gpt-4o-mini", WithBaseURL(srv.URL+"/"), WithMaxRetries(0))
			_, err := p.Complete(context.Background(), llm.CompletionRequest{
				Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
			})
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}

	srv := httptest.NewServer(&fakeOpenAI{status: http.StatusInternalServerError})
	defer srv.Close()
	p, _ := New("sk-test", "gpt-4o-mini", WithBaseURL(srv.URL+"/"), WithMaxRetries(0))
	_, err := p.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	if err == nil || errors.Is(err, llm.ErrRateLimited) || errors.Is(err, llm.ErrUnauthorized) {
		t.Errorf("500 err = %v, want an untagged error", err)
	}
}
