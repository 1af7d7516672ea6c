package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"caseanalysis-backend/internal/llm"
)

func TestIsReasoningModel(t *testing.T) {
	tests := []struct {
		name  string
		model string
		want  bool
	}{
		{name: "gpt5", model: "gpt-5", want: true},
		{name: "gpt5 variant", model: "gpt-5-mini", want: true},
		{name: "uppercase", model: " GPT-5o ", want: true},
		{name: "o3", model: "o3-mini", want: true},
		{name: "gpt4", model: "gpt-4o", want: false},
		{name: "empty", model: "", want: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := isReasoningModel(tt.model); got != tt.want {
				t.Fatalf("isReasoningModel(%q) = %v, want %v", tt.model, got, tt.want)
			}
		})
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewClient(Config{APIKey: "test-key", Model: "gpt-4o", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func TestGenerateSendsPromptAndParsesUsage(t *testing.T) {
	var payload map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", got)
		}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":" analysis "}}],
			"usage":{"prompt_tokens":12,"completion_tokens":4,"completion_tokens_details":{"reasoning_tokens":2}}}`))
	})

	res, err := client.Generate(context.Background(), "summarize", true)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Text != "analysis" {
		t.Fatalf("unexpected text %q", res.Text)
	}
	if res.Usage.PromptTokens != 12 || res.Usage.CompletionTokens != 4 || res.Usage.ReasoningTokens != 2 {
		t.Fatalf("unexpected usage %+v", res.Usage)
	}
	if payload["reasoning_effort"] != "high" {
		t.Fatalf("expected reasoning_effort=high, got %v", payload["reasoning_effort"])
	}
	if _, hasTemp := payload["temperature"]; hasTemp {
		t.Fatalf("temperature must be omitted in reasoning mode")
	}
	if payload["max_completion_tokens"] != float64(reasoningMaxTokens) {
		t.Fatalf("unexpected max tokens %v", payload["max_completion_tokens"])
	}
}

func TestGenerateClassifiesErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   llm.Kind
	}{
		{name: "unauthorized", status: 401, body: `{"error":{"message":"bad key","type":"invalid_request_error"}}`, want: llm.KindAuth},
		{name: "rate limited", status: 429, body: `{"error":{"message":"slow down"}}`, want: llm.KindRateLimited},
		{name: "context length", status: 400, body: `{"error":{"message":"too long","code":"context_length_exceeded"}}`, want: llm.KindPayloadTooLarge},
		{name: "server error", status: 500, body: ``, want: llm.KindTransient},
		{name: "empty content", status: 200, body: `{"choices":[{"message":{"content":"  "}}]}`, want: llm.KindEmptyResponse},
		{name: "no choices", status: 200, body: `{"choices":[]}`, want: llm.KindEmptyResponse},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := client.Generate(context.Background(), "p", false)
			if got := llm.KindOf(err); got != tt.want {
				t.Fatalf("kind = %s, want %s (err=%v)", got, tt.want, err)
			}
		})
	}
}

func TestNewClientRequiresKeyAndModel(t *testing.T) {
	if _, err := NewClient(Config{Model: "gpt-4o"}); err == nil {
		t.Fatalf("expected error without key")
	}
	if _, err := NewClient(Config{APIKey: "k"}); err == nil {
		t.Fatalf("expected error without model")
	}
}
