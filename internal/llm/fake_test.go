package llm

import (
	"context"
	"sync"
)

type fakeProvider struct {
	ProviderName string
	ModelName    string
	Respond      func(prompt string, extendedReasoning bool, call int) (Result, error)

	mu      sync.Mutex
	prompts []string
}

func (s *fakeProvider) Name() string {
	if s.ProviderName == "" {
		return "scripted"
	}
	return s.ProviderName
}

func (s *fakeProvider) Model() string {
	if s.ModelName == "" {
		return "scripted-1"
	}
	return s.ModelName
}

func (s *fakeProvider) Generate(ctx context.Context, prompt string, extendedReasoning bool) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	s.mu.Lock()
	s.prompts = append(s.prompts, prompt)
	call := len(s.prompts)
	s.mu.Unlock()
	if s.Respond == nil {
		return Result{Text: prompt, Usage: Usage{PromptTokens: int64(len(prompt)), CompletionTokens: 1}}, nil
	}
	return s.Respond(prompt, extendedReasoning, call)
}

func (s *fakeProvider) HealthCheck(context.Context) error { return nil }

func (s *fakeProvider) Prompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.prompts))
	copy(out, s.prompts)
	return out
}
