// Package llmtest provides a deterministic llm.Provider for tests.
package llmtest

import (
	"context"
	"sync"

	"caseanalysis-backend/internal/llm"
)

// ScriptedProvider is a deterministic llm.Provider.
// Respond computes the reply for each prompt. When Respond is nil the prompt
// is echoed back.
type ScriptedProvider struct {
	ProviderName string
	ModelName    string
	Respond      func(prompt string, extendedReasoning bool, call int) (llm.Result, error)

	mu      sync.Mutex
	prompts []string
}

func (s *ScriptedProvider) Name() string {
	if s.ProviderName == "" {
		return "scripted"
	}
	return s.ProviderName
}

func (s *ScriptedProvider) Model() string {
	if s.ModelName == "" {
		return "scripted-1"
	}
	return s.ModelName
}

func (s *ScriptedProvider) Generate(ctx context.Context, prompt string, extendedReasoning bool) (llm.Result, error) {
	if err := ctx.Err(); err != nil {
		return llm.Result{}, err
	}
	s.mu.Lock()
	s.prompts = append(s.prompts, prompt)
	call := len(s.prompts)
	s.mu.Unlock()
	if s.Respond == nil {
		return llm.Result{Text: prompt, Usage: llm.Usage{PromptTokens: int64(len(prompt)), CompletionTokens: 1}}, nil
	}
	return s.Respond(prompt, extendedReasoning, call)
}

func (s *ScriptedProvider) HealthCheck(context.Context) error { return nil }

// Prompts returns every prompt received so far, in call order.
func (s *ScriptedProvider) Prompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.prompts))
	copy(out, s.prompts)
	return out
}

var _ llm.Provider = (*ScriptedProvider)(nil)
