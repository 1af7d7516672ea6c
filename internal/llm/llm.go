// Package llm defines the inference provider capability used by the analysis
// pipeline, together with its typed errors, retry discipline and usage metering.
package llm

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// ProviderName identifies one of the supported inference providers.
type ProviderName string

const (
	ProviderOpenAI    ProviderName = "openai"
	ProviderAnthropic ProviderName = "anthropic"
	ProviderGemini    ProviderName = "gemini"
)

// ParseProviderName normalizes a user supplied provider choice.
func ParseProviderName(raw string) (ProviderName, error) {
	switch ProviderName(strings.ToLower(strings.TrimSpace(raw))) {
	case ProviderOpenAI:
		return ProviderOpenAI, nil
	case ProviderAnthropic:
		return ProviderAnthropic, nil
	case ProviderGemini:
		return ProviderGemini, nil
	default:
		return "", fmt.Errorf("unknown provider %q", raw)
	}
}

// Usage reports token consumption for one call.
type Usage struct {
	PromptTokens     int64 `json:"promptTokens"`
	CompletionTokens int64 `json:"completionTokens"`
	ReasoningTokens  int64 `json:"reasoningTokens"`
}

// Add returns the element-wise sum of two usages.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + other.PromptTokens,
		CompletionTokens: u.CompletionTokens + other.CompletionTokens,
		ReasoningTokens:  u.ReasoningTokens + other.ReasoningTokens,
	}
}

// Total returns all tokens counted in the usage.
func (u Usage) Total() int64 {
	return u.PromptTokens + u.CompletionTokens + u.ReasoningTokens
}

// Result is the output of one generation call.
type Result struct {
	Text  string
	Usage Usage
}

// Provider sends one prompt to a model and returns the generated text.
type Provider interface {
	Name() string
	Model() string
	Generate(ctx context.Context, prompt string, extendedReasoning bool) (Result, error)
	HealthCheck(ctx context.Context) error
}

// Registry resolves provider names to configured providers.
type Registry struct {
	providers map[ProviderName]Provider
	fallback  ProviderName
}

// NewRegistry builds a registry with the given default provider.
func NewRegistry(fallback ProviderName) *Registry {
	return &Registry{providers: make(map[ProviderName]Provider), fallback: fallback}
}

// Register adds or replaces a provider.
func (r *Registry) Register(name ProviderName, p Provider) {
	if p == nil {
		return
	}
	r.providers[name] = p
}

// Resolve returns the provider for raw, or the default when raw is empty.
func (r *Registry) Resolve(raw string) (Provider, error) {
	name := r.fallback
	if strings.TrimSpace(raw) != "" {
		parsed, err := ParseProviderName(raw)
		if err != nil {
			return nil, err
		}
		name = parsed
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %q is not configured", name)
	}
	return p, nil
}

// Default returns the configured default provider name.
func (r *Registry) Default() ProviderName {
	return r.fallback
}

// Names lists registered providers in stable order.
func (r *Registry) Names() []ProviderName {
	names := make([]ProviderName, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}
