package llm

import (
	"context"
	"sync"
	"time"
)

// InferenceCallMetadata summarizes every call made for one run.
type InferenceCallMetadata struct {
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	PromptTokens     int64     `json:"promptTokens"`
	CompletionTokens int64     `json:"completionTokens"`
	ReasoningTokens  int64     `json:"reasoningTokens"`
	CallCount        int       `json:"callCount"`
	FirstCallAt      time.Time `json:"firstCallAt,omitempty"`
	LastCallAt       time.Time `json:"lastCallAt,omitempty"`
}

// Meter accumulates usage across concurrent calls.
type Meter struct {
	mu   sync.Mutex
	meta InferenceCallMetadata
	now  func() time.Time
}

// NewMeter starts a meter, optionally seeded with previously recorded usage.
func NewMeter(seed *InferenceCallMetadata) *Meter {
	m := &Meter{now: func() time.Time { return time.Now().UTC() }}
	if seed != nil {
		m.meta = *seed
	}
	return m
}

// Record adds one successful call.
func (m *Meter) Record(provider, model string, usage Usage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.meta.Provider = provider
	m.meta.Model = model
	m.meta.PromptTokens += usage.PromptTokens
	m.meta.CompletionTokens += usage.CompletionTokens
	m.meta.ReasoningTokens += usage.ReasoningTokens
	m.meta.CallCount++
	if m.meta.FirstCallAt.IsZero() {
		m.meta.FirstCallAt = now
	}
	m.meta.LastCallAt = now
}

// Snapshot returns a copy of the accumulated metadata.
func (m *Meter) Snapshot() InferenceCallMetadata {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.meta
}

type metered struct {
	Provider
	meter *Meter
}

// Metered wraps p so successful calls are recorded on meter.
func Metered(p Provider, meter *Meter) Provider {
	if meter == nil {
		return p
	}
	return &metered{Provider: p, meter: meter}
}

func (m *metered) Generate(ctx context.Context, prompt string, extendedReasoning bool) (Result, error) {
	res, err := m.Provider.Generate(ctx, prompt, extendedReasoning)
	if err == nil {
		m.meter.Record(m.Provider.Name(), m.Provider.Model(), res.Usage)
	}
	return res, err
}
