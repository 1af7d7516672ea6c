package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"caseanalysis-backend/internal/llm"
)

const (
	defaultMaxTokens        = 8192
	reasoningMaxTokens      = 32768
	thinkingBudgetTokens    = 24576
	defaultTimeout          = 120 * time.Second
	defaultReasoningTimeout = 600 * time.Second
)

// Config configures the Gemini API client.
type Config struct {
	APIKey           string
	Model            string
	BaseURL          string
	Timeout          time.Duration
	ReasoningTimeout time.Duration
}

// Client implements llm.Provider with google.golang.org/genai.
type Client struct {
	client           *genai.Client
	model            string
	timeout          time.Duration
	reasoningTimeout time.Duration
}

// NewClient constructs a Gemini API client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("GEMINI_MODEL is required for Gemini")
	}
	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: base}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	reasoningTimeout := cfg.ReasoningTimeout
	if reasoningTimeout <= 0 {
		reasoningTimeout = defaultReasoningTimeout
	}
	return &Client{client: client, model: cfg.Model, timeout: timeout, reasoningTimeout: reasoningTimeout}, nil
}

func (c *Client) Name() string  { return string(llm.ProviderGemini) }
func (c *Client) Model() string { return c.model }

// Generate sends the prompt as a single user content.
func (c *Client) Generate(ctx context.Context, prompt string, extendedReasoning bool) (llm.Result, error) {
	config := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr[float32](0.2),
		MaxOutputTokens: defaultMaxTokens,
	}
	timeout := c.timeout
	if extendedReasoning {
		config.MaxOutputTokens = reasoningMaxTokens
		config.ThinkingConfig = &genai.ThinkingConfig{
			ThinkingBudget: genai.Ptr[int32](thinkingBudgetTokens),
		}
		timeout = c.reasoningTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(prompt), config)
	if err != nil {
		return llm.Result{}, c.classify(err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return llm.Result{}, llm.NewError(c.Name(), llm.KindEmptyResponse, 0, "response has no candidates", nil)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return llm.Result{}, llm.NewError(c.Name(), llm.KindEmptyResponse, 0, "empty text in response", nil)
	}

	var usage llm.Usage
	if meta := resp.UsageMetadata; meta != nil {
		usage = llm.Usage{
			PromptTokens:     int64(meta.PromptTokenCount),
			CompletionTokens: int64(meta.CandidatesTokenCount),
			ReasoningTokens:  int64(meta.ThoughtsTokenCount),
		}
	}
	return llm.Result{Text: text, Usage: usage}, nil
}

// HealthCheck fetches the configured model's metadata.
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if _, err := c.client.Models.Get(ctx, c.model, nil); err != nil {
		return c.classify(err)
	}
	return nil
}

func (c *Client) classify(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return llm.NewError(c.Name(), kindForStatus(apiErr.Code, apiErr.Status, apiErr.Message), apiErr.Code, apiErr.Message, err)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return llm.NewError(c.Name(), kindForStatus(apiErrPtr.Code, apiErrPtr.Status, apiErrPtr.Message), apiErrPtr.Code, apiErrPtr.Message, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return llm.NewError(c.Name(), llm.KindTransient, 0, "request timeout", err)
	}
	if isRateLimitText(err.Error()) {
		return llm.NewError(c.Name(), llm.KindRateLimited, 429, "resource exhausted", err)
	}
	return llm.NewError(c.Name(), llm.KindTransient, 0, "request failed", err)
}

func kindForStatus(code int, status, message string) llm.Kind {
	switch strings.ToUpper(status) {
	case "RESOURCE_EXHAUSTED":
		return llm.KindRateLimited
	case "UNAUTHENTICATED", "PERMISSION_DENIED":
		return llm.KindAuth
	case "UNAVAILABLE", "DEADLINE_EXCEEDED", "INTERNAL":
		return llm.KindTransient
	}
	if code == 400 && strings.Contains(strings.ToLower(message), "api key") {
		return llm.KindAuth
	}
	return llm.ClassifyStatus(code, message)
}

func isRateLimitText(msg string) bool {
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "RESOURCE_EXHAUSTED") ||
		strings.Contains(strings.ToLower(msg), "quota")
}

var _ llm.Provider = (*Client)(nil)
