package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"caseanalysis-backend/internal/llm"
)

const (
	defaultBaseURL          = "https://api.openai.com/v1"
	defaultMaxTokens        = 8192
	reasoningMaxTokens      = 32768
	defaultTimeout          = 120 * time.Second
	defaultReasoningTimeout = 600 * time.Second
)

// Config configures the Chat Completions client.
type Config struct {
	APIKey           string
	Model            string
	BaseURL          string
	Timeout          time.Duration
	ReasoningTimeout time.Duration
}

// Client implements llm.Provider using OpenAI Chat Completions.
type Client struct {
	apiKey           string
	model            string
	baseURL          string
	timeout          time.Duration
	reasoningTimeout time.Duration
	httpClient       *http.Client
}

// NewClient constructs a new OpenAI client.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("OPENAI_MODEL is required for OpenAI")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	reasoningTimeout := cfg.ReasoningTimeout
	if reasoningTimeout <= 0 {
		reasoningTimeout = defaultReasoningTimeout
	}
	return &Client{
		apiKey:           cfg.APIKey,
		model:            cfg.Model,
		baseURL:          baseURL,
		timeout:          timeout,
		reasoningTimeout: reasoningTimeout,
		// Per-call deadlines come from the request context.
		httpClient: &http.Client{},
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model               string        `json:"model"`
	Messages            []chatMessage `json:"messages"`
	Temperature         *float32      `json:"temperature,omitempty"`
	MaxCompletionTokens int           `json:"max_completion_tokens,omitempty"`
	ReasoningEffort     string        `json:"reasoning_effort,omitempty"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens            int64 `json:"prompt_tokens"`
		CompletionTokens        int64 `json:"completion_tokens"`
		TotalTokens             int64 `json:"total_tokens"`
		CompletionTokensDetails *struct {
			ReasoningTokens int64 `json:"reasoning_tokens"`
		} `json:"completion_tokens_details,omitempty"`
	} `json:"usage,omitempty"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

func (c *Client) Name() string  { return string(llm.ProviderOpenAI) }
func (c *Client) Model() string { return c.model }

// Generate sends the prompt as a single user message.
func (c *Client) Generate(ctx context.Context, prompt string, extendedReasoning bool) (llm.Result, error) {
	reqBody := chatRequest{
		Model:               c.model,
		Messages:            []chatMessage{{Role: "user", Content: prompt}},
		MaxCompletionTokens: defaultMaxTokens,
	}
	timeout := c.timeout
	if extendedReasoning {
		reqBody.ReasoningEffort = "high"
		reqBody.MaxCompletionTokens = reasoningMaxTokens
		timeout = c.reasoningTimeout
	} else if !isReasoningModel(c.model) {
		temp := float32(0.2)
		reqBody.Temperature = &temp
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	parsed, err := c.do(ctx, http.MethodPost, "/chat/completions", reqBody)
	if err != nil {
		return llm.Result{}, err
	}
	if len(parsed.Choices) == 0 {
		return llm.Result{}, llm.NewError(c.Name(), llm.KindEmptyResponse, 0, "response missing choices", nil)
	}
	content := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if content == "" {
		return llm.Result{}, llm.NewError(c.Name(), llm.KindEmptyResponse, 0, "response empty content", nil)
	}
	return llm.Result{Text: content, Usage: toUsage(parsed)}, nil
}

// HealthCheck lists the configured model.
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	_, err := c.do(ctx, http.MethodGet, "/models/"+c.model, nil)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*chatResponse, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), "Client.Timeout") {
			return nil, llm.NewError(c.Name(), llm.KindTransient, 0, "request timeout", err)
		}
		return nil, llm.NewError(c.Name(), llm.KindTransient, 0, "request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, llm.NewError(c.Name(), llm.KindTransient, resp.StatusCode, "read response", err)
	}

	var parsed chatResponse
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &parsed); err != nil && resp.StatusCode < 300 {
			return nil, llm.NewError(c.Name(), llm.KindUnknown, resp.StatusCode, "response parse", err)
		}
	}
	if resp.StatusCode >= 300 || parsed.Error != nil {
		msg := http.StatusText(resp.StatusCode)
		if parsed.Error != nil {
			msg = parsed.Error.Message
			if parsed.Error.Code == "context_length_exceeded" {
				return nil, llm.NewError(c.Name(), llm.KindPayloadTooLarge, resp.StatusCode, msg, nil)
			}
		}
		return nil, llm.NewError(c.Name(), "", resp.StatusCode, msg, nil)
	}
	return &parsed, nil
}

func toUsage(parsed *chatResponse) llm.Usage {
	if parsed.Usage == nil {
		return llm.Usage{}
	}
	usage := llm.Usage{
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
	}
	if parsed.Usage.CompletionTokensDetails != nil {
		usage.ReasoningTokens = parsed.Usage.CompletionTokensDetails.ReasoningTokens
	}
	return usage
}

// isReasoningModel reports models that reject a custom temperature.
func isReasoningModel(model string) bool {
	m := strings.ToLower(strings.TrimSpace(model))
	return strings.HasPrefix(m, "gpt-5") || strings.HasPrefix(m, "o1") || strings.HasPrefix(m, "o3") || strings.HasPrefix(m, "o4")
}

var _ llm.Provider = (*Client)(nil)
