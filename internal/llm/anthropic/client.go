package anthropic

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"caseanalysis-backend/internal/llm"
)

const (
	defaultMaxTokens        = 8192
	reasoningMaxTokens      = 32000
	thinkingBudgetTokens    = 16000
	defaultTimeout          = 120 * time.Second
	defaultReasoningTimeout = 600 * time.Second
)

// Config configures the Messages API client.
type Config struct {
	APIKey           string
	Model            string
	BaseURL          string
	Timeout          time.Duration
	ReasoningTimeout time.Duration
}

// Client implements llm.Provider on the Anthropic Messages API.
type Client struct {
	client           sdk.Client
	model            string
	timeout          time.Duration
	reasoningTimeout time.Duration
}

// NewClient builds a client with SDK retries disabled; llm.Invoke owns retries.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("ANTHROPIC_MODEL is required for Anthropic")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(base))
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
		client:           sdk.NewClient(opts...),
		model:            cfg.Model,
		timeout:          timeout,
		reasoningTimeout: reasoningTimeout,
	}, nil
}

func (c *Client) Name() string  { return string(llm.ProviderAnthropic) }
func (c *Client) Model() string { return c.model }

// Generate sends the prompt as one user turn. Extended reasoning enables
// thinking with a fixed budget.
func (c *Client) Generate(ctx context.Context, prompt string, extendedReasoning bool) (llm.Result, error) {
	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: defaultMaxTokens,
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(prompt)),
		},
	}
	timeout := c.timeout
	if extendedReasoning {
		params.MaxTokens = reasoningMaxTokens
		params.Thinking = sdk.ThinkingConfigParamOfEnabled(thinkingBudgetTokens)
		timeout = c.reasoningTimeout
	} else {
		params.Temperature = sdk.Float(0.2)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		resp *sdk.Message
		err  error
	)
	if extendedReasoning {
		resp, err = c.stream(ctx, params)
	} else {
		resp, err = c.client.Messages.New(ctx, params)
	}
	if err != nil {
		return llm.Result{}, c.classify(ctx, err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	out := strings.TrimSpace(text.String())
	if out == "" {
		return llm.Result{}, llm.NewError(c.Name(), llm.KindEmptyResponse, 0, "no text blocks in response", nil)
	}
	return llm.Result{
		Text: out,
		Usage: llm.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
		},
	}, nil
}

// stream runs the request over server-sent events and accumulates the final
// message. The SDK refuses non-streaming requests whose max_tokens implies
// more than ten minutes of generation.
func (c *Client) stream(ctx context.Context, params sdk.MessageNewParams) (*sdk.Message, error) {
	stream := c.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	var msg sdk.Message
	for stream.Next() {
		if err := msg.Accumulate(stream.Current()); err != nil {
			return nil, &streamError{err: err}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}
	return &msg, nil
}

type streamError struct{ err error }

func (e *streamError) Error() string { return "accumulate stream: " + e.err.Error() }
func (e *streamError) Unwrap() error { return e.err }

// HealthCheck issues a one-token request.
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	_, err := c.client.Messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: 1,
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock("ping"))},
	})
	if err != nil {
		return c.classify(ctx, err)
	}
	return nil
}

// classify maps SDK failures to llm kinds. Network failures and error events
// sent mid-stream are transient; anything that failed inside the SDK before a
// request was sent is rejected as an invalid request.
func (c *Client) classify(ctx context.Context, err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return llm.NewError(c.Name(), "", apiErr.StatusCode, errorMessage(apiErr), err)
	}
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		return llm.NewError(c.Name(), llm.KindTransient, 0, "request timeout", err)
	}
	var (
		urlErr *url.Error
		netErr net.Error
	)
	if errors.As(err, &urlErr) || errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF) {
		return llm.NewError(c.Name(), llm.KindTransient, 0, "request failed", err)
	}
	if msg := err.Error(); strings.HasPrefix(msg, "received error while streaming") {
		if strings.Contains(msg, "rate_limit_error") {
			return llm.NewError(c.Name(), llm.KindRateLimited, 0, "rate limited while streaming", err)
		}
		return llm.NewError(c.Name(), llm.KindTransient, 0, "stream interrupted", err)
	}
	var accErr *streamError
	if errors.As(err, &accErr) {
		return llm.NewError(c.Name(), llm.KindTransient, 0, "stream interrupted", err)
	}
	return llm.NewError(c.Name(), llm.KindInvalidRequest, 0, "request rejected by client", err)
}

// errorMessage keeps the status line and drops the dumped request/response.
func errorMessage(apiErr *sdk.Error) string {
	msg := apiErr.Error()
	if idx := strings.Index(msg, "\n"); idx >= 0 {
		msg = msg[:idx]
	}
	return strings.TrimSpace(msg)
}

var _ llm.Provider = (*Client)(nil)
