package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"

	"caseanalysis-backend/internal/shared/metrics"
	"caseanalysis-backend/internal/shared/telemetry"
)

// Throttler spaces calls per provider key.
type Throttler interface {
	Throttle(ctx context.Context, key string, requestsPerMinute int) error
}

// RetryPolicy bounds retries for rate-limited and transient failures.
type RetryPolicy struct {
	RateLimitRetries   int
	RateLimitBaseDelay time.Duration
	TransientRetries   int
	TransientBaseDelay time.Duration
}

// DefaultRetryPolicy returns 5 exponential retries on 429 and 3 linear
// retries on transient failures.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		RateLimitRetries:   5,
		RateLimitBaseDelay: 2 * time.Second,
		TransientRetries:   3,
		TransientBaseDelay: time.Second,
	}
}

// Backoff returns the delay before retry number attempt (1-based) for kind.
func (p RetryPolicy) Backoff(kind Kind, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	switch kind {
	case KindRateLimited:
		return p.RateLimitBaseDelay * time.Duration(1<<uint(attempt-1))
	case KindTransient:
		return p.TransientBaseDelay * time.Duration(attempt)
	default:
		return 0
	}
}

// InvokeOptions configures one governed call.
type InvokeOptions struct {
	Throttler     Throttler
	RatePerMinute int
	Policy        RetryPolicy
	Fields        map[string]any
}

type attemptState struct {
	rateLimited int
	transient   int
	lastKind    Kind
}

// Invoke calls p.Generate with throttling before every attempt and the retry
// policy applied to failures. Exhausted rate-limit retries produce
// ErrProviderRateLimitExceeded. Terminal kinds are returned immediately.
func Invoke(ctx context.Context, p Provider, prompt string, extendedReasoning bool, opts InvokeOptions) (Result, error) {
	state := &attemptState{}
	policy := opts.Policy
	maxAttempts := uint(policy.RateLimitRetries + policy.TransientRetries + 1)

	call := func() (Result, error) {
		if opts.Throttler != nil {
			if err := opts.Throttler.Throttle(ctx, p.Name(), opts.RatePerMinute); err != nil {
				return Result{}, retry.Unrecoverable(err)
			}
		}
		started := time.Now()
		metrics.IncInferenceCall()
		res, err := p.Generate(ctx, prompt, extendedReasoning)
		metrics.ObserveInferenceDurationMs(metrics.SinceMs(started))
		if err == nil {
			logUsage(p, res.Usage, extendedReasoning, started, opts.Fields)
			return res, nil
		}
		metrics.IncInferenceError()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, retry.Unrecoverable(ctxErr)
		}

		kind := KindOf(err)
		state.lastKind = kind
		switch kind {
		case KindRateLimited:
			state.rateLimited++
			if state.rateLimited > policy.RateLimitRetries {
				return Result{}, retry.Unrecoverable(fmt.Errorf("%w after %d retries: %w", ErrProviderRateLimitExceeded, policy.RateLimitRetries, err))
			}
			metrics.IncRateLimitedRetry()
		case KindTransient:
			state.transient++
			if state.transient > policy.TransientRetries {
				return Result{}, retry.Unrecoverable(err)
			}
			metrics.IncTransientRetry()
		default:
			return Result{}, retry.Unrecoverable(err)
		}
		telemetry.Warn("llm.retry", telemetry.Merge(opts.Fields, map[string]any{
			"provider": p.Name(),
			"model":    p.Model(),
			"kind":     string(kind),
			"error":    err,
		}))
		return Result{}, err
	}

	return retry.DoWithData(call,
		retry.Context(ctx),
		retry.Attempts(maxAttempts),
		retry.LastErrorOnly(true),
		// A custom RetryIf replaces retry-go's Unrecoverable check, so it is
		// repeated here; exhausted budgets are marked unrecoverable above.
		retry.RetryIf(func(err error) bool {
			if !retry.IsRecoverable(err) {
				return false
			}
			kind := KindOf(err)
			return kind == KindRateLimited || kind == KindTransient
		}),
		retry.DelayType(func(_ uint, _ error, _ *retry.Config) time.Duration {
			switch state.lastKind {
			case KindRateLimited:
				return policy.Backoff(KindRateLimited, state.rateLimited)
			case KindTransient:
				return policy.Backoff(KindTransient, state.transient)
			}
			return 0
		}),
	)
}

func logUsage(p Provider, usage Usage, extendedReasoning bool, started time.Time, fields map[string]any) {
	telemetry.Info("llm.usage", telemetry.Merge(fields, map[string]any{
		"provider":           p.Name(),
		"model":              p.Model(),
		"prompt_tokens":      usage.PromptTokens,
		"completion_tokens":  usage.CompletionTokens,
		"reasoning_tokens":   usage.ReasoningTokens,
		"extended_reasoning": extendedReasoning,
		"duration_ms":        metrics.SinceMs(started),
	}))
}

// Governed wraps a provider so every Generate goes through Invoke.
type Governed struct {
	Provider      Provider
	Throttler     Throttler
	RatePerMinute int
	Policy        RetryPolicy
	Fields        map[string]any
}

func (g *Governed) Name() string  { return g.Provider.Name() }
func (g *Governed) Model() string { return g.Provider.Model() }

func (g *Governed) Generate(ctx context.Context, prompt string, extendedReasoning bool) (Result, error) {
	return Invoke(ctx, g.Provider, prompt, extendedReasoning, InvokeOptions{
		Throttler:     g.Throttler,
		RatePerMinute: g.RatePerMinute,
		Policy:        g.Policy,
		Fields:        g.Fields,
	})
}

func (g *Governed) HealthCheck(ctx context.Context) error {
	return g.Provider.HealthCheck(ctx)
}

// IsTerminal reports whether err must not be retried at any level.
func IsTerminal(err error) bool {
	if errors.Is(err, ErrProviderRateLimitExceeded) {
		return true
	}
	switch KindOf(err) {
	case KindAuth, KindPayloadTooLarge, KindEmptyResponse, KindInvalidRequest:
		return true
	}
	return false
}
